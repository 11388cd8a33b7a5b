package session

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// tokenIssuer identifies tokens minted by this process.
const tokenIssuer = "warden"

// TokenCodec mints and validates session credentials. Tokens are HMAC-signed
// JWTs whose signing key is derived from the agent secret, so a session
// token is only valid against the agent secret it was minted under. The
// session store remains authoritative: a token that parses cleanly still has
// to match a live session.
type TokenCodec struct {
	key []byte
}

// NewTokenCodec derives the signing key from the agent secret via HKDF.
func NewTokenCodec(agentSecret string) (*TokenCodec, error) {
	kdf := hkdf.New(sha256.New, []byte(agentSecret), nil, []byte("warden-session-token-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("session: derive token key: %w", err)
	}
	return &TokenCodec{key: key}, nil
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// Mint produces a signed token for the session.
func (c *TokenCodec) Mint(sessionID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("session: sign token: %w", err)
	}
	return signed, nil
}

// SessionID validates the token signature and returns the embedded session
// ID. Expiry against the store is checked separately by the caller; the JWT
// exp claim is a cheap first gate only.
func (c *TokenCodec) SessionID(tokenStr string) (string, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return "", fmt.Errorf("session: token validation failed: %w", err)
	}
	if !token.Valid || claims.ID == "" {
		return "", fmt.Errorf("session: invalid token")
	}
	return claims.ID, nil
}
