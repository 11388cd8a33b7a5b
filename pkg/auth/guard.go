// Package auth validates the two credentials carried by every privileged
// request: the static agent credential (shared secret) and the per-session
// credential minted by the session store.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"

	"github.com/hostpilot/warden/pkg/fault"
	"github.com/hostpilot/warden/pkg/session"
)

// Header names for the two credentials.
const (
	AgentKeyHeader     = "X-Agent-Key"
	SessionTokenHeader = "X-Session-Token"
)

// Guard checks credentials. It has no side effects beyond the sliding-expiry
// touch performed by session validation.
type Guard struct {
	// agentDigest is the SHA-256 of the configured agent secret. Comparing
	// fixed-length digests keeps the comparison constant-time regardless of
	// attacker-supplied credential length.
	agentDigest [sha256.Size]byte
	sessions    *session.Store
}

// NewGuard creates a guard over the agent secret and session store.
func NewGuard(agentSecret string, sessions *session.Store) *Guard {
	return &Guard{
		agentDigest: sha256.Sum256([]byte(agentSecret)),
		sessions:    sessions,
	}
}

// CheckAgent validates the agent credential in constant time.
func (g *Guard) CheckAgent(credential string) error {
	got := sha256.Sum256([]byte(credential))
	if subtle.ConstantTimeCompare(got[:], g.agentDigest[:]) != 1 {
		return fault.New(fault.KindUnauthenticated, "agent credential missing or invalid")
	}
	return nil
}

// Authorize validates both credentials and returns the session ID. Session
// validation touches the session, extending its sliding expiry.
func (g *Guard) Authorize(agentCredential, sessionToken string) (string, error) {
	if err := g.CheckAgent(agentCredential); err != nil {
		return "", err
	}
	if sessionToken == "" {
		return "", fault.New(fault.KindInvalidSession, "session token missing")
	}
	return g.sessions.Validate(sessionToken)
}
