// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and digests. Payload digests must be stable across callers
// that serialize the same logical payload differently, so every digest in
// the control plane goes through JCS first.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// Map keys are sorted by UTF-8 bytes and HTML escaping is disabled.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// Digest returns "sha256:<hex>" over the canonical JSON form of v.
func Digest(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return DigestBytes(b), nil
}

// DigestBytes returns "sha256:<hex>" over raw bytes.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
