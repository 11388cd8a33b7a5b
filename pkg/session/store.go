// Package session owns interactive sessions: creation, sliding expiry,
// per-session allow/deny overrides, and logout. Sessions hold the state the
// policy engine merges with the global profile.
//
// Expiry is sliding: every authenticated use of a live session pushes its
// expiry out by the configured TTL. A session left idle past the TTL is
// expired lazily on next access and by the background sweep.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hostpilot/warden/pkg/fault"
)

// Clock provides time for expiry decisions. Injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// OverrideMode selects which override set an endpoint is written to.
type OverrideMode string

const (
	OverrideAllow OverrideMode = "allow"
	OverrideDeny  OverrideMode = "deny"
)

// Overrides is a point-in-time copy of one session's override sets. The two
// sets are disjoint by construction: SetOverride removes any prior entry for
// the endpoint before writing the new one.
type Overrides struct {
	Allow map[string]struct{}
	Deny  map[string]struct{}
}

// Session is one interactive session. Fields are guarded by the session's
// own mutex so unrelated sessions never contend.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	expiresAt time.Time
	allow     map[string]struct{}
	deny      map[string]struct{}
}

// Store creates, validates, and expires sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl   time.Duration
	clock Clock
	codec *TokenCodec

	// onExpire is invoked (outside the store lock) whenever a session
	// reaches its terminal state, so pending confirmations can be expired
	// with it.
	onExpire func(sessionID string)
}

// NewStore creates a session store. If clock is nil, wall clock is used.
func NewStore(codec *TokenCodec, ttl time.Duration, clock Clock) *Store {
	if clock == nil {
		clock = wallClock{}
	}
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		clock:    clock,
		codec:    codec,
	}
}

// OnExpire registers the hook run when a session terminates. Must be called
// during wiring, before traffic.
func (s *Store) OnExpire(hook func(sessionID string)) {
	s.onExpire = hook
}

// Create generates a new session with an empty override set and returns it
// together with its signed credential.
func (s *Store) Create() (*Session, string, error) {
	now := s.clock.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		expiresAt: now.Add(s.ttl),
		allow:     make(map[string]struct{}),
		deny:      make(map[string]struct{}),
	}

	token, err := s.codec.Mint(sess.ID, now, sess.expiresAt)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return sess, token, nil
}

// Validate checks a session credential, touches the session (sliding
// expiry), and returns its ID.
func (s *Store) Validate(token string) (string, error) {
	id, err := s.codec.SessionID(token)
	if err != nil {
		return "", fault.Wrap(fault.KindInvalidSession, "invalid session token", err)
	}
	if err := s.Touch(id); err != nil {
		return "", err
	}
	return id, nil
}

// Touch validates liveness and extends the session's expiry by the TTL.
// An expired session is removed and surfaces SessionExpired.
func (s *Store) Touch(id string) error {
	sess, err := s.live(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.expiresAt = s.clock.Now().Add(s.ttl)
	sess.mu.Unlock()
	return nil
}

// SetOverride writes an allow or deny override for the endpoint. Idempotent;
// any prior override for the endpoint is removed first so the endpoint never
// appears in both sets.
func (s *Store) SetOverride(id, endpoint string, mode OverrideMode) error {
	sess, err := s.live(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	delete(sess.allow, endpoint)
	delete(sess.deny, endpoint)
	switch mode {
	case OverrideAllow:
		sess.allow[endpoint] = struct{}{}
	case OverrideDeny:
		sess.deny[endpoint] = struct{}{}
	default:
		return fault.Newf(fault.KindBadRequest, "unknown override mode %q", mode)
	}
	return nil
}

// Overrides returns a copy of the session's current override sets.
func (s *Store) Overrides(id string) (Overrides, error) {
	sess, err := s.live(id)
	if err != nil {
		return Overrides{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := Overrides{
		Allow: make(map[string]struct{}, len(sess.allow)),
		Deny:  make(map[string]struct{}, len(sess.deny)),
	}
	for e := range sess.allow {
		out.Allow[e] = struct{}{}
	}
	for e := range sess.deny {
		out.Deny[e] = struct{}{}
	}
	return out, nil
}

// Expire moves the session to its terminal state. Safe to call for unknown
// IDs (logout is idempotent).
func (s *Store) Expire(id string) {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if existed && s.onExpire != nil {
		s.onExpire(id)
	}
}

// SweepExpired removes sessions past their expiry and fires the expiry hook
// for each. Returns the number removed.
func (s *Store) SweepExpired() int {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []string
	for id, sess := range s.sessions {
		sess.mu.Lock()
		dead := now.After(sess.expiresAt)
		sess.mu.Unlock()
		if dead {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	if s.onExpire != nil {
		for _, id := range expired {
			s.onExpire(id)
		}
	}
	return len(expired)
}

// live fetches a session and lazily expires it if stale.
func (s *Store) live(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.KindInvalidSession, "session %s not found", id)
	}

	sess.mu.Lock()
	dead := s.clock.Now().After(sess.expiresAt)
	sess.mu.Unlock()
	if dead {
		s.Expire(id)
		return nil, fault.New(fault.KindSessionExpired, fmt.Sprintf("session %s expired", id))
	}
	return sess, nil
}
