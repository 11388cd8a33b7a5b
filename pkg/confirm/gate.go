// Package confirm parks actions that policy marked confirmation-required
// and releases them only on explicit operator confirmation.
//
// Each PendingAction is a small state machine:
//
//	Pending --confirm--> Confirmed   (terminal, consumed exactly once)
//	Pending --deny-----> Denied      (terminal)
//	Pending --timeout--> Expired     (terminal; checked lazily on access
//	                                  and by the background sweep)
//
// The gate stores a canonical digest of the proposed payload, never the raw
// payload: a confirm attempt must present the same digest, which proves the
// confirmed action matches what was proposed.
package confirm

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hostpilot/warden/pkg/canonicalize"
	"github.com/hostpilot/warden/pkg/fault"
)

// Clock provides time for timeout decisions. Injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// State is a pending action's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateDenied    State = "denied"
	StateExpired   State = "expired"
)

// PendingAction is one parked action. Immutable once terminal; callers get
// copies, never shared pointers.
type PendingAction struct {
	RequestID     string
	SessionID     string
	Endpoint      string
	PayloadDigest string
	CreatedAt     time.Time
	TimeoutAt     time.Time
	State         State
}

// entry wraps a PendingAction with its own lock so unrelated confirmations
// never contend.
type entry struct {
	mu     sync.Mutex
	action PendingAction
}

// Gate owns the pending-action map.
type Gate struct {
	mu      sync.RWMutex
	entries map[string]*entry

	timeout time.Duration
	clock   Clock
}

// NewGate creates a gate with the given confirmation timeout. If clock is
// nil, wall clock is used.
func NewGate(timeout time.Duration, clock Clock) *Gate {
	if clock == nil {
		clock = wallClock{}
	}
	return &Gate{
		entries: make(map[string]*entry),
		timeout: timeout,
		clock:   clock,
	}
}

// Create parks an action and returns the pending record, including the
// request ID the caller must present to confirm.
func (g *Gate) Create(sessionID, endpoint string, payload any) (PendingAction, error) {
	digest, err := canonicalize.Digest(payload)
	if err != nil {
		return PendingAction{}, fault.Wrap(fault.KindBadRequest, "payload not digestible", err)
	}

	now := g.clock.Now()
	action := PendingAction{
		RequestID:     uuid.NewString(),
		SessionID:     sessionID,
		Endpoint:      endpoint,
		PayloadDigest: digest,
		CreatedAt:     now,
		TimeoutAt:     now.Add(g.timeout),
		State:         StatePending,
	}

	g.mu.Lock()
	g.entries[action.RequestID] = &entry{action: action}
	g.mu.Unlock()

	return action, nil
}

// Confirm consumes a pending action. The supplied payload digest must match
// the one proposed; a mismatch leaves the action Pending so the correct
// confirmation can still arrive before the timeout.
func (g *Gate) Confirm(requestID, payloadDigest string) (PendingAction, error) {
	e, err := g.lookup(requestID)
	if err != nil {
		return PendingAction{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := g.gateTransition(e); err != nil {
		return e.action, err
	}
	if payloadDigest != e.action.PayloadDigest {
		return e.action, fault.Newf(fault.KindPayloadMismatch,
			"confirmation digest does not match proposed action %s", requestID)
	}
	e.action.State = StateConfirmed
	return e.action, nil
}

// Deny moves a pending action to its terminal Denied state.
func (g *Gate) Deny(requestID string) (PendingAction, error) {
	e, err := g.lookup(requestID)
	if err != nil {
		return PendingAction{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := g.gateTransition(e); err != nil {
		return e.action, err
	}
	e.action.State = StateDenied
	return e.action, nil
}

// Resolve reports the action's current state without consuming it, applying
// lazy expiry. Unknown request IDs surface NotFound.
func (g *Gate) Resolve(requestID string) (PendingAction, error) {
	e, err := g.lookup(requestID)
	if err != nil {
		return PendingAction{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	g.lazyExpire(e)
	return e.action, nil
}

// ExpireForSession expires every still-pending action belonging to the
// session. Wired as the session store's expiry hook.
func (g *Gate) ExpireForSession(sessionID string) int {
	g.mu.RLock()
	matches := make([]*entry, 0)
	for _, e := range g.entries {
		matches = append(matches, e)
	}
	g.mu.RUnlock()

	n := 0
	for _, e := range matches {
		e.mu.Lock()
		if e.action.SessionID == sessionID && e.action.State == StatePending {
			e.action.State = StateExpired
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Sweep expires stale pending entries and drops terminal entries older than
// their timeout by the retention factor, bounding the map. Returns the
// number of entries expired.
func (g *Gate) Sweep() int {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, e := range g.entries {
		e.mu.Lock()
		if e.action.State == StatePending && now.After(e.action.TimeoutAt) {
			e.action.State = StateExpired
			n++
		}
		terminal := e.action.State != StatePending
		// Keep terminal records around for one more timeout interval so
		// late polls still see the outcome instead of NotFound.
		drop := terminal && now.After(e.action.TimeoutAt.Add(g.timeout))
		e.mu.Unlock()
		if drop {
			delete(g.entries, id)
		}
	}
	return n
}

func (g *Gate) lookup(requestID string) (*entry, error) {
	g.mu.RLock()
	e, ok := g.entries[requestID]
	g.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "no pending action %s", requestID)
	}
	return e, nil
}

// gateTransition enforces the state machine for confirm/deny attempts.
// Caller holds e.mu.
func (g *Gate) gateTransition(e *entry) error {
	g.lazyExpire(e)
	switch e.action.State {
	case StatePending:
		return nil
	case StateExpired:
		return fault.Newf(fault.KindConfirmationExpired, "action %s expired at %s",
			e.action.RequestID, e.action.TimeoutAt.Format(time.RFC3339))
	default:
		return fault.Newf(fault.KindAlreadyResolved, "action %s already %s",
			e.action.RequestID, e.action.State)
	}
}

// lazyExpire applies the timeout transition on access. Caller holds e.mu.
func (g *Gate) lazyExpire(e *entry) {
	if e.action.State == StatePending && g.clock.Now().After(e.action.TimeoutAt) {
		e.action.State = StateExpired
	}
}
