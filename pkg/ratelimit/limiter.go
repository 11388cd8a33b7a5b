// Package ratelimit enforces per-endpoint call-rate ceilings and post-call
// cooldown windows, independent of policy verdicts.
//
// Each endpoint gets a fixed counting window of MaxCalls per Window. The
// call that exceeds the ceiling trips a cooldown: the endpoint is refused
// unconditionally until the cooldown passes, even if the counting window
// resets underneath it. Timers are compared through time.Time's monotonic
// reading, so wall-clock adjustments cannot shrink or stretch a cooldown.
package ratelimit

import (
	"sync"
	"time"
)

// Clock provides time for window and cooldown decisions. Injectable for
// tests; the wall-clock default carries Go's monotonic reading.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Limit is one endpoint's parameters.
type Limit struct {
	Window   time.Duration
	MaxCalls int
	Cooldown time.Duration
}

// LimitFunc resolves the limit for an endpoint. Typically backed by the
// policy profile.
type LimitFunc func(endpoint string) Limit

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // positive when Allowed is false
}

// endpointState is the per-endpoint counter. Its own mutex provides the
// true mutual exclusion admission needs: two concurrent callers contending
// for the last slot serialize here, and only one is admitted.
type endpointState struct {
	mu            sync.Mutex
	windowStart   time.Time
	countInWindow int
	cooldownUntil time.Time
}

// Limiter holds per-endpoint state. The map itself is guarded separately
// from the per-endpoint locks so unrelated endpoints never contend.
type Limiter struct {
	mu     sync.Mutex
	states map[string]*endpointState

	limits LimitFunc
	clock  Clock
}

// New creates a limiter. If clock is nil, wall clock is used.
func New(limits LimitFunc, clock Clock) *Limiter {
	if clock == nil {
		clock = wallClock{}
	}
	return &Limiter{
		states: make(map[string]*endpointState),
		limits: limits,
		clock:  clock,
	}
}

// CheckAndRecord admits or refuses one call to the endpoint. Admission and
// recording are a single atomic step under the endpoint's lock.
func (l *Limiter) CheckAndRecord(endpoint string) Decision {
	limit := l.limits(endpoint)
	state := l.state(endpoint)
	now := l.clock.Now()

	state.mu.Lock()
	defer state.mu.Unlock()

	// Cooldown is checked first: it outlives window resets.
	if now.Before(state.cooldownUntil) {
		return Decision{RetryAfter: state.cooldownUntil.Sub(now)}
	}

	if state.windowStart.IsZero() || now.Sub(state.windowStart) >= limit.Window {
		state.windowStart = now
		state.countInWindow = 0
	}

	if state.countInWindow >= limit.MaxCalls {
		// The ceiling is already met; this call trips the cooldown.
		state.cooldownUntil = now.Add(limit.Cooldown)
		return Decision{RetryAfter: limit.Cooldown}
	}

	state.countInWindow++
	return Decision{Allowed: true}
}

func (l *Limiter) state(endpoint string) *endpointState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[endpoint]
	if !ok {
		s = &endpointState{}
		l.states[endpoint] = s
	}
	return s
}
