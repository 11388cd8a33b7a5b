package confirm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpilot/warden/pkg/canonicalize"
	"github.com/hostpilot/warden/pkg/fault"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustDigest(t *testing.T, payload any) string {
	t.Helper()
	d, err := canonicalize.Digest(payload)
	require.NoError(t, err)
	return d
}

func TestCreateStoresDigestNotPayload(t *testing.T) {
	gate := NewGate(2*time.Minute, nil)
	payload := map[string]any{"script": "tell app \"Finder\" to quit"}

	action, err := gate.Create("sess-1", "/run_applescript", payload)
	require.NoError(t, err)
	assert.Equal(t, StatePending, action.State)
	assert.Equal(t, mustDigest(t, payload), action.PayloadDigest)
	assert.NotEmpty(t, action.RequestID)
	assert.True(t, action.TimeoutAt.After(action.CreatedAt))
}

func TestConfirmConsumesExactlyOnce(t *testing.T) {
	gate := NewGate(2*time.Minute, nil)
	payload := map[string]any{"x": 1}
	action, err := gate.Create("sess-1", "/click", payload)
	require.NoError(t, err)

	confirmed, err := gate.Confirm(action.RequestID, mustDigest(t, payload))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, confirmed.State)

	// Second confirm fails with AlreadyResolved.
	_, err = gate.Confirm(action.RequestID, mustDigest(t, payload))
	assert.Equal(t, fault.KindAlreadyResolved, fault.KindOf(err))
}

func TestConfirmPayloadMismatchLeavesPending(t *testing.T) {
	gate := NewGate(2*time.Minute, nil)
	action, err := gate.Create("sess-1", "/click", map[string]any{"x": 1})
	require.NoError(t, err)

	_, err = gate.Confirm(action.RequestID, mustDigest(t, map[string]any{"x": 2}))
	assert.Equal(t, fault.KindPayloadMismatch, fault.KindOf(err))

	// The action is still pending; the right digest can still confirm.
	state, err := gate.Resolve(action.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state.State)

	_, err = gate.Confirm(action.RequestID, mustDigest(t, map[string]any{"x": 1}))
	require.NoError(t, err)
}

func TestConfirmAfterTimeoutExpires(t *testing.T) {
	clock := newFakeClock()
	gate := NewGate(2*time.Minute, clock)
	action, err := gate.Create("sess-1", "/click", map[string]any{"x": 1})
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	_, err = gate.Confirm(action.RequestID, action.PayloadDigest)
	assert.Equal(t, fault.KindConfirmationExpired, fault.KindOf(err))

	state, err := gate.Resolve(action.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, state.State)
}

func TestDenyIsTerminal(t *testing.T) {
	gate := NewGate(2*time.Minute, nil)
	action, err := gate.Create("sess-1", "/open_app", map[string]any{"name": "Mail"})
	require.NoError(t, err)

	denied, err := gate.Deny(action.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StateDenied, denied.State)

	_, err = gate.Confirm(action.RequestID, action.PayloadDigest)
	assert.Equal(t, fault.KindAlreadyResolved, fault.KindOf(err))
}

func TestResolveUnknownRequest(t *testing.T) {
	gate := NewGate(2*time.Minute, nil)
	_, err := gate.Resolve("nope")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestExpireForSession(t *testing.T) {
	gate := NewGate(2*time.Minute, nil)

	mine, err := gate.Create("sess-1", "/click", map[string]any{"x": 1})
	require.NoError(t, err)
	other, err := gate.Create("sess-2", "/click", map[string]any{"x": 2})
	require.NoError(t, err)

	n := gate.ExpireForSession("sess-1")
	assert.Equal(t, 1, n)

	state, err := gate.Resolve(mine.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, state.State)

	state, err = gate.Resolve(other.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state.State)
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	gate := NewGate(time.Minute, clock)

	action, err := gate.Create("sess-1", "/click", map[string]any{"x": 1})
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	assert.Equal(t, 1, gate.Sweep())

	// The expired record remains visible for one more timeout interval.
	state, err := gate.Resolve(action.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, state.State)

	// Past retention, the record is dropped.
	clock.Advance(2 * time.Minute)
	gate.Sweep()
	_, err = gate.Resolve(action.RequestID)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestConcurrentConfirmSingleWinner(t *testing.T) {
	gate := NewGate(time.Minute, nil)
	payload := map[string]any{"x": 1}
	action, err := gate.Create("sess-1", "/click", payload)
	require.NoError(t, err)
	digest := mustDigest(t, payload)

	const attempts = 20
	var wins, conflicts int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Confirm(action.RequestID, digest)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if fault.KindOf(err) == fault.KindAlreadyResolved {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, conflicts)
}
