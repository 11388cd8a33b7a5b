package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpilot/warden/pkg/fault"
	"github.com/hostpilot/warden/pkg/session"
)

const testSecret = "correct-horse-battery-staple"

func newTestGuard(t *testing.T) (*Guard, *session.Store) {
	t.Helper()
	codec, err := session.NewTokenCodec(testSecret)
	require.NoError(t, err)
	store := session.NewStore(codec, 30*time.Minute, nil)
	return NewGuard(testSecret, store), store
}

func TestCheckAgent(t *testing.T) {
	guard, _ := newTestGuard(t)

	require.NoError(t, guard.CheckAgent(testSecret))

	for _, bad := range []string{"", "wrong", testSecret + "x", testSecret[:len(testSecret)-1]} {
		err := guard.CheckAgent(bad)
		assert.Equal(t, fault.KindUnauthenticated, fault.KindOf(err), "credential %q", bad)
	}
}

func TestAuthorize(t *testing.T) {
	guard, store := newTestGuard(t)
	sess, token, err := store.Create()
	require.NoError(t, err)

	id, err := guard.Authorize(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, id)
}

func TestAuthorizeAgentCheckedFirst(t *testing.T) {
	guard, store := newTestGuard(t)
	_, token, err := store.Create()
	require.NoError(t, err)

	// A bad agent credential must fail even with a valid session token, and
	// it must fail as unauthenticated (never leaking session validity).
	_, err = guard.Authorize("wrong", token)
	assert.Equal(t, fault.KindUnauthenticated, fault.KindOf(err))
}

func TestAuthorizeMissingOrDeadSession(t *testing.T) {
	guard, store := newTestGuard(t)

	_, err := guard.Authorize(testSecret, "")
	assert.Equal(t, fault.KindInvalidSession, fault.KindOf(err))

	sess, token, err := store.Create()
	require.NoError(t, err)
	store.Expire(sess.ID)

	_, err = guard.Authorize(testSecret, token)
	assert.Equal(t, fault.KindInvalidSession, fault.KindOf(err))
}

func TestSessionIDContextRoundTrip(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-1")
	assert.Equal(t, "sess-1", SessionID(ctx))
	assert.Empty(t, SessionID(context.Background()))
}
