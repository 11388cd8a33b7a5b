package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	f := New(KindDenied, "endpoint not allowlisted")
	assert.Equal(t, KindDenied, KindOf(f))

	// Kind survives wrapping with %w.
	wrapped := fmt.Errorf("dispatch: %w", f)
	assert.Equal(t, KindDenied, KindOf(wrapped))

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestAsWrapsForeignErrors(t *testing.T) {
	cause := errors.New("disk full")
	f := As(cause)
	require.NotNil(t, f)
	assert.Equal(t, KindInternal, f.Kind)
	assert.ErrorIs(t, f, cause)
}

func TestWithHelpersDoNotMutate(t *testing.T) {
	base := New(KindRateLimited, "window exhausted")
	withRetry := base.WithRetryAfter(30 * time.Second)

	assert.Zero(t, base.RetryAfter)
	assert.Equal(t, 30*time.Second, withRetry.RetryAfter)

	withID := base.WithRequestID("req-1")
	assert.Empty(t, base.RequestID)
	assert.Equal(t, "req-1", withID.RequestID)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindUnauthenticated:       http.StatusUnauthorized,
		KindInvalidSession:        http.StatusUnauthorized,
		KindSessionExpired:        http.StatusUnauthorized,
		KindDenied:                http.StatusForbidden,
		KindRateLimited:           http.StatusTooManyRequests,
		KindConfirmationRequired:  http.StatusAccepted,
		KindConfirmationExpired:   http.StatusGone,
		KindAlreadyResolved:       http.StatusConflict,
		KindPayloadMismatch:       http.StatusForbidden,
		KindStaleHandle:           http.StatusConflict,
		KindNotFound:              http.StatusNotFound,
		KindUnresolvableElement:   http.StatusConflict,
		KindExternalActionFailed:  http.StatusBadGateway,
		KindExternalActionTimeout: http.StatusGatewayTimeout,
		KindAuditUnavailable:      http.StatusServiceUnavailable,
		KindBadRequest:            http.StatusBadRequest,
		KindInternal:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), "kind %s", kind)
	}
}
