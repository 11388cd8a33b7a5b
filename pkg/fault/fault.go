// Package fault defines the machine-readable error taxonomy shared by every
// layer of the control plane. Each failure surfaced to a caller carries a
// stable Kind so clients can branch on it without parsing messages.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is a stable, machine-readable failure classifier.
type Kind string

const (
	// KindUnauthenticated is returned when the agent credential is missing
	// or does not match the configured secret.
	KindUnauthenticated Kind = "unauthenticated"
	// KindInvalidSession is returned when the session token is missing,
	// malformed, or refers to an unknown session.
	KindInvalidSession Kind = "invalid_session"
	// KindSessionExpired is returned when the session exists but has passed
	// its expiry.
	KindSessionExpired Kind = "session_expired"
	// KindDenied is a policy denial.
	KindDenied Kind = "denied"
	// KindRateLimited is returned when the per-endpoint window or cooldown
	// refuses the call. RetryAfter is always set.
	KindRateLimited Kind = "rate_limited"
	// KindConfirmationRequired means the action was parked pending operator
	// confirmation. RequestID is always set.
	KindConfirmationRequired Kind = "confirmation_required"
	// KindConfirmationDenied means the operator explicitly denied the
	// pending action.
	KindConfirmationDenied Kind = "confirmation_denied"
	// KindConfirmationExpired means the pending action timed out before it
	// was resolved.
	KindConfirmationExpired Kind = "confirmation_expired"
	// KindPayloadMismatch means a confirm attempt supplied a payload whose
	// digest differs from the one proposed.
	KindPayloadMismatch Kind = "payload_mismatch"
	// KindAlreadyResolved means the pending action was already consumed by a
	// prior confirm or deny.
	KindAlreadyResolved Kind = "already_resolved"
	// KindStaleHandle means an element handle belongs to a superseded
	// accessibility snapshot generation.
	KindStaleHandle Kind = "stale_handle"
	// KindNotFound covers unknown request IDs, handles, and generations.
	KindNotFound Kind = "not_found"
	// KindUnresolvableElement means the handle resolved to bounds that
	// cannot be acted on (zero-sized or off-screen).
	KindUnresolvableElement Kind = "unresolvable_element"
	// KindExternalActionFailed wraps a failure reported by the external
	// action collaborator.
	KindExternalActionFailed Kind = "external_action_failed"
	// KindExternalActionTimeout means the bounded dispatch timeout elapsed
	// before the external collaborator returned.
	KindExternalActionTimeout Kind = "external_action_timeout"
	// KindAuditUnavailable means the audit sink could not accept a record.
	// Actions fail closed on this kind; it is never downgraded to a warning.
	KindAuditUnavailable Kind = "audit_unavailable"
	// KindBadRequest covers malformed or schema-invalid request payloads.
	KindBadRequest Kind = "bad_request"
	// KindInternal is the catch-all for unexpected internal failures.
	KindInternal Kind = "internal"
)

// Fault is the error type surfaced across package boundaries.
type Fault struct {
	Kind       Kind
	Message    string
	RequestID  string        // set for confirmation_required and confirm outcomes
	RetryAfter time.Duration // set for rate_limited
	Cause      error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Cause }

// New constructs a Fault with the given kind and message.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Newf constructs a Fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a Fault that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Fault {
	return &Fault{Kind: kind, Message: message, Cause: cause}
}

// WithRequestID returns a copy of f carrying the request ID.
func (f *Fault) WithRequestID(id string) *Fault {
	clone := *f
	clone.RequestID = id
	return &clone
}

// WithRetryAfter returns a copy of f carrying the retry hint.
func (f *Fault) WithRetryAfter(d time.Duration) *Fault {
	clone := *f
	clone.RetryAfter = d
	return &clone
}

// KindOf extracts the Kind from an error chain. Non-Fault errors classify
// as internal; nil classifies as the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// As extracts a *Fault from an error chain, wrapping foreign errors as
// internal so callers always get a renderable Fault.
func As(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return Wrap(KindInternal, "internal error", err)
}

// HTTPStatus maps a Kind to the status code used by the transport layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindInvalidSession, KindSessionExpired:
		return http.StatusUnauthorized
	case KindDenied, KindConfirmationDenied, KindPayloadMismatch:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindConfirmationRequired:
		return http.StatusAccepted
	case KindConfirmationExpired:
		return http.StatusGone
	case KindAlreadyResolved:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindStaleHandle, KindUnresolvableElement:
		return http.StatusConflict
	case KindBadRequest:
		return http.StatusBadRequest
	case KindExternalActionTimeout:
		return http.StatusGatewayTimeout
	case KindExternalActionFailed:
		return http.StatusBadGateway
	case KindAuditUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
