// Package api exposes the control plane over local HTTP. Every response,
// success or failure, uses the same envelope so clients branch on one shape:
//
//	{"ok": true,  "data": {...},                     "request_id": "..."}
//	{"ok": false, "error": {"kind": "...", ...},     "request_id": "..."}
//
// The request_id echoes X-Request-ID (generated when absent). Error kinds
// are the stable fault taxonomy, never free-form strings.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hostpilot/warden/pkg/fault"
)

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

// Envelope is the uniform response shape.
type Envelope struct {
	OK        bool       `json:"ok"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Kind         fault.Kind `json:"kind"`
	Message      string     `json:"message"`
	RetryAfterMS int64      `json:"retry_after_ms,omitempty"`
	RequestID    string     `json:"request_id,omitempty"` // pending-action ID, when applicable
}

// WriteData writes a success envelope.
func WriteData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, status, Envelope{
		OK:        true,
		Data:      data,
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

// WriteFault renders an error through the taxonomy's status mapping. A
// confirmation_required fault is a 202 with the pending request ID; a
// rate_limited fault carries Retry-After in both header and body.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	f := fault.As(err)
	status := fault.HTTPStatus(f.Kind)

	body := &ErrorBody{
		Kind:      f.Kind,
		Message:   f.Message,
		RequestID: f.RequestID,
	}
	if f.RetryAfter > 0 {
		body.RetryAfterMS = f.RetryAfter.Milliseconds()
		w.Header().Set("Retry-After", formatRetryAfterSeconds(f.RetryAfter))
	}

	writeEnvelope(w, status, Envelope{
		OK:        false,
		Error:     body,
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

// formatRetryAfterSeconds renders a Retry-After header value, rounding up
// so clients never retry early.
func formatRetryAfterSeconds(d time.Duration) string {
	secs := (d + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(int64(secs), 10)
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
