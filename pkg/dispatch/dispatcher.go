// Package dispatch runs every action request through the same pipeline:
// rate limit, policy verdict, confirmation gate, bounded execution, audit.
// The pipeline is the only path to the external action collaborator; no
// handler calls it directly.
//
// Ordering is fixed. The rate limiter is consulted first and records the
// attempt whether or not policy later denies it. Policy is evaluated fresh
// per request against the session's current overrides. Execution is bounded
// by the action timeout and always produces exactly one audit record whose
// outcome matches what actually happened.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hostpilot/warden/pkg/audit"
	"github.com/hostpilot/warden/pkg/canonicalize"
	"github.com/hostpilot/warden/pkg/confirm"
	"github.com/hostpilot/warden/pkg/fault"
	"github.com/hostpilot/warden/pkg/observability"
	"github.com/hostpilot/warden/pkg/policy"
	"github.com/hostpilot/warden/pkg/ratelimit"
	"github.com/hostpilot/warden/pkg/session"
)

// AuditSink is the slice of the audit log the dispatcher needs. Ready is the
// pre-execution probe: an unwritable sink denies the action before it runs.
type AuditSink interface {
	Append(rec audit.Record) error
	Ready() error
}

// ActionFunc performs the external effect for one request. It must honor
// ctx cancellation; the dispatcher bounds it with the action timeout.
type ActionFunc func(ctx context.Context) (any, error)

// Request is one action request entering the pipeline.
type Request struct {
	SessionID      string
	Endpoint       string
	Payload        map[string]any
	RequireConfirm bool
}

// Result is a completed dispatch.
type Result struct {
	Data any
}

// Dispatcher wires the control-plane collaborators around action execution.
type Dispatcher struct {
	policy   *policy.Engine
	limiter  *ratelimit.Limiter
	gate     *confirm.Gate
	sessions *session.Store
	sink     AuditSink
	obs      *observability.Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a dispatcher. timeout bounds each external action.
func New(
	engine *policy.Engine,
	limiter *ratelimit.Limiter,
	gate *confirm.Gate,
	sessions *session.Store,
	sink AuditSink,
	obs *observability.Provider,
	timeout time.Duration,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		policy:   engine,
		limiter:  limiter,
		gate:     gate,
		sessions: sessions,
		sink:     sink,
		obs:      obs,
		timeout:  timeout,
		logger:   logger.With("component", "dispatch"),
	}
}

// Dispatch runs one request through the pipeline. fn is only invoked when
// the verdict is allow and the audit sink is writable.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, fn ActionFunc) (Result, error) {
	ctx, finish := d.obs.TrackDispatch(ctx, req.Endpoint,
		attribute.String("warden.session_id", req.SessionID))

	res, err := d.dispatch(ctx, req, fn)
	finish(err)
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request, fn ActionFunc) (Result, error) {
	if rl := d.limiter.CheckAndRecord(req.Endpoint); !rl.Allowed {
		d.record(audit.Record{
			Endpoint:  req.Endpoint,
			SessionID: req.SessionID,
			Verdict:   "rate_limited",
			Outcome:   audit.OutcomeDenied,
			Detail:    "rate limit exceeded",
		})
		return Result{}, fault.Newf(fault.KindRateLimited,
			"endpoint %s rate limited", req.Endpoint).WithRetryAfter(rl.RetryAfter)
	}

	overrides, err := d.sessions.Overrides(req.SessionID)
	if err != nil {
		return Result{}, err
	}

	decision := d.policy.Evaluate(overrides, req.Endpoint, req.Payload, req.RequireConfirm)
	switch decision.Verdict {
	case policy.VerdictDeny:
		d.record(audit.Record{
			Endpoint:  req.Endpoint,
			SessionID: req.SessionID,
			Verdict:   string(decision.Verdict),
			Outcome:   audit.OutcomeDenied,
			Detail:    decision.Reason,
		})
		return Result{}, fault.Newf(fault.KindDenied, "%s: %s", req.Endpoint, decision.Reason)

	case policy.VerdictRequireConfirmation:
		pending, err := d.gate.Create(req.SessionID, req.Endpoint, req.Payload)
		if err != nil {
			return Result{}, err
		}
		d.record(audit.Record{
			Endpoint:  req.Endpoint,
			SessionID: req.SessionID,
			Verdict:   string(decision.Verdict),
			RequestID: pending.RequestID,
			Outcome:   audit.OutcomeDenied,
			Detail:    "confirmation_pending",
		})
		return Result{}, fault.Newf(fault.KindConfirmationRequired,
			"%s requires confirmation", req.Endpoint).WithRequestID(pending.RequestID)
	}

	return d.execute(ctx, req.SessionID, req.Endpoint, string(decision.Verdict), "", fn)
}

// Confirm releases a parked action and executes it. The caller re-supplies
// the endpoint and payload; their canonical digest must match what was
// proposed, which is the proof that the operator confirmed this exact
// action.
func (d *Dispatcher) Confirm(ctx context.Context, requestID, endpoint string, payload map[string]any, fn ActionFunc) (Result, error) {
	ctx, finish := d.obs.TrackDispatch(ctx, endpoint,
		attribute.String("warden.request_id", requestID))

	res, err := d.confirm(ctx, requestID, endpoint, payload, fn)
	finish(err)
	return res, err
}

func (d *Dispatcher) confirm(ctx context.Context, requestID, endpoint string, payload map[string]any, fn ActionFunc) (Result, error) {
	digest, err := canonicalize.Digest(payload)
	if err != nil {
		return Result{}, fault.Wrap(fault.KindBadRequest, "payload not digestible", err)
	}

	// Endpoint mismatch is checked before the consuming transition so the
	// pending action survives a confirm aimed at the wrong endpoint.
	state, err := d.gate.Resolve(requestID)
	if err != nil {
		return Result{}, err
	}
	if state.Endpoint != endpoint {
		return Result{}, fault.Newf(fault.KindPayloadMismatch,
			"confirmation endpoint %s does not match proposed action %s", endpoint, state.Endpoint)
	}

	pending, err := d.gate.Confirm(requestID, digest)
	if err != nil {
		if pending.RequestID != "" {
			d.recordConfirmFailure(pending, err)
		}
		return Result{}, err
	}

	return d.execute(ctx, pending.SessionID, pending.Endpoint,
		string(policy.VerdictRequireConfirmation), pending.RequestID, fn)
}

// Deny resolves a parked action as operator-denied.
func (d *Dispatcher) Deny(requestID string) (confirm.PendingAction, error) {
	denied, err := d.gate.Deny(requestID)
	if err != nil {
		return denied, err
	}
	d.record(audit.Record{
		Endpoint:  denied.Endpoint,
		SessionID: denied.SessionID,
		Verdict:   string(policy.VerdictRequireConfirmation),
		RequestID: denied.RequestID,
		Outcome:   audit.OutcomeDenied,
		Detail:    "operator denied",
	})
	return denied, nil
}

// Resolve reports a pending action's state without consuming it.
func (d *Dispatcher) Resolve(requestID string) (confirm.PendingAction, error) {
	return d.gate.Resolve(requestID)
}

// execute runs fn under the action timeout and writes the single audit
// record for the dispatch. The sink is probed first: if audit cannot accept
// a record, the action does not run.
func (d *Dispatcher) execute(ctx context.Context, sessionID, endpoint, verdict, requestID string, fn ActionFunc) (Result, error) {
	if err := d.sink.Ready(); err != nil {
		d.logger.ErrorContext(ctx, "audit sink unavailable, refusing action",
			"endpoint", endpoint, "error", err)
		return Result{}, err
	}

	actionCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	data, err := fn(actionCtx)
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(actionCtx.Err(), context.DeadlineExceeded)):
		d.record(audit.Record{
			Endpoint: endpoint, SessionID: sessionID, Verdict: verdict,
			RequestID: requestID, Outcome: audit.OutcomeFailed, Detail: "action timeout",
		})
		return Result{}, fault.Wrap(fault.KindExternalActionTimeout,
			"action did not complete in time", err)

	case err != nil:
		d.record(audit.Record{
			Endpoint: endpoint, SessionID: sessionID, Verdict: verdict,
			RequestID: requestID, Outcome: audit.OutcomeFailed, Detail: err.Error(),
		})
		var f *fault.Fault
		if errors.As(err, &f) {
			return Result{}, err
		}
		return Result{}, fault.Wrap(fault.KindExternalActionFailed, "action failed", err)
	}

	if aerr := d.sink.Append(audit.Record{
		Endpoint: endpoint, SessionID: sessionID, Verdict: verdict,
		RequestID: requestID, Outcome: audit.OutcomeExecuted,
	}); aerr != nil {
		// The effect already happened; the caller must still see the audit
		// failure rather than a clean success.
		d.logger.ErrorContext(ctx, "audit append failed after execution",
			"endpoint", endpoint, "error", aerr)
		return Result{}, aerr
	}
	return Result{Data: data}, nil
}

// recordConfirmFailure audits a failed confirm attempt against the pending
// action it targeted.
func (d *Dispatcher) recordConfirmFailure(pending confirm.PendingAction, err error) {
	outcome := audit.OutcomeDenied
	if fault.KindOf(err) == fault.KindConfirmationExpired {
		outcome = audit.OutcomeExpired
	}
	d.record(audit.Record{
		Endpoint:  pending.Endpoint,
		SessionID: pending.SessionID,
		Verdict:   string(policy.VerdictRequireConfirmation),
		RequestID: pending.RequestID,
		Outcome:   outcome,
		Detail:    fault.As(err).Message,
	})
}

// record writes a non-execution audit record. These records describe
// refusals, so a sink failure here is logged but does not mask the refusal
// the caller is already receiving.
func (d *Dispatcher) record(rec audit.Record) {
	if err := d.sink.Append(rec); err != nil {
		d.logger.Error("audit append failed",
			"endpoint", rec.Endpoint, "outcome", rec.Outcome, "error", err)
	}
}
