// Package policy computes the allow/deny/confirm verdict for one
// (session, endpoint, payload) triple. Verdicts are computed values, never
// cached across requests: session overrides can change between calls.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/hostpilot/warden/pkg/config"
	"github.com/hostpilot/warden/pkg/session"
)

// Verdict is the policy outcome for one evaluation.
type Verdict string

const (
	VerdictAllow               Verdict = "allow"
	VerdictDeny                Verdict = "deny"
	VerdictRequireConfirmation Verdict = "require_confirmation"
)

// Decision pairs a verdict with the rule that produced it, for auditing.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Engine evaluates the global profile merged with session overrides.
//
// Resolution order, first match wins:
//  1. session deny override  -> deny
//  2. session allow override -> allow
//  3. profile confirm list   -> require_confirmation
//  4. profile allowlist      -> allow
//  5. default                -> deny
//
// Two gates apply on top of that order. A profile condition (CEL over the
// payload) denies any non-deny outcome when it fails: conditions are global
// constraints that a session override cannot lift. And a request-scoped
// require_confirm flag upgrades any non-deny verdict to
// require_confirmation; upgrade-only, so it can never bypass a deny.
type Engine struct {
	allow      map[string]struct{}
	confirm    map[string]struct{}
	conditions map[string]cel.Program

	env *cel.Env
	mu  sync.RWMutex
}

// NewEngine compiles the profile's conditions eagerly so a bad expression
// fails startup instead of the first matching request.
func NewEngine(profile *config.Profile) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL env: %w", err)
	}

	e := &Engine{
		allow:      make(map[string]struct{}, len(profile.Allow)),
		confirm:    make(map[string]struct{}, len(profile.Confirm)),
		conditions: make(map[string]cel.Program, len(profile.Conditions)),
		env:        env,
	}
	for _, endpoint := range profile.Allow {
		e.allow[endpoint] = struct{}{}
	}
	for _, endpoint := range profile.Confirm {
		e.confirm[endpoint] = struct{}{}
	}
	for endpoint, expr := range profile.Conditions {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: condition for %s: %w", endpoint, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: condition for %s: %w", endpoint, err)
		}
		e.conditions[endpoint] = prg
	}
	return e, nil
}

// Evaluate computes the verdict. It is a pure function of its arguments and
// the immutable profile: calling it twice with no state change yields the
// same decision.
func (e *Engine) Evaluate(overrides session.Overrides, endpoint string, payload map[string]any, requireConfirm bool) Decision {
	decision := e.resolve(overrides, endpoint)

	if decision.Verdict != VerdictDeny {
		if d, denied := e.checkCondition(endpoint, payload); denied {
			return d
		}
	}

	if requireConfirm && decision.Verdict != VerdictDeny {
		return Decision{Verdict: VerdictRequireConfirmation, Reason: "caller requested confirmation"}
	}
	return decision
}

func (e *Engine) resolve(overrides session.Overrides, endpoint string) Decision {
	if _, ok := overrides.Deny[endpoint]; ok {
		return Decision{Verdict: VerdictDeny, Reason: "session deny override"}
	}
	if _, ok := overrides.Allow[endpoint]; ok {
		return Decision{Verdict: VerdictAllow, Reason: "session allow override"}
	}
	if _, ok := e.confirm[endpoint]; ok {
		return Decision{Verdict: VerdictRequireConfirmation, Reason: "endpoint requires confirmation"}
	}
	if _, ok := e.allow[endpoint]; ok {
		return Decision{Verdict: VerdictAllow, Reason: "global allowlist"}
	}
	return Decision{Verdict: VerdictDeny, Reason: "endpoint not allowlisted"}
}

// checkCondition evaluates the endpoint's payload condition, if any.
// Evaluation errors fail closed.
func (e *Engine) checkCondition(endpoint string, payload map[string]any) (Decision, bool) {
	e.mu.RLock()
	prg, ok := e.conditions[endpoint]
	e.mu.RUnlock()
	if !ok {
		return Decision{}, false
	}

	if payload == nil {
		payload = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"input": map[string]any{
			"endpoint": endpoint,
			"payload":  payload,
		},
	})
	if err != nil {
		return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("condition error: %v", err)}, true
	}
	passed, ok := out.Value().(bool)
	if !ok {
		return Decision{Verdict: VerdictDeny, Reason: "condition did not return bool"}, true
	}
	if !passed {
		return Decision{Verdict: VerdictDeny, Reason: "payload condition failed"}, true
	}
	return Decision{}, false
}
