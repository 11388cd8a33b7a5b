package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpilot/warden/pkg/config"
	"github.com/hostpilot/warden/pkg/session"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(&config.Profile{
		Version: "1.0.0",
		Allow:   []string{"/click", "/cursor", "/screen"},
		Confirm: []string{"/run_applescript"},
		Conditions: map[string]string{
			"/click": "int(input.payload.x) >= 0 && int(input.payload.y) >= 0",
		},
	})
	require.NoError(t, err)
	return engine
}

func noOverrides() session.Overrides {
	return session.Overrides{
		Allow: map[string]struct{}{},
		Deny:  map[string]struct{}{},
	}
}

func TestResolutionOrder(t *testing.T) {
	engine := testEngine(t)

	// Deny override beats everything, including the allowlist.
	ov := noOverrides()
	ov.Deny["/click"] = struct{}{}
	d := engine.Evaluate(ov, "/click", map[string]any{"x": 1, "y": 1}, false)
	assert.Equal(t, VerdictDeny, d.Verdict)

	// Allow override beats the confirm list.
	ov = noOverrides()
	ov.Allow["/run_applescript"] = struct{}{}
	d = engine.Evaluate(ov, "/run_applescript", nil, false)
	assert.Equal(t, VerdictAllow, d.Verdict)

	// Confirm list beats the allowlist default.
	d = engine.Evaluate(noOverrides(), "/run_applescript", nil, false)
	assert.Equal(t, VerdictRequireConfirmation, d.Verdict)

	// Allowlist admits.
	d = engine.Evaluate(noOverrides(), "/cursor", nil, false)
	assert.Equal(t, VerdictAllow, d.Verdict)

	// Unknown endpoints are denied by default.
	d = engine.Evaluate(noOverrides(), "/format_disk", nil, false)
	assert.Equal(t, VerdictDeny, d.Verdict)
}

func TestRequireConfirmUpgradeOnly(t *testing.T) {
	engine := testEngine(t)

	// Upgrades an allow to require_confirmation.
	d := engine.Evaluate(noOverrides(), "/cursor", nil, true)
	assert.Equal(t, VerdictRequireConfirmation, d.Verdict)

	// Never lifts a deny.
	d = engine.Evaluate(noOverrides(), "/format_disk", nil, true)
	assert.Equal(t, VerdictDeny, d.Verdict)

	ov := noOverrides()
	ov.Deny["/cursor"] = struct{}{}
	d = engine.Evaluate(ov, "/cursor", nil, true)
	assert.Equal(t, VerdictDeny, d.Verdict)
}

func TestPayloadConditions(t *testing.T) {
	engine := testEngine(t)

	d := engine.Evaluate(noOverrides(), "/click", map[string]any{"x": 10, "y": 20}, false)
	assert.Equal(t, VerdictAllow, d.Verdict)

	// Failing condition denies.
	d = engine.Evaluate(noOverrides(), "/click", map[string]any{"x": -1, "y": 20}, false)
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.Equal(t, "payload condition failed", d.Reason)

	// A session allow override cannot lift a global condition.
	ov := noOverrides()
	ov.Allow["/click"] = struct{}{}
	d = engine.Evaluate(ov, "/click", map[string]any{"x": -1, "y": 20}, false)
	assert.Equal(t, VerdictDeny, d.Verdict)

	// Condition evaluation errors fail closed (missing payload key).
	d = engine.Evaluate(noOverrides(), "/click", map[string]any{}, false)
	assert.Equal(t, VerdictDeny, d.Verdict)
}

func TestEvaluateIsPure(t *testing.T) {
	engine := testEngine(t)
	ov := noOverrides()
	ov.Allow["/run_applescript"] = struct{}{}
	payload := map[string]any{"script": "beep"}

	first := engine.Evaluate(ov, "/run_applescript", payload, false)
	second := engine.Evaluate(ov, "/run_applescript", payload, false)
	assert.Equal(t, first, second)
}

func TestNewEngineRejectsBadCondition(t *testing.T) {
	_, err := NewEngine(&config.Profile{
		Version:    "1.0.0",
		Allow:      []string{"/click"},
		Conditions: map[string]string{"/click": "not valid ((("},
	})
	require.Error(t, err)
}
