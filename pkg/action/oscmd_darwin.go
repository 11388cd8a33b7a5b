//go:build darwin

package action

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// OSCommand implements the System capabilities by shelling out to the
// standard macOS tools, the same way the agent it guards does. Screen,
// input, and tree-walk capabilities stay with the embedding process (they
// need CGo bindings this module deliberately does not carry) and fall back
// to Unsupported.
type OSCommand struct {
	Unsupported
}

func (OSCommand) LaunchOrFocusApp(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, "open", "-a", name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("open -a %q: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (OSCommand) RunScript(ctx context.Context, source string) (string, error) {
	out, err := exec.CommandContext(ctx, "osascript", "-e", source).Output()
	if err != nil {
		return "", fmt.Errorf("osascript: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (OSCommand) RunNamedAutomation(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "shortcuts", "run", name)
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("shortcuts run %q: %w", name, err)
	}
	return nil
}
