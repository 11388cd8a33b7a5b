package action

import (
	"context"
	"sync"
	"time"

	"github.com/hostpilot/warden/pkg/fault"
)

// Call records one invocation against the mock, for assertions.
type Call struct {
	Name string
	Args map[string]any
}

// Mock is a Capabilities implementation for tests. Every method records its
// call; failures and canned responses are configurable per method name.
type Mock struct {
	mu    sync.Mutex
	calls []Call

	// Fail maps a method name to the error it should return.
	Fail map[string]error
	// Delay maps a method name to a sleep applied before returning, to
	// exercise dispatch timeouts.
	Delay map[string]time.Duration

	ScreenPNG    []byte
	Screen       Size
	Cursor       Point
	ScriptOutput string
	OCRText      string
	Tree         TreeNode
}

// NewMock returns a mock with a plausible 1440x900 screen and a small
// accessibility tree.
func NewMock() *Mock {
	return &Mock{
		Fail:      make(map[string]error),
		Delay:     make(map[string]time.Duration),
		ScreenPNG: []byte("\x89PNG\r\n\x1a\nstub"),
		Screen:    Size{Width: 1440, Height: 900},
		Cursor:    Point{X: 10, Y: 20},
		Tree: TreeNode{
			Role:   "AXApplication",
			Title:  "Finder",
			Bounds: Rect{X: 0, Y: 0, Width: 1440, Height: 900},
			Children: []TreeNode{
				{
					Role:   "AXWindow",
					Title:  "Documents",
					Bounds: Rect{X: 100, Y: 100, Width: 800, Height: 600},
					Children: []TreeNode{
						{Role: "AXButton", Title: "Save", Bounds: Rect{X: 120, Y: 560, Width: 80, Height: 30}},
						{Role: "AXButton", Title: "Cancel", Bounds: Rect{X: 220, Y: 560, Width: 80, Height: 30}},
						{Role: "AXTextField", Title: "Name", Value: "untitled.txt", Bounds: Rect{X: 120, Y: 140, Width: 300, Height: 24}},
					},
				},
			},
		},
	}
}

// Calls returns a copy of the recorded invocations.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallNames returns just the method names, in invocation order.
func (m *Mock) CallNames() []string {
	calls := m.Calls()
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

func (m *Mock) record(ctx context.Context, name string, args map[string]any) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Name: name, Args: args})
	delay := m.Delay[name]
	err := m.Fail[name]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Mock) CaptureScreen(ctx context.Context) (Image, error) {
	if err := m.record(ctx, "CaptureScreen", nil); err != nil {
		return Image{}, err
	}
	return Image{PNG: m.ScreenPNG}, nil
}

func (m *Mock) ScreenSize(ctx context.Context) (Size, error) {
	if err := m.record(ctx, "ScreenSize", nil); err != nil {
		return Size{}, err
	}
	return m.Screen, nil
}

func (m *Mock) ReadCursor(ctx context.Context) (Point, error) {
	if err := m.record(ctx, "ReadCursor", nil); err != nil {
		return Point{}, err
	}
	return m.Cursor, nil
}

func (m *Mock) RecognizeText(ctx context.Context, region *Rect) (string, error) {
	args := map[string]any{}
	if region != nil {
		args["region"] = *region
	}
	if err := m.record(ctx, "RecognizeText", args); err != nil {
		return "", err
	}
	return m.OCRText, nil
}

func (m *Mock) InjectClick(ctx context.Context, x, y int, button Button) error {
	return m.record(ctx, "InjectClick", map[string]any{"x": x, "y": y, "button": button})
}

func (m *Mock) InjectType(ctx context.Context, text string, interval time.Duration) error {
	return m.record(ctx, "InjectType", map[string]any{"text": text, "interval": interval})
}

func (m *Mock) InjectKeys(ctx context.Context, keys []string) error {
	return m.record(ctx, "InjectKeys", map[string]any{"keys": keys})
}

func (m *Mock) LaunchOrFocusApp(ctx context.Context, name string) error {
	return m.record(ctx, "LaunchOrFocusApp", map[string]any{"name": name})
}

func (m *Mock) RunScript(ctx context.Context, source string) (string, error) {
	if err := m.record(ctx, "RunScript", map[string]any{"source": source}); err != nil {
		return "", err
	}
	return m.ScriptOutput, nil
}

func (m *Mock) RunNamedAutomation(ctx context.Context, name string) error {
	return m.record(ctx, "RunNamedAutomation", map[string]any{"name": name})
}

func (m *Mock) WalkAccessibilityTree(ctx context.Context, root string, maxDepth int) (TreeNode, error) {
	if err := m.record(ctx, "WalkAccessibilityTree", map[string]any{"root": root, "max_depth": maxDepth}); err != nil {
		return TreeNode{}, err
	}
	return m.Tree, nil
}

// Unsupported is a Capabilities implementation whose every method fails with
// external_action_failed. It is the default binding on hosts where the OS
// collaborators are not wired in.
type Unsupported struct{}

func (Unsupported) err(name string) error {
	return fault.Newf(fault.KindExternalActionFailed, "capability %s is not wired on this host", name)
}

func (u Unsupported) CaptureScreen(context.Context) (Image, error) {
	return Image{}, u.err("CaptureScreen")
}
func (u Unsupported) ScreenSize(context.Context) (Size, error) { return Size{}, u.err("ScreenSize") }
func (u Unsupported) ReadCursor(context.Context) (Point, error) {
	return Point{}, u.err("ReadCursor")
}
func (u Unsupported) RecognizeText(context.Context, *Rect) (string, error) {
	return "", u.err("RecognizeText")
}
func (u Unsupported) InjectClick(context.Context, int, int, Button) error {
	return u.err("InjectClick")
}
func (u Unsupported) InjectType(context.Context, string, time.Duration) error {
	return u.err("InjectType")
}
func (u Unsupported) InjectKeys(context.Context, []string) error { return u.err("InjectKeys") }
func (u Unsupported) LaunchOrFocusApp(context.Context, string) error {
	return u.err("LaunchOrFocusApp")
}
func (u Unsupported) RunScript(context.Context, string) (string, error) {
	return "", u.err("RunScript")
}
func (u Unsupported) RunNamedAutomation(context.Context, string) error {
	return u.err("RunNamedAutomation")
}
func (u Unsupported) WalkAccessibilityTree(context.Context, string, int) (TreeNode, error) {
	return TreeNode{}, u.err("WalkAccessibilityTree")
}
