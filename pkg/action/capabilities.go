// Package action defines the capability boundary between the control plane
// and the host facilities that actually move the mouse, run scripts, and
// walk the accessibility tree. The core never interprets pixels or
// OS-specific tree formats; it only consumes these narrow interfaces.
package action

import (
	"context"
	"time"
)

// Button identifies a mouse button for click injection.
type Button string

const (
	ButtonLeft   Button = "left"
	ButtonRight  Button = "right"
	ButtonMiddle Button = "middle"
)

// Point is a screen coordinate in pixels.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Size is a width/height pair in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect is an axis-aligned screen rectangle.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the midpoint of the rectangle.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Image is captured screen content, already encoded.
type Image struct {
	PNG []byte
}

// TreeNode is an owned copy of one accessibility-tree node. Only the fields
// the element index needs are copied out of the host-owned graph; children
// are copied recursively up to the walk depth.
type TreeNode struct {
	Role     string
	Title    string
	Value    string
	Bounds   Rect
	Children []TreeNode
}

// Screen captures display-reading capabilities.
type Screen interface {
	CaptureScreen(ctx context.Context) (Image, error)
	ScreenSize(ctx context.Context) (Size, error)
	ReadCursor(ctx context.Context) (Point, error)
	RecognizeText(ctx context.Context, region *Rect) (string, error)
}

// Input captures event-injection capabilities.
type Input interface {
	InjectClick(ctx context.Context, x, y int, button Button) error
	InjectType(ctx context.Context, text string, interval time.Duration) error
	InjectKeys(ctx context.Context, keys []string) error
}

// System captures app and script execution capabilities.
type System interface {
	LaunchOrFocusApp(ctx context.Context, name string) error
	RunScript(ctx context.Context, source string) (string, error)
	RunNamedAutomation(ctx context.Context, name string) error
}

// TreeWalker captures the accessibility-tree walk. The returned tree is an
// owned snapshot; implementations must not retain references to host-owned
// UI objects inside it.
type TreeWalker interface {
	WalkAccessibilityTree(ctx context.Context, root string, maxDepth int) (TreeNode, error)
}

// Capabilities is the full collaborator surface consumed by the dispatcher.
type Capabilities interface {
	Screen
	Input
	System
	TreeWalker
}
