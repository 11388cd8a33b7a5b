// Package element turns accessibility-tree queries into stable, reusable
// element handles with bounded lifetime.
//
// The accessibility tree can change between discovery and action: windows
// move, apps quit. Handles are therefore scoped to the snapshot generation
// that produced them rather than being globally durable. Resolving a handle
// from a superseded generation fails with a typed StaleHandle error instead
// of silently targeting the wrong element.
package element

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/hostpilot/warden/pkg/action"
	"github.com/hostpilot/warden/pkg/fault"
)

// Clock provides time for staleness decisions. Injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Handle is one indexed element. Read-only after creation; callers receive
// copies.
type Handle struct {
	ID         string      `json:"id"`
	Path       string      `json:"path"`
	Role       string      `json:"role"`
	Title      string      `json:"title,omitempty"`
	Value      string      `json:"value,omitempty"`
	Bounds     action.Rect `json:"bounds"`
	Generation uint64      `json:"generation"`
	CapturedAt time.Time   `json:"captured_at"`
}

// Target is what the external action collaborator needs to act on an
// element: live coordinates and the element's role.
type Target struct {
	Point  action.Point
	Role   string
	Bounds action.Rect
}

// snapshot is one flattened generation. Immutable after construction except
// for supersededAt, which is written exactly once under the index lock.
type snapshot struct {
	generation   uint64
	handles      []Handle
	byID         map[string]int
	screen       action.Rect
	supersededAt time.Time // zero while current
}

// Index owns the current generation and a short tail of superseded ones.
type Index struct {
	mu      sync.RWMutex
	current *snapshot
	old     map[uint64]*snapshot
	lastGen uint64

	walker   action.TreeWalker
	grace    time.Duration
	maxDepth int
	clock    Clock

	folder cases.Caser
}

// NewIndex creates an index over the tree walker. grace is how long a
// superseded generation's handles stay resolvable; maxDepth caps the walk.
func NewIndex(walker action.TreeWalker, grace time.Duration, maxDepth int, clock Clock) *Index {
	if clock == nil {
		clock = wallClock{}
	}
	return &Index{
		old:      make(map[uint64]*snapshot),
		walker:   walker,
		grace:    grace,
		maxDepth: maxDepth,
		clock:    clock,
		folder:   cases.Fold(),
	}
}

// BuildSnapshot walks the tree once, flattens it into handles under a new
// generation, and atomically retires the previous generation. Readers never
// observe a half-updated index.
func (ix *Index) BuildSnapshot(ctx context.Context, scope string, maxDepth int) (uint64, []Handle, error) {
	if maxDepth <= 0 || maxDepth > ix.maxDepth {
		maxDepth = ix.maxDepth
	}

	// The walk happens outside the index lock; only the swap is locked.
	root, err := ix.walker.WalkAccessibilityTree(ctx, scope, maxDepth)
	if err != nil {
		return 0, nil, fault.Wrap(fault.KindExternalActionFailed, "accessibility walk failed", err)
	}

	now := ix.clock.Now()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.lastGen++
	gen := ix.lastGen

	snap := &snapshot{
		generation: gen,
		byID:       make(map[string]int),
		screen:     root.Bounds,
	}
	flatten(snap, root, "", 0, maxDepth, now)

	if ix.current != nil {
		ix.current.supersededAt = now
		ix.old[ix.current.generation] = ix.current
	}
	ix.current = snap

	// Prune generations whose grace has lapsed.
	for g, s := range ix.old {
		if now.Sub(s.supersededAt) > ix.grace {
			delete(ix.old, g)
		}
	}

	out := make([]Handle, len(snap.handles))
	copy(out, snap.handles)
	return gen, out, nil
}

// flatten copies the fields the index needs out of the owned tree copy,
// assigning stable IDs and ancestor-chain paths.
func flatten(snap *snapshot, node action.TreeNode, parentPath string, depth, maxDepth int, capturedAt time.Time) {
	path := fmt.Sprintf("%s/%s", parentPath, node.Role)
	if parentPath == "" {
		path = node.Role
	}

	h := Handle{
		ID:         fmt.Sprintf("ax-%d-%d", snap.generation, len(snap.handles)),
		Path:       path,
		Role:       node.Role,
		Title:      node.Title,
		Value:      node.Value,
		Bounds:     node.Bounds,
		Generation: snap.generation,
		CapturedAt: capturedAt,
	}
	snap.byID[h.ID] = len(snap.handles)
	snap.handles = append(snap.handles, h)

	if depth >= maxDepth {
		return
	}
	for i, child := range node.Children {
		flatten(snap, child, fmt.Sprintf("%s[%d]", path, i), depth+1, maxDepth, capturedAt)
	}
}

// Search returns a lazy, finite, restartable sequence of the generation's
// handles whose title or value contains the query, case-insensitively
// (Unicode case folding). An empty query matches everything; a non-empty
// role additionally requires an exact role match.
func (ix *Index) Search(generation uint64, query, role string) (iter.Seq[Handle], error) {
	snap, err := ix.lookupGeneration(generation)
	if err != nil {
		return nil, err
	}

	foldedQuery := ix.folder.String(query)
	return func(yield func(Handle) bool) {
		for _, h := range snap.handles {
			if role != "" && h.Role != role {
				continue
			}
			if foldedQuery != "" &&
				!strings.Contains(ix.folder.String(h.Title), foldedQuery) &&
				!strings.Contains(ix.folder.String(h.Value), foldedQuery) {
				continue
			}
			if !yield(h) {
				return
			}
		}
	}, nil
}

// Resolve returns the live target for a handle. Handles from superseded
// generations past the grace period fail with StaleHandle; handles whose
// snapshot bounds cannot be acted on fail with UnresolvableElement.
func (ix *Index) Resolve(handleID string) (Target, error) {
	generation, err := parseHandleGeneration(handleID)
	if err != nil {
		return Target{}, err
	}

	snap, err := ix.lookupGeneration(generation)
	if err != nil {
		return Target{}, err
	}

	idx, ok := snap.byID[handleID]
	if !ok {
		return Target{}, fault.Newf(fault.KindNotFound, "no element handle %s", handleID)
	}
	h := snap.handles[idx]

	if h.Bounds.Empty() {
		return Target{}, fault.Newf(fault.KindUnresolvableElement,
			"element %s has zero-sized bounds", handleID)
	}
	if !snap.screen.Empty() && !intersects(h.Bounds, snap.screen) {
		return Target{}, fault.Newf(fault.KindUnresolvableElement,
			"element %s is entirely off-screen", handleID)
	}

	return Target{Point: h.Bounds.Center(), Role: h.Role, Bounds: h.Bounds}, nil
}

// lookupGeneration fetches a snapshot, applying the staleness rules: the
// current generation is always valid, a superseded one only within the
// grace period.
func (ix *Index) lookupGeneration(generation uint64) (*snapshot, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.current != nil && ix.current.generation == generation {
		return ix.current, nil
	}
	if snap, ok := ix.old[generation]; ok {
		if ix.clock.Now().Sub(snap.supersededAt) > ix.grace {
			return nil, fault.Newf(fault.KindStaleHandle, "generation %d superseded", generation)
		}
		return snap, nil
	}
	if generation > 0 && generation <= ix.lastGen {
		return nil, fault.Newf(fault.KindStaleHandle, "generation %d superseded", generation)
	}
	return nil, fault.Newf(fault.KindNotFound, "unknown generation %d", generation)
}

func parseHandleGeneration(handleID string) (uint64, error) {
	parts := strings.Split(handleID, "-")
	if len(parts) != 3 || parts[0] != "ax" {
		return 0, fault.Newf(fault.KindNotFound, "malformed element handle %q", handleID)
	}
	gen, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, fault.Newf(fault.KindNotFound, "malformed element handle %q", handleID)
	}
	return gen, nil
}

func intersects(a, b action.Rect) bool {
	return a.X < b.X+b.Width && a.X+a.Width > b.X &&
		a.Y < b.Y+b.Height && a.Y+a.Height > b.Y
}
