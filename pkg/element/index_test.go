package element

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpilot/warden/pkg/action"
	"github.com/hostpilot/warden/pkg/fault"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestIndex(clock Clock) (*Index, *action.Mock) {
	mock := action.NewMock()
	return NewIndex(mock, 5*time.Second, 25, clock), mock
}

func TestBuildSnapshotFlattensTree(t *testing.T) {
	ix, _ := newTestIndex(nil)

	gen, handles, err := ix.BuildSnapshot(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	// Mock tree: app + window + 3 leaf elements.
	require.Len(t, handles, 5)

	for _, h := range handles {
		assert.Equal(t, gen, h.Generation)
		assert.NotEmpty(t, h.ID)
		assert.NotEmpty(t, h.Path)
	}

	// Paths encode the ancestor chain.
	assert.Equal(t, "AXApplication", handles[0].Path)
	assert.Equal(t, "AXApplication[0]/AXWindow", handles[1].Path)
	assert.Equal(t, "AXApplication[0]/AXWindow[0]/AXButton", handles[2].Path)
}

func TestSearchCaseInsensitive(t *testing.T) {
	ix, _ := newTestIndex(nil)
	gen, _, err := ix.BuildSnapshot(context.Background(), "", 0)
	require.NoError(t, err)

	seq, err := ix.Search(gen, "SAVE", "")
	require.NoError(t, err)

	var titles []string
	for h := range seq {
		titles = append(titles, h.Title)
	}
	assert.Equal(t, []string{"Save"}, titles)

	// Value field is matched too.
	seq, err = ix.Search(gen, "untitled", "")
	require.NoError(t, err)
	var values []string
	for h := range seq {
		values = append(values, h.Value)
	}
	assert.Equal(t, []string{"untitled.txt"}, values)
}

func TestSearchRoleFilterAndRestartable(t *testing.T) {
	ix, _ := newTestIndex(nil)
	gen, _, err := ix.BuildSnapshot(context.Background(), "", 0)
	require.NoError(t, err)

	seq, err := ix.Search(gen, "", "AXButton")
	require.NoError(t, err)

	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	// The sequence restarts on each range.
	assert.Equal(t, 2, count())
	assert.Equal(t, 2, count())

	// Early break is honored.
	n := 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestResolveReturnsCenterTarget(t *testing.T) {
	ix, _ := newTestIndex(nil)
	gen, _, err := ix.BuildSnapshot(context.Background(), "", 0)
	require.NoError(t, err)

	seq, err := ix.Search(gen, "save", "AXButton")
	require.NoError(t, err)
	var save Handle
	for h := range seq {
		save = h
	}
	require.NotEmpty(t, save.ID)

	target, err := ix.Resolve(save.ID)
	require.NoError(t, err)
	assert.Equal(t, action.Point{X: 160, Y: 575}, target.Point)
	assert.Equal(t, "AXButton", target.Role)
}

func TestResolveStaleAfterSupersede(t *testing.T) {
	clock := newFakeClock()
	ix, _ := newTestIndex(clock)

	_, handles, err := ix.BuildSnapshot(context.Background(), "", 0)
	require.NoError(t, err)
	oldHandle := handles[2]

	// Within the grace period, a superseded handle still resolves.
	_, _, err = ix.BuildSnapshot(context.Background(), "", 0)
	require.NoError(t, err)
	_, err = ix.Resolve(oldHandle.ID)
	require.NoError(t, err)

	// Past the grace period it is stale, never a wrong live element.
	clock.Advance(6 * time.Second)
	_, err = ix.Resolve(oldHandle.ID)
	assert.Equal(t, fault.KindStaleHandle, fault.KindOf(err))
}

func TestResolveStaleAfterPrune(t *testing.T) {
	clock := newFakeClock()
	ix, _ := newTestIndex(clock)

	_, handles, err := ix.BuildSnapshot(context.Background(), "", 0)
	require.NoError(t, err)
	first := handles[0]

	_, _, err = ix.BuildSnapshot(context.Background(), "", 0)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	// Third build prunes generation 1 entirely.
	_, _, err = ix.BuildSnapshot(context.Background(), "", 0)
	require.NoError(t, err)

	_, err = ix.Resolve(first.ID)
	assert.Equal(t, fault.KindStaleHandle, fault.KindOf(err))
}

func TestResolveUnknownAndMalformed(t *testing.T) {
	ix, _ := newTestIndex(nil)
	_, _, err := ix.BuildSnapshot(context.Background(), "", 0)
	require.NoError(t, err)

	_, err = ix.Resolve("ax-1-999")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	_, err = ix.Resolve("garbage")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	_, err = ix.Resolve("ax-99-0")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestResolveUnresolvableBounds(t *testing.T) {
	ix, mock := newTestIndex(nil)
	mock.Tree = action.TreeNode{
		Role:   "AXApplication",
		Bounds: action.Rect{X: 0, Y: 0, Width: 1440, Height: 900},
		Children: []action.TreeNode{
			{Role: "AXButton", Title: "Ghost", Bounds: action.Rect{X: 10, Y: 10, Width: 0, Height: 0}},
			{Role: "AXButton", Title: "Offscreen", Bounds: action.Rect{X: 5000, Y: 5000, Width: 40, Height: 20}},
		},
	}

	gen, handles, err := ix.BuildSnapshot(context.Background(), "", 0)
	require.NoError(t, err)
	_ = gen
	require.Len(t, handles, 3)

	_, err = ix.Resolve(handles[1].ID)
	assert.Equal(t, fault.KindUnresolvableElement, fault.KindOf(err))

	_, err = ix.Resolve(handles[2].ID)
	assert.Equal(t, fault.KindUnresolvableElement, fault.KindOf(err))
}

func TestMaxDepthCapsWalk(t *testing.T) {
	mock := action.NewMock()
	ix := NewIndex(mock, 5*time.Second, 1, nil)

	_, handles, err := ix.BuildSnapshot(context.Background(), "", 99)
	require.NoError(t, err)
	// Depth 1 keeps the application and window but drops the leaves.
	assert.Len(t, handles, 2)
}

func TestConcurrentBuildAndResolveNeverMixGenerations(t *testing.T) {
	ix, _ := newTestIndex(nil)
	_, handles, err := ix.BuildSnapshot(context.Background(), "", 0)
	require.NoError(t, err)
	id := handles[2].ID

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _, _ = ix.BuildSnapshot(context.Background(), "", 0)
		}
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			target, err := ix.Resolve(id)
			if err != nil {
				// StaleHandle is the only acceptable failure here.
				assert.Equal(t, fault.KindStaleHandle, fault.KindOf(err))
				return
			}
			// A successful resolve must return generation-1 data.
			assert.Equal(t, action.Point{X: 160, Y: 575}, target.Point)
		}
	}()

	wg.Wait()
}
