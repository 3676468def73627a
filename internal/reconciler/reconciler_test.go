package reconciler

import (
	"image"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/localizer/presence/internal/cache"
	"github.com/localizer/presence/internal/surface"
	"github.com/localizer/presence/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualIcons holds every resolution until the test completes it.
type manualIcons struct {
	mu      sync.Mutex
	pending map[string][]func(core.IconHandle)
	calls   int
}

func newManualIcons() *manualIcons {
	return &manualIcons{pending: make(map[string][]func(core.IconHandle))}
}

func (m *manualIcons) Resolve(userID string, onResolved func(core.IconHandle)) core.IconHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.pending[userID] = append(m.pending[userID], onResolved)
	return core.DefaultIcon
}

// complete finishes the i-th resolution requested for userID.
func (m *manualIcons) complete(userID string, i int, icon core.IconHandle) {
	m.mu.Lock()
	cb := m.pending[userID][i]
	m.mu.Unlock()
	cb(icon)
}

func (m *manualIcons) requests(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[userID])
}

// syncIcons resolves synchronously from inside Resolve.
type syncIcons struct{ icon core.IconHandle }

func (s syncIcons) Resolve(userID string, onResolved func(core.IconHandle)) core.IconHandle {
	onResolved(s.icon)
	return core.DefaultIcon
}

var resolvedIcon = core.IconHandle{Image: image.NewRGBA(image.Rect(0, 0, 1, 1)), Resolved: true}

func snapshot(entries ...any) core.Snapshot {
	s := core.NewSnapshot()
	for i := 0; i+1 < len(entries); i += 2 {
		id := entries[i].(string)
		switch v := entries[i+1].(type) {
		case core.Position:
			s.Put(id, core.UserRecord{Name: "name-" + id, Position: core.NewRawPosition(v)})
		case core.UserRecord:
			s.Put(id, v)
		}
	}
	return s
}

func pos(lat, long float64) core.Position {
	return core.Position{Lat: lat, Long: long}
}

func newReconciler(t *testing.T, local string, icons IconResolver) (*Reconciler, *surface.Recorder) {
	t.Helper()
	rec := surface.NewRecorder()
	r, err := New(Dependencies{Surface: rec, Icons: icons, LocalUserID: local, Epoch: 1})
	require.NoError(t, err)
	return r, rec
}

func TestOnSnapshot_IsIdempotent(t *testing.T) {
	r, rec := newReconciler(t, "a", newManualIcons())
	s := snapshot("b", pos(1, 1), "c", pos(2, 2))

	r.OnSnapshot(s)
	before := len(rec.Calls())
	stateBefore := r.Markers()

	r.OnSnapshot(s)
	assert.Len(t, rec.Calls(), before, "repeating a snapshot issues no commands")
	assert.Equal(t, stateBefore, r.Markers())
}

func TestOnSnapshot_NeverRendersSelf(t *testing.T) {
	r, rec := newReconciler(t, "a", newManualIcons())

	r.OnSnapshot(snapshot("a", pos(4.71, -74.07)))
	r.OnSnapshot(snapshot("a", pos(5, 5), "b", pos(1, 1)))

	assert.Equal(t, 0, rec.Count(surface.OpUpsert, "a"))
	assert.NotContains(t, r.Markers(), "a")
}

func TestOnSnapshot_SkipsInvalidPositions(t *testing.T) {
	r, rec := newReconciler(t, "a", newManualIcons())
	lat := 1.0
	long := 2.0
	nan := math.NaN()

	r.OnSnapshot(snapshot(
		"none", core.UserRecord{Name: "none"},
		"latOnly", core.UserRecord{Position: core.RawPosition{Lat: &lat}},
		"longOnly", core.UserRecord{Position: core.RawPosition{Long: &long}},
		"nan", core.UserRecord{Position: core.RawPosition{Lat: &nan, Long: &long}},
		"ok", pos(3, 3),
	))

	assert.Equal(t, 1, rec.Count(surface.OpUpsert, ""))
	assert.Equal(t, []string{"ok"}, keys(r.Markers()))
}

func TestOnSnapshot_PositionLostRemovesMarker(t *testing.T) {
	r, rec := newReconciler(t, "a", newManualIcons())
	lat := 1.0

	r.OnSnapshot(snapshot("b", pos(1, 1)))
	r.OnSnapshot(snapshot("b", core.UserRecord{Position: core.RawPosition{Lat: &lat}}))

	assert.Equal(t, 1, rec.Count(surface.OpRemove, "b"))
	assert.Empty(t, r.Markers())
}

func TestOnSnapshot_RemovedExactlyOnce(t *testing.T) {
	r, rec := newReconciler(t, "a", newManualIcons())

	r.OnSnapshot(snapshot("b", pos(1, 1), "c", pos(2, 2)))
	r.OnSnapshot(snapshot("c", pos(2, 2)))
	r.OnSnapshot(snapshot("c", pos(2, 2)))
	r.OnSnapshot(snapshot("c", pos(2.5, 2)))

	assert.Equal(t, 1, rec.Count(surface.OpRemove, "b"))
	assert.Equal(t, 0, rec.Count(surface.OpRemove, "c"))
}

func TestScenario_LocalUserFiltered(t *testing.T) {
	r, rec := newReconciler(t, "A", newManualIcons())

	r.OnSnapshot(snapshot("A", pos(4.71, -74.07), "B", pos(4.60, -74.08)))

	markers := rec.Markers()
	require.Len(t, markers, 1)
	assert.Equal(t, pos(4.60, -74.08), markers["B"].Coord)
}

func TestScenario_AddThenRemove(t *testing.T) {
	r, rec := newReconciler(t, "A", newManualIcons())

	r.OnSnapshot(snapshot("B", pos(1, 1)))
	assert.Equal(t, []surface.Call{
		{Op: surface.OpUpsert, ID: "B", Coord: pos(1, 1), Title: "name-B", Icon: core.DefaultIcon},
	}, rec.Calls())

	rec.Reset()
	r.OnSnapshot(snapshot("B", pos(1, 1), "C", pos(2, 2)))
	assert.Equal(t, []surface.Call{
		{Op: surface.OpUpsert, ID: "C", Coord: pos(2, 2), Title: "name-C", Icon: core.DefaultIcon},
	}, rec.Calls(), "unchanged B needs no command")

	rec.Reset()
	r.OnSnapshot(snapshot("C", pos(2, 2)))
	assert.Equal(t, []surface.Call{{Op: surface.OpRemove, ID: "B"}}, rec.Calls())

	assert.Equal(t, []string{"C"}, keys(rec.Markers()))
	assert.Equal(t, []string{"C"}, keys(r.Markers()))
}

func TestOnSnapshot_UpdatesInPlace(t *testing.T) {
	r, rec := newReconciler(t, "a", newManualIcons())

	r.OnSnapshot(snapshot("b", pos(1, 1)))
	before := r.Markers()["b"]

	s := snapshot("b", core.UserRecord{Name: "Bea", Position: core.NewRawPosition(pos(1.5, 1))})
	r.OnSnapshot(s)

	after := r.Markers()["b"]
	assert.Equal(t, before.Instance, after.Instance)
	assert.Equal(t, "Bea", after.Title)
	assert.Equal(t, pos(1.5, 1), after.Coordinate)
	assert.Equal(t, 2, rec.Count(surface.OpUpsert, "b"))
	assert.Equal(t, 0, rec.Count(surface.OpRemove, "b"))
}

func TestIconUpgrade_IsInPlace(t *testing.T) {
	icons := newManualIcons()
	r, rec := newReconciler(t, "a", icons)

	r.OnSnapshot(snapshot("b", pos(1, 1)))
	require.Equal(t, 1, icons.requests("b"))
	rec.Reset()

	icons.complete("b", 0, resolvedIcon)

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, surface.OpUpsert, calls[0].Op)
	assert.Equal(t, pos(1, 1), calls[0].Coord)
	assert.True(t, calls[0].Icon.Resolved)
	assert.Equal(t, 0, rec.Count(surface.OpRemove, ""))
	assert.True(t, r.Markers()["b"].Icon.Resolved)

	// later coordinate changes keep the resolved icon
	r.OnSnapshot(snapshot("b", pos(2, 2)))
	assert.True(t, rec.Markers()["b"].Icon.Resolved)
	assert.Equal(t, 1, icons.requests("b"), "no new resolution for an existing marker")
}

func TestIconUpgrade_StaleInstanceDropped(t *testing.T) {
	icons := newManualIcons()
	r, rec := newReconciler(t, "a", icons)

	r.OnSnapshot(snapshot("b", pos(1, 1)))
	r.OnSnapshot(snapshot())
	r.OnSnapshot(snapshot("b", pos(1, 1)))
	require.Equal(t, 2, icons.requests("b"))
	rec.Reset()

	// the fetch for the removed incarnation lands late
	icons.complete("b", 0, resolvedIcon)
	assert.Empty(t, rec.Calls())
	assert.False(t, r.Markers()["b"].Icon.Resolved)

	icons.complete("b", 1, resolvedIcon)
	assert.True(t, r.Markers()["b"].Icon.Resolved)
}

func TestIconUpgrade_ForRemovedMarkerDropped(t *testing.T) {
	icons := newManualIcons()
	r, rec := newReconciler(t, "a", icons)

	r.OnSnapshot(snapshot("b", pos(1, 1)))
	r.OnSnapshot(snapshot())
	rec.Reset()

	icons.complete("b", 0, resolvedIcon)
	assert.Empty(t, rec.Calls())
	assert.Empty(t, r.Markers())
}

func TestIconResolution_SynchronousCompletion(t *testing.T) {
	r, rec := newReconciler(t, "a", syncIcons{icon: resolvedIcon})

	r.OnSnapshot(snapshot("b", pos(1, 1)))

	assert.Equal(t, 2, rec.Count(surface.OpUpsert, "b"))
	assert.True(t, r.Markers()["b"].Icon.Resolved)
}

func TestTeardown_ClearsAndIgnoresLateCallbacks(t *testing.T) {
	icons := newManualIcons()
	r, rec := newReconciler(t, "a", icons)

	r.OnSnapshot(snapshot("b", pos(1, 1)))
	r.Teardown()
	r.Teardown()

	assert.Equal(t, 1, rec.Count(surface.OpClearAll, ""))
	assert.Equal(t, 0, r.Len())
	rec.Reset()

	r.OnSnapshot(snapshot("c", pos(2, 2)))
	icons.complete("b", 0, resolvedIcon)

	assert.Empty(t, rec.Calls(), "nothing reaches the surface after teardown")
}

func TestEpochMovedOn_DiscardsCallbacks(t *testing.T) {
	var epoch atomic.Uint64
	epoch.Store(1)
	icons := newManualIcons()
	rec := surface.NewRecorder()
	r, err := New(Dependencies{
		Surface:      rec,
		Icons:        icons,
		LocalUserID:  "a",
		Epoch:        1,
		CurrentEpoch: epoch.Load,
	})
	require.NoError(t, err)

	r.OnSnapshot(snapshot("b", pos(1, 1)))
	epoch.Store(2)
	rec.Reset()

	r.OnSnapshot(snapshot("c", pos(2, 2)))
	icons.complete("b", 0, resolvedIcon)
	assert.Empty(t, rec.Calls())
	assert.Equal(t, uint64(1), r.Epoch())
}

func TestConcurrentSnapshotsAndIcons(t *testing.T) {
	icons := newManualIcons()
	r, rec := newReconciler(t, "a", icons)
	r.OnSnapshot(snapshot("b", pos(1, 1), "c", pos(2, 2)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.OnSnapshot(snapshot("b", pos(1, float64(i)), "c", pos(2, 2)))
		}(i)
		go func() {
			defer wg.Done()
			icons.complete("c", 0, resolvedIcon)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, rec.Count(surface.OpRemove, ""))
	assert.True(t, r.Markers()["c"].Icon.Resolved)
	assert.Len(t, r.Markers(), 2)
}

func TestSharedInstanceCounter(t *testing.T) {
	counter := &cache.SafeCounter{}
	rec := surface.NewRecorder()
	r1, err := New(Dependencies{Surface: rec, Icons: newManualIcons(), Epoch: 1, Instances: counter})
	require.NoError(t, err)
	r2, err := New(Dependencies{Surface: rec, Icons: newManualIcons(), Epoch: 2, Instances: counter})
	require.NoError(t, err)

	r1.OnSnapshot(snapshot("b", pos(1, 1)))
	r2.OnSnapshot(snapshot("b", pos(1, 1)))
	assert.NotEqual(t, r1.Markers()["b"].Instance, r2.Markers()["b"].Instance)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Dependencies{})
	assert.Error(t, err)
}

func keys(m any) []string {
	var out []string
	switch v := m.(type) {
	case map[string]core.MarkerState:
		for k := range v {
			out = append(out, k)
		}
	case map[string]surface.Call:
		for k := range v {
			out = append(out, k)
		}
	}
	return out
}
