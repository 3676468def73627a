package session

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/localizer/presence/internal/config"
	"github.com/localizer/presence/internal/storage"
	"github.com/localizer/presence/internal/storage/memory"
	"github.com/localizer/presence/internal/surface"
	"github.com/localizer/presence/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualSampler hands samples to the gate only when the test says so.
type manualSampler struct {
	mu       sync.Mutex
	onSample func(core.Sample)
	onError  func(error)
	starts   int
	stops    int
}

func (m *manualSampler) Start(interval time.Duration, onSample func(core.Sample), onError func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	m.onSample, m.onError = onSample, onError
	return nil
}

func (m *manualSampler) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *manualSampler) emit(p core.Position) {
	m.mu.Lock()
	cb := m.onSample
	m.mu.Unlock()
	if cb != nil {
		cb(core.Sample{Position: p})
	}
}

// manualStore keeps every subscription callback so the test can fire them late.
type manualStore struct {
	mu     sync.Mutex
	subs   []func(core.Snapshot)
	cancel atomic.Int32
}

type manualSub struct{ s *manualStore }

func (m manualSub) Cancel() { m.s.cancel.Add(1) }

func (m *manualStore) Subscribe(onSnapshot func(core.Snapshot), onError func(error)) (storage.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, onSnapshot)
	return manualSub{m}, nil
}

func (m *manualStore) deliver(i int, s core.Snapshot) {
	m.mu.Lock()
	cb := m.subs[i]
	m.mu.Unlock()
	cb(s)
}

// manualIcons completes icon fetches on demand.
type manualIcons struct {
	mu  sync.Mutex
	cbs []func(core.IconHandle)
}

func (m *manualIcons) Resolve(userID string, onResolved func(core.IconHandle)) core.IconHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbs = append(m.cbs, onResolved)
	return core.DefaultIcon
}

func (m *manualIcons) completeAll() {
	m.mu.Lock()
	cbs := slices.Clone(m.cbs)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(core.IconHandle{Resolved: true})
	}
}

type samples struct{ n atomic.Int32 }

func (s *samples) OnSample(core.Sample) { s.n.Add(1) }

func snap(entries map[string]core.Position) core.Snapshot {
	s := core.NewSnapshot()
	for id, p := range entries {
		s.Put(id, core.UserRecord{Name: id, Position: core.NewRawPosition(p)})
	}
	return s
}

type fixture struct {
	gate    *Gate
	sampler *manualSampler
	store   *manualStore
	icons   *manualIcons
	surface *surface.Recorder
	pub     *samples
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sampler: &manualSampler{},
		store:   &manualStore{},
		icons:   &manualIcons{},
		surface: surface.NewRecorder(),
		pub:     &samples{},
	}
	g, err := New(Dependencies{
		Store:      f.store,
		Sampler:    f.sampler,
		Publisher:  f.pub,
		Surface:    f.surface,
		Icons:      f.icons,
		Interval:   time.Second,
		CameraZoom: 17,
	})
	require.NoError(t, err)
	f.gate = g
	return f
}

func (f *fixture) activate() {
	f.gate.SetPermission(true)
	f.gate.SetUser("a")
	f.gate.SetForeground(true)
}

func TestGate_ActiveRequiresAllInputs(t *testing.T) {
	f := newFixture(t)

	f.gate.SetPermission(true)
	assert.Equal(t, Inactive, f.gate.State())
	f.gate.SetUser("a")
	assert.Equal(t, Inactive, f.gate.State())
	f.gate.SetForeground(true)
	assert.Equal(t, Active, f.gate.State())
	assert.Equal(t, uint64(1), f.gate.Epoch())
	assert.Equal(t, "a", f.gate.UserID())
	assert.Equal(t, 1, f.sampler.starts)
	assert.Len(t, f.store.subs, 1)

	f.gate.SetPermission(false)
	assert.Equal(t, Inactive, f.gate.State())
	assert.Equal(t, uint64(0), f.gate.Epoch())
	assert.Equal(t, "", f.gate.UserID())
	assert.Equal(t, 1, f.sampler.stops)
	assert.Equal(t, int32(1), f.store.cancel.Load())
	assert.Equal(t, 1, f.surface.Count(surface.OpClearAll, ""))
}

func TestGate_SignOutAndBackground(t *testing.T) {
	f := newFixture(t)
	f.activate()

	f.gate.SetUser("")
	assert.Equal(t, Inactive, f.gate.State())
	f.gate.SetUser("a")
	assert.Equal(t, Active, f.gate.State())

	f.gate.SetForeground(false)
	assert.Equal(t, Inactive, f.gate.State())
	f.gate.SetForeground(true)

	assert.Equal(t, uint64(3), f.gate.Epoch(), "every activation bumps the epoch")
	assert.Equal(t, 3, f.sampler.starts)
	assert.Len(t, f.store.subs, 3, "re-entering resubscribes from scratch")
}

func TestGate_RepeatedInputsDoNotRestart(t *testing.T) {
	f := newFixture(t)
	f.activate()
	f.gate.SetForeground(true)
	f.gate.SetPermission(true)
	f.gate.SetUser("a")

	assert.Equal(t, 1, f.sampler.starts)
	assert.Equal(t, uint64(1), f.gate.Epoch())
}

func TestGate_UserSwitchRestarts(t *testing.T) {
	f := newFixture(t)
	f.activate()
	f.store.deliver(0, snap(map[string]core.Position{"b": {Lat: 1, Long: 1}}))

	f.gate.SetUser("b")
	assert.Equal(t, Active, f.gate.State())
	assert.Equal(t, uint64(2), f.gate.Epoch())
	assert.Equal(t, 1, f.surface.Count(surface.OpClearAll, ""))

	f.store.deliver(1, snap(map[string]core.Position{"b": {Lat: 1, Long: 1}}))
	assert.Empty(t, f.surface.Markers(), "b is now the local user")
}

func TestGate_SnapshotsRenderPeers(t *testing.T) {
	f := newFixture(t)
	f.activate()

	f.store.deliver(0, snap(map[string]core.Position{
		"a": {Lat: 4.71, Long: -74.07},
		"b": {Lat: 4.60, Long: -74.08},
	}))

	markers := f.surface.Markers()
	require.Len(t, markers, 1)
	assert.Equal(t, core.Position{Lat: 4.60, Long: -74.08}, markers["b"].Coord)
	assert.Equal(t, 1, f.gate.Status().Markers)
}

func TestGate_CentresCameraOnFirstSample(t *testing.T) {
	f := newFixture(t)
	f.activate()

	f.sampler.emit(core.Position{Lat: 4.71, Long: -74.07})
	f.sampler.emit(core.Position{Lat: 4.72, Long: -74.07})

	require.Equal(t, 1, f.surface.Count(surface.OpCenterCamera, ""))
	for _, c := range f.surface.Calls() {
		if c.Op == surface.OpCenterCamera {
			assert.Equal(t, core.Position{Lat: 4.71, Long: -74.07}, c.Coord)
			assert.Equal(t, 17.0, c.Zoom)
		}
	}
	assert.Equal(t, int32(2), f.pub.n.Load())

	// a new session centres again
	f.gate.SetForeground(false)
	f.gate.SetForeground(true)
	f.sampler.emit(core.Position{Lat: 1, Long: 1})
	assert.Equal(t, 2, f.surface.Count(surface.OpCenterCamera, ""))
}

func TestGate_NoCommandsAfterInactive(t *testing.T) {
	f := newFixture(t)
	f.activate()
	f.store.deliver(0, snap(map[string]core.Position{"b": {Lat: 1, Long: 1}}))

	f.gate.SetForeground(false)
	f.surface.Reset()

	// everything below arrives after the gate went inactive
	f.store.deliver(0, snap(map[string]core.Position{"c": {Lat: 2, Long: 2}}))
	f.store.deliver(0, snap(map[string]core.Position{}))
	f.icons.completeAll()
	f.sampler.emit(core.Position{Lat: 3, Long: 3})

	assert.Empty(t, f.surface.Calls())
	assert.Equal(t, int32(0), f.pub.n.Load())
}

func TestGate_LateCallbacksFromOldEpochIgnoredWhileActiveAgain(t *testing.T) {
	f := newFixture(t)
	f.activate()
	f.gate.SetForeground(false)
	f.gate.SetForeground(true)
	f.surface.Reset()

	f.store.deliver(0, snap(map[string]core.Position{"old": {Lat: 1, Long: 1}}))
	assert.Empty(t, f.surface.Calls())

	f.store.deliver(1, snap(map[string]core.Position{"new": {Lat: 2, Long: 2}}))
	assert.Contains(t, f.surface.Markers(), "new")
	assert.NotContains(t, f.surface.Markers(), "old")
}

func TestGate_Close(t *testing.T) {
	f := newFixture(t)
	f.activate()
	f.gate.Close()
	assert.Equal(t, Inactive, f.gate.State())

	f.gate.SetForeground(true)
	assert.Equal(t, Inactive, f.gate.State(), "a closed gate stays inactive")
}

func TestGate_LogAttrs(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.gate.LogAttrs())
	f.activate()
	attrs := f.gate.LogAttrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, "epoch", attrs[0].Key)
	assert.Equal(t, "a", attrs[1].Value.String())
}

func TestGate_WithMemoryStore(t *testing.T) {
	store := memory.New(config.MemoryConfig{})
	require.NoError(t, store.Init())
	defer store.Close()

	rec := surface.NewRecorder()
	g, err := New(Dependencies{
		Store:   store,
		Sampler: &manualSampler{},
		Surface: rec,
		Icons:   &manualIcons{},
	})
	require.NoError(t, err)
	g.SetPermission(true)
	g.SetUser("a")
	g.SetForeground(true)

	ctx := context.Background()
	require.NoError(t, store.WriteField(ctx, "b", core.FieldPosition, core.Position{Lat: 4.6, Long: -74.08}))
	assert.Eventually(t, func() bool { return len(rec.Markers()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Delete(ctx, "b"))
	assert.Eventually(t, func() bool { return len(rec.Markers()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.Count(surface.OpRemove, "b"))

	g.SetForeground(false)
	assert.Eventually(t, func() bool { return store.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Dependencies{})
	assert.Error(t, err)
}
