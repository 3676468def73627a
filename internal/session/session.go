// Package session starts and stops presence sharing as lifecycle signals
// change: location permission, the signed-in user and app foreground state.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localizer/presence/internal/cache"
	"github.com/localizer/presence/internal/reconciler"
	"github.com/localizer/presence/internal/storage"
	"github.com/localizer/presence/internal/surface"
	"github.com/localizer/presence/pkg/core"
)

// State of the gate.
type State int

const (
	Inactive State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

// Sampler produces position samples while started.
type Sampler interface {
	Start(interval time.Duration, onSample func(core.Sample), onError func(error)) error
	Stop()
}

// Subscriber is the part of the presence store the gate needs.
type Subscriber interface {
	Subscribe(onSnapshot func(core.Snapshot), onError func(error)) (storage.Subscription, error)
}

// SampleHandler consumes samples, typically the position publisher.
type SampleHandler interface {
	OnSample(core.Sample)
}

// Dependencies holds what a Gate needs. Nothing is global: every
// collaborator is handed in here.
type Dependencies struct {
	Store     Subscriber
	Sampler   Sampler
	Publisher SampleHandler
	Surface   surface.Surface
	Icons     reconciler.IconResolver
	Logger    *slog.Logger

	Interval   time.Duration
	CameraZoom float64
}

// Status is a point in time view of the gate.
type Status struct {
	State   State
	Epoch   uint64
	UserID  string
	Markers int
}

type activeSession struct {
	epoch   uint64
	userID  string
	rec     *reconciler.Reconciler
	sub     storage.Subscription
	centred atomic.Bool
}

// Gate is Active while permission is granted, a user is signed in and the
// app is in the foreground. Entering Active bumps the epoch; callbacks from
// an earlier epoch are discarded.
type Gate struct {
	deps      Dependencies
	logger    *slog.Logger
	instances cache.SafeCounter

	// epoch counts activations; live holds the epoch of the running
	// session or 0. Callbacks read them without taking mu.
	epoch atomic.Uint64
	live  atomic.Uint64
	user  atomic.Pointer[string]

	mu         sync.Mutex
	permission bool
	foreground bool
	userID     string
	active     *activeSession
	closed     bool
}

// New creates an inactive gate.
func New(deps Dependencies) (*Gate, error) {
	if deps.Store == nil || deps.Sampler == nil || deps.Surface == nil || deps.Icons == nil {
		return nil, errors.New("session requires a store, a sampler, a surface and an icon resolver")
	}
	if deps.Interval <= 0 {
		deps.Interval = 10 * time.Second
	}
	if deps.CameraZoom <= 0 {
		deps.CameraZoom = 17
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	g := &Gate{deps: deps, logger: deps.Logger}
	empty := ""
	g.user.Store(&empty)
	return g, nil
}

// SetPermission records whether location permission is granted.
func (g *Gate) SetPermission(granted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.permission = granted
	g.evaluateLocked()
}

// SetUser records the signed-in user. An empty id means signed out.
func (g *Gate) SetUser(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.userID = id
	g.evaluateLocked()
}

// SetForeground records whether the app is visible.
func (g *Gate) SetForeground(fg bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.foreground = fg
	g.evaluateLocked()
}

// Close forces the gate inactive for good.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.evaluateLocked()
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != nil {
		return Active
	}
	return Inactive
}

// Epoch returns the epoch of the running session, 0 when inactive.
func (g *Gate) Epoch() uint64 {
	return g.live.Load()
}

// UserID returns the user of the running session, "" when inactive.
func (g *Gate) UserID() string {
	return *g.user.Load()
}

// Status reports the gate state for monitoring.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{State: Inactive}
	if a := g.active; a != nil {
		st.State = Active
		st.Epoch = a.epoch
		st.UserID = a.userID
		st.Markers = a.rec.Len()
	}
	return st
}

// LogAttrs tags log records with the running session.
func (g *Gate) LogAttrs() []slog.Attr {
	epoch := g.live.Load()
	if epoch == 0 {
		return nil
	}
	return []slog.Attr{
		slog.Uint64("epoch", epoch),
		slog.String("userId", g.UserID()),
	}
}

func (g *Gate) evaluateLocked() {
	want := !g.closed && g.permission && g.foreground && g.userID != ""

	switch {
	case want && g.active == nil:
		g.activateLocked()
	case want && g.active.userID != g.userID:
		// a different account signed in without a sign out in between
		g.deactivateLocked()
		g.activateLocked()
	case !want && g.active != nil:
		g.deactivateLocked()
	}
}

func (g *Gate) current(epoch uint64) bool {
	return g.live.Load() == epoch
}

func (g *Gate) activateLocked() {
	epoch := g.epoch.Add(1)
	logger := g.logger.With("epoch", epoch, "userId", g.userID)

	rec, err := reconciler.New(reconciler.Dependencies{
		Surface:      g.deps.Surface,
		Icons:        g.deps.Icons,
		Logger:       g.logger,
		LocalUserID:  g.userID,
		Epoch:        epoch,
		CurrentEpoch: g.live.Load,
		Instances:    &g.instances,
	})
	if err != nil {
		logger.Error("Failed to create reconciler", "error", err)
		return
	}

	a := &activeSession{epoch: epoch, userID: g.userID, rec: rec}
	userID := g.userID
	g.user.Store(&userID)
	g.live.Store(epoch)
	g.active = a

	sub, err := g.deps.Store.Subscribe(
		func(s core.Snapshot) {
			if !g.current(epoch) {
				return
			}
			rec.OnSnapshot(s)
		},
		func(err error) {
			if !g.current(epoch) {
				return
			}
			logger.Warn("Presence subscription interrupted", "error", err)
		},
	)
	if err != nil {
		logger.Error("Failed to subscribe to presence", "error", err)
	} else {
		a.sub = sub
	}

	err = g.deps.Sampler.Start(g.deps.Interval,
		func(s core.Sample) {
			if !g.current(epoch) {
				return
			}
			if a.centred.CompareAndSwap(false, true) {
				g.deps.Surface.CenterCamera(s.Position, g.deps.CameraZoom)
			}
			if g.deps.Publisher != nil {
				g.deps.Publisher.OnSample(s)
			}
		},
		func(err error) {
			if !g.current(epoch) {
				return
			}
			logger.Warn("Location sampling unavailable", "error", err)
		},
	)
	if err != nil {
		logger.Error("Failed to start sampler", "error", err)
	}

	logger.Info("Session active")
}

func (g *Gate) deactivateLocked() {
	a := g.active
	g.active = nil
	g.live.Store(0)
	empty := ""
	g.user.Store(&empty)

	g.deps.Sampler.Stop()
	if a.sub != nil {
		a.sub.Cancel()
	}
	a.rec.Teardown()

	g.logger.Info("Session inactive", "epoch", a.epoch, "userId", a.userID)
}
