// Package reconciler keeps the rendered peer markers in line with the latest
// presence snapshot.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/localizer/presence/internal/cache"
	"github.com/localizer/presence/internal/surface"
	"github.com/localizer/presence/pkg/core"
)

const instrumentationName = "github.com/localizer/presence/internal/reconciler"

// IconResolver returns a placeholder icon right away and may later call
// onResolved from another goroutine with the real one.
type IconResolver interface {
	Resolve(userID string, onResolved func(core.IconHandle)) core.IconHandle
}

// Dependencies holds what a Reconciler needs.
type Dependencies struct {
	Surface surface.Surface
	Icons   IconResolver
	Logger  *slog.Logger
	// LocalUserID is never rendered.
	LocalUserID string
	// Epoch is the session generation the reconciler belongs to.
	Epoch uint64
	// CurrentEpoch, when set, reports the live session generation. Callbacks
	// arriving after it moved past Epoch are discarded.
	CurrentEpoch func() uint64
	// Markers defaults to a fresh cache.
	Markers *cache.MarkerCache
	// Instances hands out marker instance tokens. Sharing one counter across
	// reconcilers keeps tokens unique for the process.
	Instances *cache.SafeCounter
}

// Reconciler diffs snapshots against the rendered marker set. All marker
// state changes happen under one mutex, whichever goroutine delivers them.
type Reconciler struct {
	deps    Dependencies
	logger  *slog.Logger
	markers *cache.MarkerCache

	mu   sync.Mutex
	torn bool

	upserted  metric.Int64Counter
	removed   metric.Int64Counter
	snapshots metric.Int64Counter
}

type iconRequest struct {
	id       string
	instance uint64
}

// New creates a reconciler for one active session.
func New(deps Dependencies) (*Reconciler, error) {
	if deps.Surface == nil || deps.Icons == nil {
		return nil, errors.New("reconciler requires a surface and an icon resolver")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Markers == nil {
		deps.Markers = cache.NewMarkerCache()
	}
	if deps.Instances == nil {
		deps.Instances = &cache.SafeCounter{}
	}

	m := otel.Meter(instrumentationName)
	upserted, err := m.Int64Counter("reconciler.markers.upserted",
		metric.WithDescription("Markers created or changed on the surface"))
	if err != nil {
		return nil, fmt.Errorf("creating upserted counter: %w", err)
	}
	removed, err := m.Int64Counter("reconciler.markers.removed",
		metric.WithDescription("Markers removed from the surface"))
	if err != nil {
		return nil, fmt.Errorf("creating removed counter: %w", err)
	}
	snapshots, err := m.Int64Counter("reconciler.snapshots",
		metric.WithDescription("Snapshots reconciled"))
	if err != nil {
		return nil, fmt.Errorf("creating snapshots counter: %w", err)
	}

	return &Reconciler{
		deps:      deps,
		logger:    deps.Logger.With("epoch", deps.Epoch),
		markers:   deps.Markers,
		upserted:  upserted,
		removed:   removed,
		snapshots: snapshots,
	}, nil
}

// Epoch returns the session generation the reconciler was created for.
func (r *Reconciler) Epoch() uint64 {
	return r.deps.Epoch
}

// OnSnapshot brings the surface in line with snap. Repeating the same
// snapshot issues no surface commands.
func (r *Reconciler) OnSnapshot(snap core.Snapshot) {
	r.mu.Lock()
	if r.staleLocked() {
		r.mu.Unlock()
		return
	}
	pending := r.reconcileLocked(snap)
	r.mu.Unlock()

	// Resolvers may complete synchronously, and completions take the lock.
	for _, req := range pending {
		req := req
		r.deps.Icons.Resolve(req.id, func(icon core.IconHandle) {
			r.applyIcon(req, icon)
		})
	}
}

func (r *Reconciler) reconcileLocked(snap core.Snapshot) []iconRequest {
	ctx := context.Background()
	current := r.markers.Copy()
	next := make(map[string]core.MarkerState, len(snap.IDs))
	var pending []iconRequest

	for _, id := range snap.IDs {
		if id == r.deps.LocalUserID {
			continue
		}
		rec, ok := snap.Records[id]
		if !ok {
			continue
		}
		pos, ok := rec.Position.Valid()
		if !ok {
			if rec.Position.Partial() {
				r.logger.Debug("Skipping record", "userId", id, "error", core.ErrInvalidPositionRecord)
			}
			continue
		}

		prev, exists := current[id]
		if !exists {
			m := core.MarkerState{
				Coordinate: pos,
				Icon:       core.DefaultIcon,
				Title:      rec.Name,
				Instance:   r.deps.Instances.Next(),
			}
			r.deps.Surface.Upsert(id, m.Coordinate, m.Title, m.Icon)
			r.upserted.Add(ctx, 1)
			next[id] = m
			pending = append(pending, iconRequest{id: id, instance: m.Instance})
			continue
		}

		if prev.Coordinate != pos || prev.Title != rec.Name {
			prev.Coordinate = pos
			prev.Title = rec.Name
			r.deps.Surface.Upsert(id, prev.Coordinate, prev.Title, prev.Icon)
			r.upserted.Add(ctx, 1)
		}
		next[id] = prev
	}

	gone := make([]string, 0)
	for id := range current {
		if _, ok := next[id]; !ok {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		r.deps.Surface.Remove(id)
		r.removed.Add(ctx, 1)
	}

	r.markers.Replace(next)
	r.snapshots.Add(ctx, 1)
	return pending
}

func (r *Reconciler) staleLocked() bool {
	if r.torn {
		return true
	}
	return r.deps.CurrentEpoch != nil && r.deps.CurrentEpoch() != r.deps.Epoch
}

// applyIcon upgrades a marker in place. Results for a torn down session or
// for an earlier incarnation of the marker are dropped.
func (r *Reconciler) applyIcon(req iconRequest, icon core.IconHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.staleLocked() {
		return
	}
	m, ok := r.markers.Get(req.id)
	if !ok || m.Instance != req.instance {
		r.logger.Debug("Dropping stale icon", "userId", req.id)
		return
	}
	m.Icon = icon
	r.markers.Set(req.id, m)
	r.deps.Surface.Upsert(req.id, m.Coordinate, m.Title, m.Icon)
	r.upserted.Add(context.Background(), 1)
}

// Teardown clears the surface and ignores every later callback. Safe to
// call more than once.
func (r *Reconciler) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.torn {
		return
	}
	r.torn = true
	r.markers.Reset()
	r.deps.Surface.ClearAll()
}

// Markers returns a copy of the rendered marker state.
func (r *Reconciler) Markers() map[string]core.MarkerState {
	return r.markers.Copy()
}

// Len returns the number of rendered markers.
func (r *Reconciler) Len() int {
	return r.markers.Len()
}
