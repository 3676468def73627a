// Package icon turns avatar blobs into fixed-size marker icons.
package icon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/localizer/presence/internal/blob"
	"github.com/localizer/presence/internal/cache"
	"github.com/localizer/presence/internal/worker"
	"github.com/localizer/presence/pkg/core"
)

const instrumentationName = "github.com/localizer/presence/internal/icon"

// Dependencies holds what a Resolver needs.
type Dependencies struct {
	Blobs  blob.Store
	Cache  *cache.IconCache
	Logger *slog.Logger
	Width  int
	Height int
	// Workers bounds concurrent fetches. Defaults to 4.
	Workers int
	// Timeout bounds one fetch. Defaults to 15s.
	Timeout time.Duration
}

// Resolver fetches avatars in the background. It never deduplicates
// in-flight fetches for the same user.
type Resolver struct {
	deps Dependencies
	pool *worker.Pool

	resolved metric.Int64Counter
	failed   metric.Int64Counter
}

// New creates a resolver and starts its worker pool.
func New(deps Dependencies) (*Resolver, error) {
	if deps.Blobs == nil {
		return nil, errors.New("icon resolver requires a blob store")
	}
	if deps.Width <= 0 || deps.Height <= 0 {
		return nil, fmt.Errorf("invalid icon size %dx%d", deps.Width, deps.Height)
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewIconCache()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Workers <= 0 {
		deps.Workers = 4
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 15 * time.Second
	}

	m := otel.Meter(instrumentationName)
	resolved, err := m.Int64Counter("icon.resolved",
		metric.WithDescription("Avatar icons fetched and decoded"))
	if err != nil {
		return nil, fmt.Errorf("creating resolved counter: %w", err)
	}
	failed, err := m.Int64Counter("icon.failed",
		metric.WithDescription("Avatar icon resolutions that fell back to the default icon"))
	if err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}

	return &Resolver{
		deps:     deps,
		pool:     worker.New(deps.Workers, 256, deps.Logger),
		resolved: resolved,
		failed:   failed,
	}, nil
}

// Resolve returns the default icon right away and fetches the user's avatar
// in the background. onResolved runs on a worker goroutine and only when the
// avatar could be fetched and decoded.
func (r *Resolver) Resolve(userID string, onResolved func(core.IconHandle)) core.IconHandle {
	ok := r.pool.TrySubmit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, r.deps.Timeout)
		defer cancel()

		handle, err := r.fetch(ctx, userID)
		if err != nil {
			r.failed.Add(ctx, 1)
			r.deps.Logger.Debug("Keeping default icon", "userId", userID, "error", err)
			return
		}
		r.resolved.Add(ctx, 1)
		if onResolved != nil {
			onResolved(handle)
		}
	})
	if !ok {
		r.failed.Add(context.Background(), 1)
		r.deps.Logger.Debug("Keeping default icon", "userId", userID,
			"error", fmt.Errorf("%w: resolver busy or closed", core.ErrIconResolution))
	}
	return core.DefaultIcon
}

func (r *Resolver) fetch(ctx context.Context, userID string) (core.IconHandle, error) {
	data, err := r.deps.Blobs.Get(ctx, blob.AvatarKey(userID))
	if err != nil {
		return core.IconHandle{}, fmt.Errorf("%w: %w", core.ErrIconResolution, err)
	}

	digest := cache.DigestOf(data)
	if handle, ok := r.deps.Cache.Get(userID, digest); ok {
		return handle, nil
	}

	img, err := Decode(data, r.deps.Width, r.deps.Height)
	if err != nil {
		return core.IconHandle{}, err
	}
	handle := core.IconHandle{Image: img, Resolved: true}
	r.deps.Cache.Put(userID, digest, handle)
	return handle, nil
}

// Close stops the worker pool. Pending fetches are dropped.
func (r *Resolver) Close() {
	r.pool.Shutdown()
}

// Decode decodes a JPEG, PNG, GIF or WebP image and scales it to exactly
// width x height with nearest-neighbour sampling. No cropping is done.
func Decode(data []byte, width, height int) (*image.RGBA, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", core.ErrIconResolution, err)
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", core.ErrIconResolution)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}
