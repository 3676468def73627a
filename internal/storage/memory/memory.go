// internal/storage/memory/memory.go
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/localizer/presence/internal/config"
	"github.com/localizer/presence/internal/storage"
	"github.com/localizer/presence/internal/storage/feed"
	"github.com/localizer/presence/pkg/core"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memory store closed")

// Backend keeps the users collection in process memory
type Backend struct {
	cfg    config.MemoryConfig
	snap   core.Snapshot
	feed   *feed.Feed
	closed bool
	mu     sync.Mutex
}

// New creates a new memory backend
func New(cfg config.MemoryConfig) *Backend {
	return &Backend{
		cfg:  cfg,
		snap: core.NewSnapshot(),
		feed: feed.New(),
	}
}

// Init restores the last saved snapshot when a snapshot path is configured
func (b *Backend) Init() error {
	if b.cfg.SnapshotPath == "" {
		return nil
	}
	snap, err := loadSnapshot(b.cfg.SnapshotPath)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap = snap
	return nil
}

// Close cancels every subscription and saves the collection if configured
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	snap := b.snap.Clone()
	b.mu.Unlock()

	b.feed.Close()

	if b.cfg.SnapshotPath == "" {
		return nil
	}
	return saveSnapshot(b.cfg.SnapshotPath, snap, b.cfg.Compress)
}

// WriteField writes a single field path of one user
func (b *Backend) WriteField(ctx context.Context, userID, path string, value any) error {
	return b.Update(ctx, userID, core.Patch{path: value})
}

// Update applies a sparse patch to one user, creating the record if needed
func (b *Backend) Update(ctx context.Context, userID string, patch core.Patch) error {
	if err := ctx.Err(); err != nil {
		return storage.WriteError("update", err)
	}
	if err := storage.ValidateUserID(userID); err != nil {
		return storage.WriteError("update", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.WriteError("update", ErrClosed)
	}

	rec, _ := b.snap.Get(userID)
	if err := patch.Apply(&rec); err != nil {
		return storage.WriteError("update", fmt.Errorf("user %s: %w", userID, err))
	}
	b.snap.Put(userID, rec)
	b.feed.Publish(b.snap)
	return nil
}

// Delete removes a user from the collection. Deleting a missing user is not an error.
func (b *Backend) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return storage.WriteError("delete", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.WriteError("delete", ErrClosed)
	}

	if b.snap.Delete(userID) {
		b.feed.Publish(b.snap)
	}
	return nil
}

// ReadAll returns a copy of the whole collection
func (b *Backend) ReadAll(ctx context.Context) (core.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return core.Snapshot{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.Snapshot{}, ErrClosed
	}
	return b.snap.Clone(), nil
}

// Subscribe registers a live snapshot feed
func (b *Backend) Subscribe(onSnapshot func(core.Snapshot), onError func(error)) (storage.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, storage.SubscriptionError(ErrClosed)
	}
	return b.feed.Add(b.snap, onSnapshot, onError), nil
}

// Subscribers returns the number of live subscriptions
func (b *Backend) Subscribers() int {
	return b.feed.Len()
}
