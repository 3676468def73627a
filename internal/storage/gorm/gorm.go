// Package gormstorage implements the storage.Backend interface on top of GORM
// (SQLite, PostgreSQL or MySQL). Every write bumps a revision row inside its
// transaction; a poll loop compares that counter to detect changes made by
// other processes and fans the new snapshot out to local subscribers. An
// optional notifier announces each new revision so peers refresh right away.
package gormstorage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/localizer/presence/internal/database"
	"github.com/localizer/presence/internal/model"
	"github.com/localizer/presence/internal/notify"
	"github.com/localizer/presence/internal/storage"
	"github.com/localizer/presence/internal/storage/feed"
	"github.com/localizer/presence/pkg/core"
)

const defaultPollInterval = 2 * time.Second

var errNothingDeleted = errors.New("nothing deleted")

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB           *gorm.DB
	Logger       *slog.Logger
	PollInterval time.Duration
	Now          func() time.Time
	// Notifier is optional and is closed with the backend.
	Notifier notify.Notifier
}

// Backend implements storage.Backend using GORM.
type Backend struct {
	deps Dependencies
	feed *feed.Feed

	// mu serializes refreshes so snapshots are published in revision order
	mu           sync.Mutex
	loaded       bool
	lastRevision uint64
	lastSnap     core.Snapshot
	failing      bool

	stopListen func()
	stopChan   chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = defaultPollInterval
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Backend{
		deps:     deps,
		feed:     feed.New(),
		lastSnap: core.NewSnapshot(),
		stopChan: make(chan struct{}),
	}
}

// Init runs schema migration, loads the current collection and starts the poll loop.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return errors.New("gorm backend requires a DB")
	}
	if err := database.Migrate(b.deps.DB); err != nil {
		return fmt.Errorf("failed to setup DB: %w", err)
	}
	if _, err := b.refresh(context.Background()); err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}

	if b.deps.Notifier != nil {
		stop, err := b.deps.Notifier.Listen(b.onAnnouncement)
		if err != nil {
			return fmt.Errorf("failed to listen for changes: %w", err)
		}
		b.stopListen = stop
	}

	b.wg.Add(1)
	go b.pollLoop()
	return nil
}

// Close stops the poll loop and cancels every subscription.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		if b.stopListen != nil {
			b.stopListen()
		}
		if b.deps.Notifier != nil {
			b.deps.Notifier.Close()
		}
		close(b.stopChan)
		b.wg.Wait()
		b.feed.Close()
	})
	return nil
}

// WriteField writes a single field path of one user.
func (b *Backend) WriteField(ctx context.Context, userID, path string, value any) error {
	return b.Update(ctx, userID, core.Patch{path: value})
}

// Update applies a sparse patch to one user in a single transaction.
func (b *Backend) Update(ctx context.Context, userID string, patch core.Patch) error {
	if err := storage.ValidateUserID(userID); err != nil {
		return storage.WriteError("update", err)
	}

	var rev uint64
	err := b.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// bumping first takes the revision row lock, serializing writers
		var err error
		rev, err = bumpRevision(tx)
		if err != nil {
			return err
		}

		var row model.UserRow
		err = tx.Where("id = ?", userID).Take(&row).Error
		isNew := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !isNew {
			return err
		}
		if isNew {
			row = model.UserRow{ID: userID, Seq: rev}
		}

		if err := row.ApplyPatch(patch, b.deps.Now()); err != nil {
			return err
		}
		if isNew {
			return tx.Create(&row).Error
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return storage.WriteError("update", fmt.Errorf("user %s: %w", userID, err))
	}

	b.refreshAfterWrite(ctx)
	b.announce(rev)
	return nil
}

// Delete removes a user from the collection.
func (b *Backend) Delete(ctx context.Context, userID string) error {
	var rev uint64
	err := b.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if rev, err = bumpRevision(tx); err != nil {
			return err
		}
		res := tx.Where("id = ?", userID).Delete(&model.UserRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNothingDeleted
		}
		return nil
	})
	if errors.Is(err, errNothingDeleted) {
		return nil
	}
	if err != nil {
		return storage.WriteError("delete", fmt.Errorf("user %s: %w", userID, err))
	}

	b.refreshAfterWrite(ctx)
	b.announce(rev)
	return nil
}

// ReadAll reads the whole collection in arrival order.
func (b *Backend) ReadAll(ctx context.Context) (core.Snapshot, error) {
	var rows []model.UserRow
	if err := b.deps.DB.WithContext(ctx).Order("seq, id").Find(&rows).Error; err != nil {
		return core.Snapshot{}, fmt.Errorf("read all: %w", err)
	}
	return model.Snapshot(rows), nil
}

// Subscribe registers a live snapshot feed starting from the last known revision.
func (b *Backend) Subscribe(onSnapshot func(core.Snapshot), onError func(error)) (storage.Subscription, error) {
	select {
	case <-b.stopChan:
		return nil, storage.SubscriptionError(errors.New("gorm backend closed"))
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.feed.Add(b.lastSnap, onSnapshot, onError), nil
}

// Revision returns the last revision published to subscribers.
func (b *Backend) Revision() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRevision
}

func bumpRevision(tx *gorm.DB) (uint64, error) {
	res := tx.Model(&model.Revision{}).
		Where("id = ?", model.RevisionID).
		UpdateColumn("value", gorm.Expr("value + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, errors.New("revision row missing")
	}

	var rev model.Revision
	if err := tx.Take(&rev, model.RevisionID).Error; err != nil {
		return 0, err
	}
	return rev.Value, nil
}

// refreshAfterWrite publishes a local write right away instead of waiting
// for the next poll. The write already succeeded, so errors only get logged.
func (b *Backend) refreshAfterWrite(ctx context.Context) {
	if _, err := b.refresh(ctx); err != nil {
		b.deps.Logger.Warn("Failed to refresh users after write", "error", err)
	}
}

// refresh publishes a new snapshot when the revision moved. Reports whether it did.
func (b *Backend) refresh(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rev model.Revision
	var rows []model.UserRow
	err := b.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Take(&rev, model.RevisionID).Error; err != nil {
			return err
		}
		if b.loaded && rev.Value == b.lastRevision {
			return nil
		}
		return tx.Order("seq, id").Find(&rows).Error
	})
	if err != nil {
		return false, err
	}
	if b.loaded && rev.Value == b.lastRevision {
		return false, nil
	}

	b.loaded = true
	b.lastRevision = rev.Value
	b.lastSnap = model.Snapshot(rows)
	b.feed.Publish(b.lastSnap)
	return true, nil
}

// announce tells peers about rev. Peers still catch up on their next poll
// when this fails.
func (b *Backend) announce(rev uint64) {
	if b.deps.Notifier == nil {
		return
	}
	if err := b.deps.Notifier.Announce(rev); err != nil {
		b.deps.Logger.Warn("Failed to announce revision", "revision", rev, "error", err)
	}
}

func (b *Backend) onAnnouncement(rev uint64) {
	if rev <= b.Revision() {
		return
	}
	select {
	case <-b.stopChan:
		return
	default:
	}
	b.poll()
}

func (b *Backend) pollLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.deps.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.poll()
		}
	}
}

func (b *Backend) poll() {
	changed, err := b.refresh(context.Background())

	b.mu.Lock()
	wasFailing := b.failing
	b.failing = err != nil
	b.mu.Unlock()

	if err != nil {
		b.deps.Logger.Warn("Failed to poll users", "error", err)
		if !wasFailing {
			b.feed.Fail(storage.SubscriptionError(err))
		}
		return
	}
	if wasFailing {
		b.deps.Logger.Info("Users poll recovered")
	}
	if changed {
		b.deps.Logger.Debug("Users changed", "revision", b.Revision())
	}
}
