// Package redisstorage implements storage.Backend on Redis. Each user is a
// hash; writes run in optimistic WATCH/MULTI transactions that bump a
// revision and announce it on a pub/sub channel, so every process holding
// the backend refreshes its snapshot without polling.
package redisstorage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/localizer/presence/internal/storage"
	"github.com/localizer/presence/internal/storage/feed"
	"github.com/localizer/presence/pkg/core"
)

// maxTxRetries bounds how often a write is retried after losing a WATCH race.
const maxTxRetries = 8

// snapshotScript reads the revision, the arrival order and every hash in one
// atomic step.
var snapshotScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local out = {redis.call('GET', KEYS[2]) or '0'}
for _, id in ipairs(ids) do
  table.insert(out, id)
  table.insert(out, redis.call('HGETALL', ARGV[1] .. id))
end
return out
`)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// Prefix namespaces every key, so several collections can share a server.
	Prefix string
	Logger *slog.Logger
}

// Backend implements storage.Backend using Redis.
type Backend struct {
	cfg    Config
	keys   keys
	client *redis.Client
	feed   *feed.Feed

	// mu serializes refreshes so snapshots are published in revision order
	mu           sync.Mutex
	loaded       bool
	lastRevision uint64
	lastSnap     core.Snapshot
	failing      bool

	pubsub    *redis.PubSub
	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a Redis backend. No connection is made until Init.
func New(cfg Config) *Backend {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Backend{
		cfg:  cfg,
		keys: keys{prefix: cfg.Prefix},
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
		feed:     feed.New(),
		lastSnap: core.NewSnapshot(),
		closed:   make(chan struct{}),
	}
}

// Init checks the connection, loads the collection and starts listening for
// change announcements.
func (b *Backend) Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	b.pubsub = b.client.Subscribe(ctx, b.keys.channel())
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	// load after subscribing so no announcement is missed in between
	if _, err := b.refresh(ctx); err != nil {
		_ = b.pubsub.Close()
		return fmt.Errorf("failed to load users: %w", err)
	}

	b.wg.Add(1)
	go b.listen(b.pubsub.Channel())
	return nil
}

// Close stops listening, cancels every subscription and closes the client.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		if b.pubsub != nil {
			_ = b.pubsub.Close()
		}
		b.wg.Wait()
		b.feed.Close()
		err = b.client.Close()
	})
	return err
}

// WriteField writes a single field path of one user.
func (b *Backend) WriteField(ctx context.Context, userID, path string, value any) error {
	return b.Update(ctx, userID, core.Patch{path: value})
}

// Update applies a sparse patch to one user atomically.
func (b *Backend) Update(ctx context.Context, userID string, patch core.Patch) error {
	if err := storage.ValidateUserID(userID); err != nil {
		return storage.WriteError("update", err)
	}

	userKey := b.keys.user(userID)
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, userKey).Result()
		if err != nil {
			return err
		}
		isNew := len(fields) == 0
		rec, err := decodeRecord(fields)
		if err != nil {
			return err
		}
		if err := patch.Apply(&rec); err != nil {
			return err
		}

		var seq int64
		if isNew {
			// the counter is outside the transaction; gaps are harmless
			if seq, err = tx.Incr(ctx, b.keys.seq()).Result(); err != nil {
				return err
			}
		}

		set, del := encodeRecord(rec)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, userKey, set)
			if len(del) > 0 {
				pipe.HDel(ctx, userKey, del...)
			}
			if isNew {
				pipe.ZAddNX(ctx, b.keys.order(), redis.Z{Score: float64(seq), Member: userID})
			}
			b.announce(ctx, pipe)
			return nil
		})
		return err
	}

	if err := b.watch(ctx, txf, userKey); err != nil {
		return storage.WriteError("update", fmt.Errorf("user %s: %w", userID, err))
	}
	b.refreshAfterWrite(ctx)
	return nil
}

// Delete removes a user from the collection. Deleting a missing user is a no-op.
func (b *Backend) Delete(ctx context.Context, userID string) error {
	userKey := b.keys.user(userID)
	deleted := false
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, userKey).Result()
		if err != nil || n == 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, userKey)
			pipe.ZRem(ctx, b.keys.order(), userID)
			b.announce(ctx, pipe)
			return nil
		})
		deleted = err == nil
		return err
	}

	if err := b.watch(ctx, txf, userKey); err != nil {
		return storage.WriteError("delete", fmt.Errorf("user %s: %w", userID, err))
	}
	if deleted {
		b.refreshAfterWrite(ctx)
	}
	return nil
}

// ReadAll reads the whole collection in arrival order.
func (b *Backend) ReadAll(ctx context.Context) (core.Snapshot, error) {
	_, snap, err := b.load(ctx)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("read all: %w", err)
	}
	return snap, nil
}

// Subscribe registers a live snapshot feed starting from the last known revision.
func (b *Backend) Subscribe(onSnapshot func(core.Snapshot), onError func(error)) (storage.Subscription, error) {
	select {
	case <-b.closed:
		return nil, storage.SubscriptionError(errors.New("redis backend closed"))
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

// watch runs txf under WATCH, retrying when another writer got in first.
func (b *Backend) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := b.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d conflicting writes", maxTxRetries)
}

// announce queues the revision bump and its announcement on pipe.
func (b *Backend) announce(ctx context.Context, pipe redis.Pipeliner) {
	pipe.Incr(ctx, b.keys.revision())
	pipe.Publish(ctx, b.keys.channel(), "changed")
}

func (b *Backend) load(ctx context.Context) (uint64, core.Snapshot, error) {
	reply, err := snapshotScript.Run(ctx, b.client,
		[]string{b.keys.order(), b.keys.revision()}, b.keys.userPrefix()).Result()
	if err != nil {
		return 0, core.Snapshot{}, err
	}
	return decodeSnapshot(reply)
}

// refreshAfterWrite publishes a local write right away instead of waiting
// for its announcement. The write already succeeded, so errors only get logged.
func (b *Backend) refreshAfterWrite(ctx context.Context) {
	if _, err := b.refresh(ctx); err != nil {
		b.cfg.Logger.Warn("Failed to refresh users after write", "error", err)
	}
}

// refresh publishes a new snapshot when the revision moved. Reports whether it did.
func (b *Backend) refresh(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rev, snap, err := b.load(ctx)
	if err != nil {
		return false, err
	}
	if b.loaded && rev <= b.lastRevision {
		return false, nil
	}

	b.loaded = true
	b.lastRevision = rev
	b.lastSnap = snap
	b.feed.Publish(snap)
	return true, nil
}

// listen refreshes on every announcement until the pub/sub is closed.
func (b *Backend) listen(ch <-chan *redis.Message) {
	defer b.wg.Done()
	for range ch {
		b.onAnnouncement()
	}
}

func (b *Backend) onAnnouncement() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	changed, err := b.refresh(ctx)
	cancel()

	b.mu.Lock()
	wasFailing := b.failing
	b.failing = err != nil
	b.mu.Unlock()

	if err != nil {
		b.cfg.Logger.Warn("Failed to refresh users", "error", err)
		if !wasFailing {
			b.feed.Fail(storage.SubscriptionError(err))
		}
		return
	}
	if wasFailing {
		b.cfg.Logger.Info("Users refresh recovered")
	}
	if changed {
		b.cfg.Logger.Debug("Users changed", "revision", b.Revision())
	}
}
