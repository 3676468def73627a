package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localizer/presence/internal/storage"
	"github.com/localizer/presence/internal/storage/feed"
	"github.com/localizer/presence/pkg/core"
	"github.com/localizer/presence/pkg/streaming"
)

// Config holds WebSocket backend configuration.
type Config struct {
	URL     string
	Secret  string
	// Subject names this client in the dial token.
	Subject string
	Logger  *slog.Logger
}

// Backend talks to a presence hub over WebSocket. The hub owns the
// collection; this side keeps the last pushed snapshot for local subscribers.
type Backend struct {
	conn *connection
	cfg  Config
	feed *feed.Feed

	mu         sync.Mutex
	subscribed bool
	lastSeq    uint64
	lastSnap   core.Snapshot
	haveSnap   chan struct{} // closed when the first snapshot arrived
}

// New creates a new WebSocket storage backend.
func New(cfg Config) *Backend {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Backend{
		conn:     newConnection(cfg.Logger),
		cfg:      cfg,
		feed:     feed.New(),
		haveSnap: make(chan struct{}),
	}
	b.conn.onSnapshot = b.handleSnapshot
	b.conn.onDisconnect = b.handleDisconnect
	return b
}

// Init connects to the hub.
func (b *Backend) Init() error {
	return b.conn.dial(b.cfg.URL, b.cfg.Secret, b.cfg.Subject)
}

// Close cancels local subscriptions and disconnects from the hub.
func (b *Backend) Close() error {
	b.feed.Close()
	return b.conn.close()
}

// request sends a message and waits for the hub's ack.
func (b *Backend) request(ctx context.Context, msgType string, payload any, requestID string) (streaming.AckMessage, error) {
	data, err := streaming.Marshal(msgType, payload)
	if err != nil {
		return streaming.AckMessage{}, fmt.Errorf("marshal %s: %w", msgType, err)
	}

	timeout := ackTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := ctx.Err(); err != nil {
		return streaming.AckMessage{}, err
	}

	ack, err := b.conn.sendAndWait(data, requestID, timeout)
	if err != nil {
		return ack, err
	}
	if ack.Error != "" {
		return ack, errors.New(ack.Error)
	}
	return ack, nil
}

// WriteField writes a single field path of one user.
func (b *Backend) WriteField(ctx context.Context, userID, path string, value any) error {
	return b.Update(ctx, userID, core.Patch{path: value})
}

// Update sends a sparse patch and waits until the hub applied it.
func (b *Backend) Update(ctx context.Context, userID string, patch core.Patch) error {
	if err := storage.ValidateUserID(userID); err != nil {
		return storage.WriteError("update", err)
	}
	id := uuid.NewString()
	_, err := b.request(ctx, streaming.TypeUpdate, streaming.UpdatePayload{
		RequestID: id,
		UserID:    userID,
		Patch:     patch,
	}, id)
	if err != nil {
		return storage.WriteError("update", err)
	}
	return nil
}

// Delete removes a user on the hub.
func (b *Backend) Delete(ctx context.Context, userID string) error {
	id := uuid.NewString()
	_, err := b.request(ctx, streaming.TypeDelete, streaming.DeletePayload{RequestID: id, UserID: userID}, id)
	if err != nil {
		return storage.WriteError("delete", err)
	}
	return nil
}

// ReadAll asks the hub for the whole collection.
func (b *Backend) ReadAll(ctx context.Context) (core.Snapshot, error) {
	id := uuid.NewString()
	ack, err := b.request(ctx, streaming.TypeReadAll, streaming.ReadAllPayload{RequestID: id}, id)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("read all: %w", err)
	}
	if ack.Snapshot == nil {
		return core.NewSnapshot(), nil
	}
	return *ack.Snapshot, nil
}

// Subscribe makes sure the hub pushes snapshots to this connection, waits
// for the first one and registers a local feed starting from it.
func (b *Backend) Subscribe(onSnapshot func(core.Snapshot), onError func(error)) (storage.Subscription, error) {
	if err := b.ensureRemoteSubscription(); err != nil {
		return nil, storage.SubscriptionError(err)
	}

	select {
	case <-b.haveSnap:
	case <-time.After(ackTimeout):
		return nil, storage.SubscriptionError(errors.New("no snapshot from hub"))
	case <-b.conn.done:
		return nil, storage.SubscriptionError(errors.New("connection closed"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.feed.Add(b.lastSnap, onSnapshot, onError), nil
}

func (b *Backend) ensureRemoteSubscription() error {
	b.mu.Lock()
	if b.subscribed {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	id := uuid.NewString()
	data, err := streaming.Marshal(streaming.TypeSubscribe, streaming.SubscribePayload{RequestID: id})
	if err != nil {
		return err
	}

	b.conn.setReplay(data)

	ack, err := b.conn.sendAndWait(data, id, ackTimeout)
	if err != nil {
		return err
	}
	if ack.Error != "" {
		return errors.New(ack.Error)
	}

	b.mu.Lock()
	b.subscribed = true
	b.mu.Unlock()
	return nil
}

// handleSnapshot runs on the read loop, so pushes are handled in hub order.
func (b *Backend) handleSnapshot(p streaming.SnapshotPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// a reconnect restarts the hub side feed and its sequence
	if p.Seq != 0 && p.Seq <= b.lastSeq && b.lastSnap.Equal(p.Snapshot) {
		return
	}
	b.lastSeq = p.Seq
	b.lastSnap = p.Snapshot
	select {
	case <-b.haveSnap:
	default:
		close(b.haveSnap)
	}
	b.feed.Publish(p.Snapshot)
}

func (b *Backend) handleDisconnect(err error) {
	b.mu.Lock()
	subscribed := b.subscribed
	b.mu.Unlock()
	if subscribed {
		b.feed.Fail(storage.SubscriptionError(fmt.Errorf("hub connection lost: %w", err)))
	}
}
