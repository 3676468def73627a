// Package publisher writes the local user's position into the presence store.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/localizer/presence/internal/dispatcher"
	"github.com/localizer/presence/pkg/core"
)

const instrumentationName = "github.com/localizer/presence/internal/publisher"

// Command is the dispatcher command position writes are queued under.
const Command = "publish:position"

// Writer is the part of the presence store the publisher needs.
type Writer interface {
	WriteField(ctx context.Context, userID, path string, value any) error
}

// PositionSink receives a copy of every published sample, such as a
// position history database.
type PositionSink interface {
	WritePosition(ctx context.Context, userID string, s core.Sample) error
}

// Dependencies holds what a Publisher needs.
type Dependencies struct {
	Store      Writer
	Dispatcher *dispatcher.Dispatcher
	Logger     *slog.Logger
	// Tracking is read on every sample and again before its write runs.
	Tracking func() bool
	// UserID returns the signed-in user, or "" when nobody is.
	UserID func() string
	// Sink is optional.
	Sink PositionSink
	// QueueSize defaults to 16.
	QueueSize int
	// WriteTimeout defaults to 10s.
	WriteTimeout time.Duration
}

type positionWrite struct {
	userID string
	sample core.Sample
}

// Publisher queues position writes on a buffered dispatcher handler, so
// writes run one at a time off the sampler goroutine. A full queue drops the
// tick and failed writes are never retried.
type Publisher struct {
	deps Dependencies

	writes   metric.Int64Counter
	failures metric.Int64Counter
}

// New registers the publisher's handler on deps.Dispatcher.
func New(deps Dependencies) (*Publisher, error) {
	if deps.Store == nil || deps.Dispatcher == nil {
		return nil, errors.New("publisher requires a store and a dispatcher")
	}
	if deps.Tracking == nil || deps.UserID == nil {
		return nil, errors.New("publisher requires tracking and user id sources")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.QueueSize <= 0 {
		deps.QueueSize = 16
	}
	if deps.WriteTimeout <= 0 {
		deps.WriteTimeout = 10 * time.Second
	}

	m := otel.Meter(instrumentationName)
	writes, err := m.Int64Counter("publisher.writes",
		metric.WithDescription("Position writes accepted by the store"))
	if err != nil {
		return nil, fmt.Errorf("creating writes counter: %w", err)
	}
	failures, err := m.Int64Counter("publisher.failures",
		metric.WithDescription("Position writes rejected by the store"))
	if err != nil {
		return nil, fmt.Errorf("creating failures counter: %w", err)
	}

	p := &Publisher{deps: deps, writes: writes, failures: failures}
	deps.Dispatcher.Register(Command, p.handleWrite, dispatcher.Buffered(deps.QueueSize))
	return p, nil
}

// OnSample queues a write of the sample when tracking is on and a user is
// signed in. It never blocks.
func (p *Publisher) OnSample(s core.Sample) {
	if !p.deps.Tracking() {
		return
	}
	userID := p.deps.UserID()
	if userID == "" {
		return
	}

	_, err := p.deps.Dispatcher.Dispatch(dispatcher.Event{
		Command: Command,
		Payload: positionWrite{userID: userID, sample: s},
	})
	if err != nil {
		p.deps.Logger.Debug("Position tick dropped", "userId", userID, "error", err)
	}
}

// Pending returns the number of queued writes.
func (p *Publisher) Pending() int {
	return p.deps.Dispatcher.QueueLen(Command)
}

func (p *Publisher) handleWrite(e dispatcher.Event) (any, error) {
	w, ok := e.Payload.(positionWrite)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", e.Payload)
	}
	// the gate may have closed while the write sat in the queue
	if !p.deps.Tracking() || p.deps.UserID() != w.userID {
		p.deps.Logger.Debug("Stale position write dropped", "userId", w.userID)
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.deps.WriteTimeout)
	defer cancel()

	err := p.deps.Store.WriteField(ctx, w.userID, core.FieldPosition, w.sample.Position)
	if err != nil {
		p.failures.Add(ctx, 1)
		p.deps.Logger.Warn("Position write failed", "userId", w.userID, "error", err)
		return nil, err
	}
	p.writes.Add(ctx, 1)

	if p.deps.Sink != nil {
		if err := p.deps.Sink.WritePosition(ctx, w.userID, w.sample); err != nil {
			p.deps.Logger.Debug("Position history write failed", "userId", w.userID, "error", err)
		}
	}
	return nil, nil
}
