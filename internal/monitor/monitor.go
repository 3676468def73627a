// Package monitor periodically reports the session state to a status file
// and to OTel gauges.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/localizer/presence/internal/session"
)

// StatusSource reports the session state.
type StatusSource interface {
	Status() session.Status
}

// QueueSource reports how many position writes are waiting.
type QueueSource interface {
	Pending() int
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Session   StatusSource
	Publisher QueueSource
	Logger    *slog.Logger
	// StatusPath is rewritten on every tick.
	StatusPath string
	Interval   time.Duration
}

// Report is one status snapshot as written to the status file.
type Report struct {
	Time           time.Time `json:"time"`
	State          string    `json:"state"`
	Epoch          uint64    `json:"epoch"`
	UserID         string    `json:"userId,omitempty"`
	Markers        int       `json:"markers"`
	PublisherQueue int       `json:"publisherQueue"`
}

// Service writes a Report every Interval until stopped.
type Service struct {
	deps Dependencies

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	gauges metric.Registration
}

func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	return &Service{deps: deps}
}

// Report samples the session and the publisher queue.
func (s *Service) Report() Report {
	st := s.deps.Session.Status()
	r := Report{
		Time:    time.Now(),
		State:   st.State.String(),
		Epoch:   st.Epoch,
		UserID:  st.UserID,
		Markers: st.Markers,
	}
	if s.deps.Publisher != nil {
		r.PublisherQueue = s.deps.Publisher.Pending()
	}
	return r
}

// WriteStatus replaces the status file atomically.
func (s *Service) WriteStatus() error {
	data, err := json.MarshalIndent(s.Report(), "", "  ")
	if err != nil {
		return err
	}
	tmp := s.deps.StatusPath + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("error writing status file: %w", err)
	}
	return os.Rename(tmp, s.deps.StatusPath)
}

// IsRunning reports whether the loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Start launches the loop and registers the gauges. Starting twice is a no-op.
func (s *Service) Start() error {
	if s.deps.Session == nil || s.deps.StatusPath == "" {
		return errors.New("status monitor needs a session and a status path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	reg, err := s.registerGauges(otel.Meter("github.com/localizer/presence/internal/monitor"))
	if err != nil {
		s.deps.Logger.Warn("Status gauges unavailable", "error", err)
	}
	s.gauges = reg

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	return nil
}

func (s *Service) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	s.deps.Logger.Debug("Starting status monitor", "path", s.deps.StatusPath)

	tick := time.NewTicker(s.deps.Interval)
	defer tick.Stop()
	for {
		if err := s.WriteStatus(); err != nil {
			s.deps.Logger.Error("Error writing status file", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (s *Service) registerGauges(m metric.Meter) (metric.Registration, error) {
	markers, err := m.Int64ObservableGauge("session.markers",
		metric.WithDescription("Markers on the surface of the active session"))
	if err != nil {
		return nil, err
	}
	epoch, err := m.Int64ObservableGauge("session.epoch",
		metric.WithDescription("Epoch of the current session"))
	if err != nil {
		return nil, err
	}
	queue, err := m.Int64ObservableGauge("publisher.queue",
		metric.WithDescription("Position writes waiting to be stored"))
	if err != nil {
		return nil, err
	}
	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		r := s.Report()
		o.ObserveInt64(markers, int64(r.Markers))
		o.ObserveInt64(epoch, int64(r.Epoch))
		o.ObserveInt64(queue, int64(r.PublisherQueue))
		return nil
	}, markers, epoch, queue)
}

// Stop ends the loop, waits for it and unregisters the gauges.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.cancel = nil
	done, reg := s.done, s.gauges
	s.gauges = nil
	s.mu.Unlock()

	<-done
	if reg != nil {
		_ = reg.Unregister()
	}
}
