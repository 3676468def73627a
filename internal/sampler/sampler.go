// Package sampler delivers periodic position samples from a Provider.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/localizer/presence/pkg/core"
)

// Provider reads the current device position.
type Provider interface {
	Sample(ctx context.Context) (core.Position, error)
}

var (
	ErrAlreadyStarted  = errors.New("sampler already started")
	ErrInvalidInterval = errors.New("sampling interval must be positive")
)

// Option configures a Sampler.
type Option func(*Sampler)

// WithClock overrides the wall clock stamped on samples.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) {
		s.now = now
	}
}

// Sampler polls a Provider on an interval while started.
type Sampler struct {
	provider Provider
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
}

// New creates a stopped sampler.
func New(provider Provider, opts ...Option) *Sampler {
	s := &Sampler{
		provider: provider,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins delivery. The first sample is taken immediately and the rest
// follow one per interval, never more often. Provider
// failures go to onError wrapped in core.ErrSamplingUnavailable and sampling
// carries on.
func (s *Sampler) Start(interval time.Duration, onSample func(core.Sample), onError func(error)) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.loop(ctx, interval, onSample, onError, s.stopped, s.done)
	return nil
}

// Stop halts delivery and waits for the sampling goroutine to exit, so no
// sample is delivered after it returns. Stop is a no-op when not started.
// It must not be called from inside onSample or onError.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, stopped, done := s.cancel, s.stopped, s.done
	s.cancel, s.stopped, s.done = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	close(stopped)
	cancel()
	<-done
}

// Running reports whether the sampler is started.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Sampler) loop(ctx context.Context, interval time.Duration,
	onSample func(core.Sample), onError func(error), stopped, done chan struct{},
) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()

	take := func() {
		pos, err := s.provider.Sample(ctx)
		// Stop may have happened while the provider was busy.
		select {
		case <-stopped:
			return
		default:
		}
		at := time.Now()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, core.ErrSamplingUnavailable) {
				err = fmt.Errorf("%w: %w", core.ErrSamplingUnavailable, err)
			}
			if onError != nil {
				onError(err)
			}
			return
		}
		if onSample != nil {
			onSample(core.Sample{Position: pos, Monotonic: at.Sub(start), Time: s.now()})
		}
	}

	take()
	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
			take()
		}
	}
}
