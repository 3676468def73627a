package sampler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/localizer/presence/internal/config"
	"github.com/localizer/presence/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	samples []core.Sample
	errs    []error
}

func (c *collector) onSample(s core.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples), len(c.errs)
}

type failingProvider struct{}

func (failingProvider) Sample(context.Context) (core.Position, error) {
	return core.Position{}, errors.New("gps off")
}

func TestSampler_DeliversImmediatelyAndOnInterval(t *testing.T) {
	s := New(Static{Position: core.Position{Lat: 1, Long: 2}})
	var c collector

	require.NoError(t, s.Start(20*time.Millisecond, c.onSample, c.onError))
	assert.Eventually(t, func() bool {
		n, _ := c.counts()
		return n >= 3
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, core.Position{Lat: 1, Long: 2}, c.samples[0].Position)
	for i := 1; i < len(c.samples); i++ {
		gap := c.samples[i].Monotonic - c.samples[i-1].Monotonic
		assert.GreaterOrEqual(t, gap, 15*time.Millisecond, "samples closer than the interval")
	}
}

func TestSampler_NoDeliveryAfterStop(t *testing.T) {
	s := New(Static{})
	var c collector

	require.NoError(t, s.Start(time.Millisecond, c.onSample, c.onError))
	time.Sleep(10 * time.Millisecond)
	s.Stop()
	n, _ := c.counts()

	time.Sleep(20 * time.Millisecond)
	after, _ := c.counts()
	assert.Equal(t, n, after)
	assert.False(t, s.Running())
}

func TestSampler_StopIsIdempotent(t *testing.T) {
	s := New(Static{})
	s.Stop()

	require.NoError(t, s.Start(time.Second, nil, nil))
	s.Stop()
	s.Stop()

	require.NoError(t, s.Start(time.Second, nil, nil), "a stopped sampler can start again")
	s.Stop()
}

func TestSampler_StartTwice(t *testing.T) {
	s := New(Static{})
	require.NoError(t, s.Start(time.Second, nil, nil))
	defer s.Stop()
	assert.ErrorIs(t, s.Start(time.Second, nil, nil), ErrAlreadyStarted)
}

func TestSampler_InvalidInterval(t *testing.T) {
	assert.ErrorIs(t, New(Static{}).Start(0, nil, nil), ErrInvalidInterval)
}

func TestSampler_ProviderErrorsAreSurfacedAndSamplingContinues(t *testing.T) {
	s := New(failingProvider{})
	var c collector

	require.NoError(t, s.Start(5*time.Millisecond, c.onSample, c.onError))
	assert.Eventually(t, func() bool {
		_, e := c.counts()
		return e >= 2
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.ErrorIs(t, c.errs[0], core.ErrSamplingUnavailable)
	assert.Empty(t, c.samples)
}

func TestSampler_SamplesSpacedByInterval(t *testing.T) {
	const interval = 20 * time.Millisecond
	s := New(Static{})
	var c collector

	require.NoError(t, s.Start(interval, c.onSample, c.onError))
	assert.Eventually(t, func() bool {
		n, _ := c.counts()
		return n >= 4
	}, time.Second, time.Millisecond)
	s.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	// ticker jitter can shave a little off a single gap, never a whole interval
	for i := 1; i < len(c.samples); i++ {
		gap := c.samples[i].Monotonic - c.samples[i-1].Monotonic
		assert.Greater(t, gap, interval/2, "sample %d", i)
	}
}

func TestSampler_Clock(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(Static{}, WithClock(func() time.Time { return fixed }))
	got := make(chan core.Sample, 1)

	require.NoError(t, s.Start(time.Hour, func(smp core.Sample) {
		select {
		case got <- smp:
		default:
		}
	}, nil))
	defer s.Stop()

	assert.Equal(t, fixed, (<-got).Time)
}

func TestRandomWalk_StaysNearStart(t *testing.T) {
	start := core.Position{Lat: 4.711, Long: -74.0721}
	w := NewRandomWalk(start, 0.001, 7)
	for i := 0; i < 10; i++ {
		p, err := w.Sample(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, start.Lat, p.Lat, 0.011)
		assert.InDelta(t, start.Long, p.Long, 0.011)
	}
}

func TestReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.txt")
	require.NoError(t, os.WriteFile(path, []byte("# bogota\n4.71, -74.07\n\n4.60,-74.08\n"), 0644))

	r, err := LoadReplay(path, false)
	require.NoError(t, err)

	p, err := r.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.Position{Lat: 4.71, Long: -74.07}, p)
	p, err = r.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.Position{Lat: 4.60, Long: -74.08}, p)

	_, err = r.Sample(context.Background())
	assert.ErrorIs(t, err, core.ErrSamplingUnavailable)
	assert.ErrorIs(t, err, ErrReplayExhausted)
}

func TestReplay_Loop(t *testing.T) {
	r := NewReplay([]core.Position{{Lat: 1}, {Lat: 2}}, true)
	var lats []float64
	for i := 0; i < 3; i++ {
		p, err := r.Sample(context.Background())
		require.NoError(t, err)
		lats = append(lats, p.Lat)
	}
	assert.Equal(t, []float64{1, 2, 1}, lats)
}

func TestLoadReplay_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte("4.71,-74.07\nnorth,east\n"), 0644))

	_, err := LoadReplay(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay line 2")
}

func TestNewProvider(t *testing.T) {
	start := core.Position{Lat: 4.711, Long: -74.0721}

	p, err := NewProvider(config.SamplerConfig{Provider: "static"}, start)
	require.NoError(t, err)
	assert.Equal(t, Static{Position: start}, p)

	p, err = NewProvider(config.SamplerConfig{Provider: "randomwalk"}, start)
	require.NoError(t, err)
	assert.IsType(t, &RandomWalk{}, p)

	_, err = NewProvider(config.SamplerConfig{Provider: "replay"}, start)
	assert.Error(t, err)

	_, err = NewProvider(config.SamplerConfig{Provider: "gps"}, start)
	assert.EqualError(t, err, "unknown sampler provider: gps")
}
