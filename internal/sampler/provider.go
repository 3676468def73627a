package sampler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/localizer/presence/internal/config"
	"github.com/localizer/presence/internal/geo"
	"github.com/localizer/presence/pkg/core"
)

// ErrReplayExhausted is returned once a non-looping replay ran out of fixes.
var ErrReplayExhausted = errors.New("replay exhausted")

// Static always reports the same position.
type Static struct {
	Position core.Position
}

func (s Static) Sample(context.Context) (core.Position, error) {
	return s.Position, nil
}

// RandomWalk jitters around a starting point, for demos without a GPS.
type RandomWalk struct {
	mu   sync.Mutex
	pos  core.Position
	step float64
	rnd  *rand.Rand
}

// NewRandomWalk starts at p and moves at most step degrees per axis per sample.
func NewRandomWalk(p core.Position, step float64, seed int64) *RandomWalk {
	return &RandomWalk{pos: p, step: step, rnd: rand.New(rand.NewSource(seed))}
}

func (w *RandomWalk) Sample(context.Context) (core.Position, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := core.Position{
		Lat:  w.pos.Lat + (w.rnd.Float64()*2-1)*w.step,
		Long: w.pos.Long + (w.rnd.Float64()*2-1)*w.step,
	}
	if geo.InRange(next.Lat, next.Long) {
		w.pos = next
	}
	return w.pos, nil
}

// Replay reports recorded fixes in order.
type Replay struct {
	mu    sync.Mutex
	fixes []core.Position
	next  int
	loop  bool
}

// NewReplay returns a provider over fixes. With loop set it starts over at
// the end instead of failing.
func NewReplay(fixes []core.Position, loop bool) *Replay {
	return &Replay{fixes: fixes, loop: loop}
}

// LoadReplay reads "lat,long" lines. Blank lines and lines starting with #
// are skipped.
func LoadReplay(path string, loop bool) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()

	var fixes []core.Position
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := geo.ParseLatLong(line)
		if err != nil {
			return nil, fmt.Errorf("replay line %d: %w", lineNo, err)
		}
		fixes = append(fixes, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read replay file: %w", err)
	}
	if len(fixes) == 0 {
		return nil, fmt.Errorf("replay file %s has no fixes", path)
	}
	return NewReplay(fixes, loop), nil
}

func (r *Replay) Sample(context.Context) (core.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next >= len(r.fixes) {
		if !r.loop || len(r.fixes) == 0 {
			return core.Position{}, fmt.Errorf("%w: %w", core.ErrSamplingUnavailable, ErrReplayExhausted)
		}
		r.next = 0
	}
	p := r.fixes[r.next]
	r.next++
	return p, nil
}

// NewProvider builds the provider named by cfg.Provider. start seeds the
// static and random walk providers.
func NewProvider(cfg config.SamplerConfig, start core.Position) (Provider, error) {
	switch cfg.Provider {
	case "static":
		return Static{Position: start}, nil
	case "randomwalk":
		return NewRandomWalk(start, 0.0005, rand.Int63()), nil
	case "replay":
		if cfg.ReplayFile == "" {
			return nil, errors.New("sampler.replayFile is required for the replay provider")
		}
		return LoadReplay(cfg.ReplayFile, true)
	default:
		return nil, fmt.Errorf("unknown sampler provider: %s", cfg.Provider)
	}
}
