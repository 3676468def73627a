package surface

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/localizer/presence/internal/geo"
	"github.com/localizer/presence/pkg/core"
)

// GeoJSON renders the marker set as a GeoJSON FeatureCollection file that
// any map viewer can load. The file is rewritten after every command.
type GeoJSON struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	order   []string
	markers map[string]core.MarkerState
	camera  *geom.GeoJSONFeature
	created uint64
	lastErr error
}

// NewGeoJSON creates a surface writing to path. The file starts empty.
func NewGeoJSON(path string, logger *slog.Logger) (*GeoJSON, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create surface directory: %w", err)
		}
	}
	g := &GeoJSON{
		path:    path,
		logger:  logger,
		markers: make(map[string]core.MarkerState),
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.flushLocked(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *GeoJSON) ClearAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.order = nil
	g.markers = make(map[string]core.MarkerState)
	g.flush()
}

func (g *GeoJSON) Upsert(id string, coord core.Position, title string, icon core.IconHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.markers[id]
	if !ok {
		g.created++
		m.Instance = g.created
		g.order = append(g.order, id)
	}
	m.Coordinate = coord
	m.Title = title
	m.Icon = icon
	g.markers[id] = m
	g.flush()
}

func (g *GeoJSON) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.markers[id]; !ok {
		return
	}
	delete(g.markers, id)
	for i, v := range g.order {
		if v == id {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			break
		}
	}
	g.flush()
}

func (g *GeoJSON) CenterCamera(coord core.Position, zoom float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, err := geo.CameraFeature(coord, zoom)
	if err != nil {
		g.logger.Warn("Camera position ignored", "lat", coord.Lat, "long", coord.Long, "error", err)
		return
	}
	g.camera = &f
	g.flush()
}

// Len returns the number of rendered markers.
func (g *GeoJSON) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.markers)
}

// Err returns the last write error, if any.
func (g *GeoJSON) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

func (g *GeoJSON) flush() {
	if err := g.flushLocked(); err != nil {
		g.logger.Error("Failed to write marker file", "path", g.path, "error", err)
	}
}

func (g *GeoJSON) flushLocked() error {
	fc := make(geom.GeoJSONFeatureCollection, 0, len(g.order)+1)
	for _, id := range g.order {
		f, err := geo.MarkerFeature(id, g.markers[id])
		if err != nil {
			g.logger.Warn("Marker not rendered", "userId", id, "error", err)
			continue
		}
		fc = append(fc, f)
	}
	if g.camera != nil {
		fc = append(fc, *g.camera)
	}

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		g.lastErr = fmt.Errorf("failed to marshal markers: %w", err)
		return g.lastErr
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		g.lastErr = fmt.Errorf("failed to write markers: %w", err)
		return g.lastErr
	}
	if err := os.Rename(tmp, g.path); err != nil {
		g.lastErr = fmt.Errorf("failed to replace markers: %w", err)
		return g.lastErr
	}
	g.lastErr = nil
	return nil
}
