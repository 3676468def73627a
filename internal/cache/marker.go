package cache

import (
	"maps"
	"slices"
	"sync"

	"github.com/localizer/presence/pkg/core"
)

// MarkerCache is the shadow copy of the markers currently on the map, keyed
// by user id. The reconciler is its only writer; readers get copies.
type MarkerCache struct {
	mu      sync.RWMutex
	markers map[string]core.MarkerState
}

func NewMarkerCache() *MarkerCache {
	return &MarkerCache{markers: map[string]core.MarkerState{}}
}

func (c *MarkerCache) Get(id string) (core.MarkerState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markers[id]
	return m, ok
}

func (c *MarkerCache) Set(id string, m core.MarkerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers[id] = m
}

func (c *MarkerCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markers, id)
}

// Replace installs markers as the whole rendered set. The cache takes
// ownership of the map.
func (c *MarkerCache) Replace(markers map[string]core.MarkerState) {
	if markers == nil {
		markers = map[string]core.MarkerState{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers = markers
}

func (c *MarkerCache) Copy() map[string]core.MarkerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.markers)
}

// IDs returns the rendered user ids sorted.
func (c *MarkerCache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.markers))
}

func (c *MarkerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markers)
}

// Reset forgets every marker.
func (c *MarkerCache) Reset() {
	c.Replace(nil)
}
