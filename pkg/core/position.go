// pkg/core/position.go
package core

import (
	"math"
	"time"
)

// Position is a WGS84 coordinate in degrees.
type Position struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// RawPosition is a position as it is stored. Either field may be missing
// when a record was written partially or by an older client.
type RawPosition struct {
	Lat  *float64 `json:"lat,omitempty"`
	Long *float64 `json:"long,omitempty"`
}

// NewRawPosition returns a fully populated RawPosition.
func NewRawPosition(p Position) RawPosition {
	lat, long := p.Lat, p.Long
	return RawPosition{Lat: &lat, Long: &long}
}

// Valid returns the position when both fields are present and finite.
// Anything else is treated as no position at all.
func (r RawPosition) Valid() (Position, bool) {
	if r.Lat == nil || r.Long == nil {
		return Position{}, false
	}
	lat, long := *r.Lat, *r.Long
	if math.IsNaN(lat) || math.IsNaN(long) || math.IsInf(lat, 0) || math.IsInf(long, 0) {
		return Position{}, false
	}
	return Position{Lat: lat, Long: long}, true
}

// Partial reports whether exactly one of the two fields is set.
func (r RawPosition) Partial() bool {
	return (r.Lat == nil) != (r.Long == nil)
}

// Sample is one reading delivered by the position sampler.
type Sample struct {
	Position
	// Monotonic is the time elapsed since the sampler was started.
	Monotonic time.Duration
	Time      time.Time
}
