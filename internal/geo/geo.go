package geo

import (
	"errors"
	"math"
	"strconv"
	"strings"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"

	"github.com/localizer/presence/pkg/core"
)

// Positions are kept in WGS84 (EPSG:4326) everywhere. Web Mercator (EPSG:3857)
// is only derived for consumers that render tiles.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// ParseLatLong parses a "lat,long" string, the format of replay files.
func ParseLatLong(coords string) (core.Position, error) {
	coordsSplit := strings.Split(coords, ",")
	if len(coordsSplit) < 2 {
		return core.Position{}, ErrInvalidCoordinates
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[0]), 64)
	if err != nil {
		return core.Position{}, ErrInvalidCoordinates
	}
	long, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[1]), 64)
	if err != nil {
		return core.Position{}, ErrInvalidCoordinates
	}
	if !InRange(lat, long) {
		return core.Position{}, ErrInvalidCoordinates
	}
	return core.Position{Lat: lat, Long: long}, nil
}

// InRange reports whether lat/long are finite WGS84 degrees.
func InRange(lat, long float64) bool {
	if math.IsNaN(lat) || math.IsNaN(long) {
		return false
	}
	return lat >= -90 && lat <= 90 && long >= -180 && long <= 180
}

// Point returns p as a 4326 point, X being the longitude. NaN and infinite
// values give an empty point and ErrInvalidCoordinates.
func Point(p core.Position) (geom.Point, error) {
	return newPoint(p.Long, p.Lat)
}

// Mercator projects p to Web Mercator metres.
func Mercator(p core.Position) (x, y float64) {
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ = f(p.Long, p.Lat, 0)
	return x, y
}

// MercatorPoint is Mercator as a geometry.
func MercatorPoint(p core.Position) (geom.Point, error) {
	return newPoint(Mercator(p))
}

func newPoint(x, y float64) (geom.Point, error) {
	point, err := geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: x, Y: y},
		Type: geom.DimXY,
	})
	if err != nil {
		return geom.NewEmptyPoint(geom.DimXY), ErrInvalidCoordinates
	}
	return point, nil
}
