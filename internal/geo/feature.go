package geo

import (
	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/localizer/presence/pkg/core"
)

// Feature kinds written into the "kind" property.
const (
	KindMarker = "marker"
	KindCamera = "camera"
)

// MarkerFeature renders a marker as a GeoJSON point feature keyed by user id.
func MarkerFeature(userID string, m core.MarkerState) (geom.GeoJSONFeature, error) {
	point, err := Point(m.Coordinate)
	if err != nil {
		return geom.GeoJSONFeature{}, err
	}
	x, y := Mercator(m.Coordinate)
	return geom.GeoJSONFeature{
		ID:       userID,
		Geometry: point.AsGeometry(),
		Properties: map[string]interface{}{
			"kind":         KindMarker,
			"title":        m.Title,
			"iconResolved": m.Icon.Resolved,
			"instance":     m.Instance,
			"mercator":     []float64{x, y},
		},
	}, nil
}

// CameraFeature describes where the map camera looks.
func CameraFeature(p core.Position, zoom float64) (geom.GeoJSONFeature, error) {
	point, err := Point(p)
	if err != nil {
		return geom.GeoJSONFeature{}, err
	}
	return geom.GeoJSONFeature{
		ID:       "camera",
		Geometry: point.AsGeometry(),
		Properties: map[string]interface{}{
			"kind": KindCamera,
			"zoom": zoom,
		},
	}, nil
}
