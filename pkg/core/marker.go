// pkg/core/marker.go
package core

import "image"

// IconHandle is the icon attached to a marker. Resolved is false while the
// marker still shows the default avatar.
type IconHandle struct {
	Image    image.Image
	Resolved bool
}

// DefaultIcon is the placeholder every new marker is rendered with.
var DefaultIcon = IconHandle{}

// MarkerState is the last rendered state of one peer marker.
// Instance changes every time the marker is created, so late icon results for
// an earlier incarnation can be told apart.
type MarkerState struct {
	Coordinate Position
	Icon       IconHandle
	Title      string
	Instance   uint64
}
