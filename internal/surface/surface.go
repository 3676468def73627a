// Package surface holds the map rendering collaborators the reconciler drives.
package surface

import "github.com/localizer/presence/pkg/core"

// Surface renders peer markers and controls the camera. Implementations
// must be safe for concurrent use.
type Surface interface {
	ClearAll()
	Upsert(id string, coord core.Position, title string, icon core.IconHandle)
	Remove(id string)
	CenterCamera(coord core.Position, zoom float64)
}

// Op names a surface command.
type Op string

const (
	OpClearAll     Op = "clearAll"
	OpUpsert       Op = "upsert"
	OpRemove       Op = "remove"
	OpCenterCamera Op = "centerCamera"
)
