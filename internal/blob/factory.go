package blob

import (
	"fmt"

	"github.com/localizer/presence/internal/config"
)

// New creates the blob store selected by cfg.Type.
func New(cfg config.BlobConfig) (Store, error) {
	switch cfg.Type {
	case "fs":
		return NewFSStore(cfg.Dir)
	case "http":
		return NewHTTPStore(cfg.URL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown blob type: %s", cfg.Type)
	}
}
