// internal/storage/factory/factory.go
package factory

import (
	"fmt"
	"log/slog"

	"github.com/rs/zerolog"

	"github.com/localizer/presence/internal/config"
	"github.com/localizer/presence/internal/database"
	"github.com/localizer/presence/internal/notify"
	"github.com/localizer/presence/internal/storage"
	gormstorage "github.com/localizer/presence/internal/storage/gorm"
	"github.com/localizer/presence/internal/storage/memory"
	redisstorage "github.com/localizer/presence/internal/storage/redis"
	"github.com/localizer/presence/internal/storage/websocket"
)

// closer wraps a gorm backend so Close also releases the database.
type closer struct {
	*gormstorage.Backend
	db *database.DB
}

func (c closer) Close() error {
	err := c.Backend.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

// NewBackend creates a storage backend based on configuration.
// The backend is not initialized.
func NewBackend(cfg config.StoreConfig, logger *slog.Logger, dbLog zerolog.Logger) (storage.Backend, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(cfg.Memory), nil
	case "sqlite", "postgres", "mysql":
		db, err := database.Open(cfg, dbLog)
		if err != nil {
			return nil, err
		}
		deps := gormstorage.Dependencies{
			DB:           db.Gorm,
			Logger:       logger,
			PollInterval: db.PollInterval(cfg),
		}
		if cfg.Notify.NATSURL != "" {
			n, err := notify.NewNATS(notify.Config{
				URL:     cfg.Notify.NATSURL,
				Subject: cfg.Notify.Subject,
				Name:    "localizer-" + cfg.Type,
				Logger:  logger,
			})
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			deps.Notifier = n
		}
		return closer{
			Backend: gormstorage.New(deps),
			db:      db,
		}, nil
	case "redis":
		return redisstorage.New(redisstorage.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Prefix:   cfg.Redis.Prefix,
			Logger:   logger,
		}), nil
	case "websocket":
		return websocket.New(websocket.Config{
			URL:     cfg.WebSocket.URL,
			Secret:  cfg.WebSocket.Secret,
			Subject: cfg.WebSocket.Subject,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
