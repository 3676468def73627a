package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/localizer/presence/internal/blob"
	"github.com/localizer/presence/internal/bootstrap"
	"github.com/localizer/presence/internal/cache"
	"github.com/localizer/presence/internal/config"
	"github.com/localizer/presence/internal/dispatcher"
	"github.com/localizer/presence/internal/icon"
	"github.com/localizer/presence/internal/influx"
	"github.com/localizer/presence/internal/logging"
	"github.com/localizer/presence/internal/monitor"
	"github.com/localizer/presence/internal/publisher"
	"github.com/localizer/presence/internal/sampler"
	"github.com/localizer/presence/internal/session"
	"github.com/localizer/presence/internal/storage"
	"github.com/localizer/presence/internal/storage/factory"
	"github.com/localizer/presence/internal/surface"
	"github.com/localizer/presence/pkg/core"
)

// app owns every long-lived component of the presence client.
type app struct {
	rt *bootstrap.Runtime

	store     storage.Backend
	blobs     blob.Store
	icons     *icon.Resolver
	events    *dispatcher.Dispatcher
	influx    *influx.History
	publisher *publisher.Publisher
	sampler   *sampler.Sampler
	surface   *surface.GeoJSON
	gate      *session.Gate
	monitor   *monitor.Service

	tracking atomic.Bool
}

func defaultPosition() core.Position {
	cfg := config.GetSessionConfig()
	return core.Position{Lat: cfg.DefaultLat, Long: cfg.DefaultLong}
}

// openStore creates and initializes the configured presence store.
func openStore(rt *bootstrap.Runtime) (storage.Backend, error) {
	cfg := config.GetStoreConfig()
	rt.Logger.Info("Initializing storage...", "type", cfg.Type)
	store, err := factory.NewBackend(cfg, rt.SlogManager.Component("storage"), rt.DBLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	return store, nil
}

func newApp(rt *bootstrap.Runtime) (*app, error) {
	a := &app{rt: rt}
	sessionCfg := config.GetSessionConfig()
	a.tracking.Store(sessionCfg.TrackingEnabled)

	var err error
	if a.store, err = openStore(rt); err != nil {
		return nil, err
	}

	if a.blobs, err = blob.New(config.GetBlobConfig()); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	iconCfg := config.GetIconConfig()
	a.icons, err = icon.New(icon.Dependencies{
		Blobs:   a.blobs,
		Cache:   cache.NewIconCache(),
		Logger:  rt.SlogManager.Component("icon"),
		Width:   iconCfg.Width,
		Height:  iconCfg.Height,
		Workers: iconCfg.Workers,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.events, err = dispatcher.New(logging.NewKVLogger(rt.DBLogger))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	var sink publisher.PositionSink
	if influxCfg := config.GetInfluxConfig(); influxCfg.Enabled {
		backup := filepath.Join(config.GetString("logsDir"),
			fmt.Sprintf("positions.%s.lp.gz", rt.StartedAt.Format("20060102_150405")))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		h, err := influx.Open(ctx, influxCfg, rt.DBLogger, backup)
		cancel()
		if err != nil {
			rt.Logger.Warn("Position history disabled", "error", err)
		} else {
			a.influx = h
			sink = h
		}
	}

	a.publisher, err = publisher.New(publisher.Dependencies{
		Store:      a.store,
		Dispatcher: a.events,
		Logger:     rt.SlogManager.Component("publisher"),
		Tracking:   a.tracking.Load,
		UserID:     a.userID,
		Sink:       sink,
		QueueSize:  sessionCfg.PublisherQueue,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	samplerCfg := config.GetSamplerConfig()
	provider, err := sampler.NewProvider(samplerCfg, defaultPosition())
	if err != nil {
		a.close()
		return nil, err
	}
	a.sampler = sampler.New(provider)

	if a.surface, err = surface.NewGeoJSON(sessionCfg.GeoJSONPath, rt.SlogManager.Component("surface")); err != nil {
		a.close()
		return nil, err
	}

	a.gate, err = session.New(session.Dependencies{
		Store:      a.store,
		Sampler:    a.sampler,
		Publisher:  a.publisher,
		Surface:    a.surface,
		Icons:      a.icons,
		Logger:     rt.SlogManager.Component("session"),
		Interval:   samplerCfg.Interval,
		CameraZoom: sessionCfg.CameraZoom,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	rt.BindLogContext(a.gate.LogAttrs)

	a.monitor = monitor.NewService(monitor.Dependencies{
		Session:    a.gate,
		Publisher:  a.publisher,
		Logger:     rt.SlogManager.Component("monitor"),
		StatusPath: logging.StatusFilePath(config.GetString("logsDir")),
	})
	if err := a.monitor.Start(); err != nil {
		rt.Logger.Warn("Status monitor not started", "error", err)
	}
	return a, nil
}

// userID is read by the publisher on every sample.
func (a *app) userID() string {
	if a.gate == nil {
		return ""
	}
	return a.gate.UserID()
}

// close tears components down in reverse order of creation. It tolerates a
// partially built app.
func (a *app) close() {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.gate != nil {
		a.gate.Close()
	}
	if a.events != nil {
		a.events.Close()
	}
	if a.influx != nil {
		if err := a.influx.Close(); err != nil {
			a.rt.Logger.Warn("Failed to close InfluxDB", "error", err)
		}
	}
	if a.icons != nil {
		a.icons.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.rt.Logger.Warn("Failed to close storage", "error", err)
		}
	}
}
