package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/localizer/presence/internal/blob"
	"github.com/localizer/presence/internal/bootstrap"
	"github.com/localizer/presence/internal/config"
	"github.com/localizer/presence/internal/hub"
	"github.com/localizer/presence/internal/storage/factory"
)

const binaryName = "presence-hub"

func main() {
	os.Exit(realMain())
}

func realMain() int {
	env, err := config.ParseEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	rt, err := bootstrap.Start(binaryName, env)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	}()

	if err := serve(rt); err != nil {
		rt.Logger.Error("Hub stopped", "error", err)
		return 1
	}
	return 0
}

// newMux mounts the presence protocol at /presence and the avatar store at
// /blobs/.
func newMux(h http.Handler, blobs http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/presence", h)
	mux.Handle("/blobs/", http.StripPrefix("/blobs", blobs))
	return mux
}

func serve(rt *bootstrap.Runtime) error {
	cfg := config.GetStoreConfig()
	if cfg.Type == "websocket" {
		return errors.New("the hub cannot use another hub as its store")
	}
	rt.Logger.Info("Initializing storage...", "type", cfg.Type)
	store, err := factory.NewBackend(cfg, rt.SlogManager.Component("storage"), rt.DBLogger)
	if err != nil {
		return fmt.Errorf("failed to create storage backend: %w", err)
	}
	if err := store.Init(); err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			rt.Logger.Warn("Failed to close storage", "error", err)
		}
	}()

	h, err := hub.New(store, config.GetString("store.websocket.secret"), rt.SlogManager.Component("hub"))
	if err != nil {
		return err
	}
	defer h.Close()

	blobCfg := config.GetBlobConfig()
	blobs, err := blob.NewFSStore(blobCfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to open blob directory: %w", err)
	}

	srv := &http.Server{
		Addr:              config.GetString("hub.listen"),
		Handler:           newMux(h, blob.NewHandler(blobs, blobCfg.APIKey, rt.SlogManager.Component("blob"))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.Logger.Info("Hub listening", "addr", srv.Addr, slog.String("blobDir", blobCfg.Dir))
		errCh <- srv.ListenAndServe()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigs:
		rt.Logger.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// websocket connections are hijacked, so Shutdown does not wait for them
	h.Close()
	return srv.Shutdown(ctx)
}
