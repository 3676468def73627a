package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/localizer/presence/internal/bootstrap"
	"github.com/localizer/presence/internal/config"
)

// run starts the presence client and keeps it alive until a signal or a
// "quit" line on stdin. Other stdin lines drive the session lifecycle.
func run(rt *bootstrap.Runtime) error {
	a, err := newApp(rt)
	if err != nil {
		return err
	}
	defer a.close()

	cfg := config.GetSessionConfig()
	a.gate.SetPermission(cfg.PermissionGranted)
	a.gate.SetForeground(true)
	a.gate.SetUser(cfg.UserID)
	rt.Logger.Info("Presence client started",
		"state", a.gate.State().String(),
		"user", cfg.UserID,
		"geojson", cfg.GeoJSONPath,
	)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case sig := <-sigs:
			rt.Logger.Info("Shutting down", "signal", sig.String())
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed, keep running until signalled
				lines = nil
				continue
			}
			err := applyControl(line, a.gate, a.tracking.Store)
			if errors.Is(err, errQuit) {
				rt.Logger.Info("Shutting down", "reason", "quit")
				return nil
			}
			if err != nil {
				fmt.Println(err)
				continue
			}
			st := a.gate.Status()
			fmt.Printf("state=%s epoch=%d user=%q markers=%d\n", st.State, st.Epoch, st.UserID, st.Markers)
		}
	}
}
