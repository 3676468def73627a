package dispatcher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/localizer/presence/internal/dispatcher"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

type instruments struct {
	processed metric.Int64Counter
	failed    metric.Int64Counter
	dropped   metric.Int64Counter
}

// newInstruments creates the dispatcher counters and a lane depth gauge fed
// by lanes on every collection.
func newInstruments(m metric.Meter, lanes func(observe func(string, int))) (*instruments, error) {
	var (
		inst instruments
		err  error
	)
	if inst.processed, err = m.Int64Counter("dispatcher.events.processed",
		metric.WithDescription("Total events handled by lane workers")); err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}
	if inst.failed, err = m.Int64Counter("dispatcher.events.failed",
		metric.WithDescription("Total queued events whose handler returned an error")); err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}
	if inst.dropped, err = m.Int64Counter("dispatcher.events.dropped",
		metric.WithDescription("Total events dropped due to full queue")); err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	depth, err := m.Int64ObservableGauge("dispatcher.queue.size",
		metric.WithDescription("Current number of events in queue"))
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}
	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		lanes(func(cmd string, n int) {
			o.ObserveInt64(depth, int64(n), metric.WithAttributes(attribute.String("command", cmd)))
		})
		return nil
	}, depth)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}
	return &inst, nil
}
