// Package dispatcher routes named events to handlers. A route either runs its
// handler on the caller's goroutine or hands the event to a lane: a bounded
// queue drained in order by one worker.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher closed")
	// ErrUnknownCommand is returned for events no route was registered for.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrQueueFull is returned when a non-blocking lane has no room.
	ErrQueueFull = errors.New("queue full")
)

// Queued is the result of a dispatch accepted by a lane.
const Queued = "queued"

// Event is one unit of work routed by command name, such as a position
// write from the publisher or a request frame received by the hub.
type Event struct {
	Command   string
	Payload   any
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger interface for pluggable logging. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures a route.
type Option func(*routeOptions)

type routeOptions struct {
	queue    int
	blocking bool
	logged   bool
}

// Buffered gives the route a lane of the given capacity. Events of one
// command are handled in order by a single goroutine.
func Buffered(size int) Option {
	return func(o *routeOptions) { o.queue = size }
}

// Blocking makes a full lane wait for room instead of dropping.
func Blocking() Option {
	return func(o *routeOptions) { o.blocking = true }
}

// Logged wraps the handler with debug logging.
func Logged() Option {
	return func(o *routeOptions) { o.logged = true }
}

type route struct {
	command string
	attrs   metric.MeasurementOption
	handle  HandlerFunc
	lane    *lane
}

type lane struct {
	events   chan Event
	blocking bool
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	logger Logger
	inst   *instruments

	// routes is written only during registration. mu guards the lanes
	// against Close: Dispatch holds the read lock while enqueueing.
	routes  map[string]*route
	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup
}

// New creates a Dispatcher reporting to the global OTel meter. A nil logger
// disables Logged output.
func New(logger Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	d := &Dispatcher{
		logger: logger,
		routes: make(map[string]*route),
	}
	inst, err := newInstruments(meter(), d.observeLanes)
	if err != nil {
		return nil, err
	}
	d.inst = inst
	return d, nil
}

// Register adds the route for command. Routes must be registered before
// events are dispatched.
func (d *Dispatcher) Register(command string, h HandlerFunc, opts ...Option) {
	var o routeOptions
	for _, opt := range opts {
		opt(&o)
	}

	r := &route{
		command: command,
		attrs:   metric.WithAttributes(attribute.String("command", command)),
		handle:  h,
	}
	if o.logged {
		r.handle = d.logged(command, h)
	}
	if o.queue > 0 {
		r.lane = &lane{events: make(chan Event, o.queue), blocking: o.blocking}
		d.workers.Add(1)
		go d.drain(r)
	}

	d.mu.Lock()
	d.routes[command] = r
	d.mu.Unlock()
}

// Dispatch stamps the event and hands it to its route. Buffered routes return
// Queued once the event is in the lane.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	d.mu.RLock()
	r, ok := d.routes[e.Command]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, e.Command)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if r.lane == nil {
		return r.handle(e)
	}
	return d.enqueue(r, e)
}

// HasHandler reports whether command has a route.
func (d *Dispatcher) HasHandler(command string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.routes[command]
	return ok
}

// QueueLen returns the number of events waiting in the lane of command.
func (d *Dispatcher) QueueLen(command string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.routes[command]; ok && r.lane != nil {
		return len(r.lane.events)
	}
	return 0
}

// Close stops accepting events and waits until every queued event was handled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, r := range d.routes {
		if r.lane != nil {
			close(r.lane.events)
		}
	}
	d.mu.Unlock()

	d.workers.Wait()
}

func (d *Dispatcher) enqueue(r *route, e Event) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	if r.lane.blocking {
		r.lane.events <- e
		return Queued, nil
	}
	select {
	case r.lane.events <- e:
		return Queued, nil
	default:
		d.inst.dropped.Add(context.Background(), 1, r.attrs)
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, r.command)
	}
}

func (d *Dispatcher) drain(r *route) {
	defer d.workers.Done()
	ctx := context.Background()
	for e := range r.lane.events {
		if _, err := r.handle(e); err != nil {
			d.inst.failed.Add(ctx, 1, r.attrs)
		}
		d.inst.processed.Add(ctx, 1, r.attrs)
	}
}

func (d *Dispatcher) observeLanes(observe func(command string, depth int)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for cmd, r := range d.routes {
		if r.lane != nil {
			observe(cmd, len(r.lane.events))
		}
	}
}

func (d *Dispatcher) logged(command string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("handling event", "command", command, "queuedFor", start.Sub(e.Timestamp))

		result, err := h(e)
		if err != nil {
			d.logger.Error("event failed", "command", command, "duration", time.Since(start), "error", err)
			return result, err
		}
		d.logger.Debug("event complete", "command", command, "duration", time.Since(start))
		return result, nil
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
