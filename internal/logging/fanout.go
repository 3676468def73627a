package logging

import (
	"context"
	"errors"
	"log/slog"
)

// ContextProvider returns attributes that change over the process lifetime,
// such as the current session epoch.
type ContextProvider func() []slog.Attr

// Fanout hands every record to each sink enabled for its level, after adding
// the attributes of an optional ContextProvider.
type Fanout struct {
	sinks   []slog.Handler
	dynamic ContextProvider
}

// NewFanout builds a Fanout over the non-nil sinks. dynamic may be nil.
func NewFanout(dynamic ContextProvider, sinks ...slog.Handler) *Fanout {
	f := &Fanout{dynamic: dynamic}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range f.sinks {
		if s.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle writes to every sink. A failing sink (an unreachable Graylog, a
// full disk) does not keep the record from the others.
func (f *Fanout) Handle(ctx context.Context, r slog.Record) error {
	if f.dynamic != nil {
		if attrs := f.dynamic(); len(attrs) > 0 {
			r = r.Clone()
			r.AddAttrs(attrs...)
		}
	}
	var errs []error
	for _, s := range f.sinks {
		if !s.Enabled(ctx, r.Level) {
			continue
		}
		if err := s.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(s slog.Handler) slog.Handler { return s.WithAttrs(attrs) })
}

func (f *Fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	return f.derive(func(s slog.Handler) slog.Handler { return s.WithGroup(name) })
}

func (f *Fanout) derive(fn func(slog.Handler) slog.Handler) *Fanout {
	sinks := make([]slog.Handler, len(f.sinks))
	for i, s := range f.sinks {
		sinks[i] = fn(s)
	}
	return &Fanout{sinks: sinks, dynamic: f.dynamic}
}
