package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// stdout is swapped by tests.
var osStdout io.Writer = os.Stdout

// Outputs lists the sinks a SlogManager writes to. Nil fields are skipped.
type Outputs struct {
	// File receives text records. When nil, records go to stdout instead.
	File io.Writer
	// Graylog receives JSON records, typically a GELF writer.
	Graylog io.Writer
	// Provider enables the OTel log bridge.
	Provider *sdklog.LoggerProvider
	// Context adds attributes computed at log time to every record.
	Context ContextProvider
}

// SlogManager owns the process logger. Setup may be called again once the
// configuration is known; earlier loggers keep their old sinks.
type SlogManager struct {
	service  string
	logger   *slog.Logger
	provider *sdklog.LoggerProvider
}

func NewSlogManager(serviceName string) *SlogManager {
	return &SlogManager{service: serviceName}
}

var levels = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

// parseLevel falls back to info for unknown names.
func parseLevel(level string) slog.Level {
	if lvl, ok := levels[strings.ToUpper(level)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

func utcTimestamps(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.TimeKey {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
	}
	return a
}

func (m *SlogManager) sinks(out Outputs, opts *slog.HandlerOptions) []slog.Handler {
	text := out.File
	if text == nil {
		text = osStdout
	}
	sinks := []slog.Handler{slog.NewTextHandler(text, opts)}
	if out.Graylog != nil {
		sinks = append(sinks, slog.NewJSONHandler(out.Graylog, opts))
	}
	if out.Provider != nil {
		sinks = append(sinks, otelslog.NewHandler(m.service, otelslog.WithLoggerProvider(out.Provider)))
	}
	return sinks
}

// Setup (re)builds the logger for level and out.
func (m *SlogManager) Setup(level string, out Outputs) {
	opts := &slog.HandlerOptions{Level: parseLevel(level), ReplaceAttr: utcTimestamps}
	m.provider = out.Provider
	m.logger = slog.New(NewFanout(out.Context, m.sinks(out, opts)...)).With("service", m.service)
	m.logger.Info("Logging initialized", "level", level)
}

// Logger returns slog.Default until Setup ran.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Component returns a child logger tagged with the component name.
func (m *SlogManager) Component(name string) *slog.Logger {
	return m.Logger().With("component", name)
}

// Flush forces pending OTel records out.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.ForceFlush(ctx)
}
