// Package bootstrap loads configuration and wires logging and telemetry the
// same way for every binary.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/localizer/presence/internal/config"
	"github.com/localizer/presence/internal/logging"
	intOtel "github.com/localizer/presence/internal/otel"
)

// Runtime is the ambient state of a running binary.
type Runtime struct {
	SlogManager *logging.SlogManager
	Logger      *slog.Logger
	// DBLogger is used by the database and Influx managers.
	DBLogger    zerolog.Logger
	OTel        *intOtel.Provider
	LogFile     *os.File
	LogFilePath string
	StartedAt   time.Time

	logContext atomic.Pointer[logging.ContextProvider]
}

// Start loads the config from the directory env points at, applies env
// overrides and sets up logging. A missing config file is logged and
// defaults are used.
func Start(binaryName string, env config.Env) (*Runtime, error) {
	r := &Runtime{
		SlogManager: logging.NewSlogManager(binaryName),
		StartedAt:   time.Now(),
	}
	r.SlogManager.Setup("info", logging.Outputs{})
	r.Logger = r.SlogManager.Logger()

	// load config
	if err := config.Load(env.ResolveConfigDir()); err != nil {
		r.Logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		r.Logger.Info("Loaded config")
	}
	env.Apply()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// create logs dir if it doesn't exist
	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	r.LogFilePath = logging.LogFilePath(logsDir, binaryName, r.StartedAt)
	if _, err := os.Stat(r.LogFilePath); err == nil {
		_ = os.Rename(r.LogFilePath, r.LogFilePath+".old")
	}
	logFile, err := os.OpenFile(r.LogFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		r.Logger.Error("Failed to create/open log file!", "error", err, "path", r.LogFilePath)
	} else {
		r.LogFile = logFile
	}

	// Initialize OTel provider if enabled (after log file is created)
	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		var otelWriter io.Writer
		if r.LogFile != nil {
			otelWriter = r.LogFile
		}
		r.OTel, err = intOtel.New(intOtel.Config{
			Enabled:        otelCfg.Enabled,
			ServiceName:    otelCfg.ServiceName,
			BatchTimeout:   otelCfg.BatchTimeout,
			MetricInterval: otelCfg.MetricInterval,
			LogWriter:      otelWriter,
			Endpoint:       otelCfg.Endpoint,
			Insecure:       otelCfg.Insecure,
		})
		if err != nil {
			r.Logger.Error("Failed to initialize OTel provider", "error", err)
			r.OTel = nil
		} else {
			r.Logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
		}
	}

	out := logging.Outputs{Context: r.contextAttrs}
	if r.LogFile != nil {
		out.File = r.LogFile
	}
	if r.OTel != nil {
		out.Provider = r.OTel.LoggerProvider()
	}
	if config.GetBool("graylog.enabled") {
		w, err := logging.NewGraylogWriter(config.GetString("graylog.address"))
		if err != nil {
			r.Logger.Warn("Graylog output disabled", "error", err)
		} else {
			out.Graylog = w
		}
	}

	level := config.GetString("logLevel")
	r.SlogManager.Setup(level, out)
	r.Logger = r.SlogManager.Logger()

	var zw io.Writer = os.Stderr
	if r.LogFile != nil {
		zw = r.LogFile
	}
	r.DBLogger = logging.NewZerolog(zw, level)

	r.Logger.Info("Logging to file", "path", r.LogFilePath)
	return r, nil
}

// BindLogContext adds the attributes returned by fn to every later record.
func (r *Runtime) BindLogContext(fn logging.ContextProvider) {
	r.logContext.Store(&fn)
}

func (r *Runtime) contextAttrs() []slog.Attr {
	fn := r.logContext.Load()
	if fn == nil {
		return nil
	}
	return (*fn)()
}

// Shutdown flushes telemetry and closes the log file.
func (r *Runtime) Shutdown(ctx context.Context) {
	if err := r.SlogManager.Flush(ctx); err != nil {
		r.Logger.Warn("Failed to flush logs", "error", err)
	}
	if r.OTel != nil {
		if err := r.OTel.Shutdown(ctx); err != nil {
			r.Logger.Warn("Failed to shut down OTel", "error", err)
		}
	}
	if r.LogFile != nil {
		_ = r.LogFile.Close()
	}
}
