package logging

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// NewZerolog builds the zerolog logger used by the database and Influx managers.
func NewZerolog(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// KVLogger exposes a zerolog.Logger through the key/value logging interface
// of the dispatcher. A dangling key without a value is dropped.
type KVLogger struct {
	zl zerolog.Logger
}

// NewKVLogger wraps zl.
func NewKVLogger(zl zerolog.Logger) KVLogger {
	return KVLogger{zl: zl}
}

func (l KVLogger) Debug(msg string, kv ...any) { l.emit(l.zl.Debug(), msg, kv) }
func (l KVLogger) Info(msg string, kv ...any)  { l.emit(l.zl.Info(), msg, kv) }
func (l KVLogger) Error(msg string, kv ...any) { l.emit(l.zl.Error(), msg, kv) }

func (KVLogger) emit(e *zerolog.Event, msg string, kv []any) {
	if e == nil {
		return
	}
	if len(kv)%2 == 1 {
		kv = kv[:len(kv)-1]
	}
	e.Fields(kv).Msg(msg)
}
