package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFilePath(t *testing.T) {
	sessionStart := time.Date(2026, 2, 12, 21, 38, 36, 0, time.UTC)

	got := LogFilePath("./logs", "localizer", sessionStart)

	assert.Equal(t, filepath.Join("logs", "localizer.20260212_213836.log"), got)
}

func TestStatusFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("logs", "status.txt"), StatusFilePath("logs"))
}

func TestSetup_FileOnly_NoStdout(t *testing.T) {
	var stdout bytes.Buffer
	orig := osStdout
	osStdout = &stdout
	t.Cleanup(func() { osStdout = orig })

	var fileBuf bytes.Buffer
	m := NewSlogManager("localizer")
	m.Setup("info", Outputs{File: &fileBuf})
	m.Logger().Info("hello file")

	assert.Contains(t, fileBuf.String(), "hello file")
	assert.Contains(t, fileBuf.String(), "service=localizer")
	assert.Empty(t, stdout.String())
}

func TestSetup_NoFile_WritesToStdout(t *testing.T) {
	var stdout bytes.Buffer
	orig := osStdout
	osStdout = &stdout
	t.Cleanup(func() { osStdout = orig })

	m := NewSlogManager("localizer")
	m.Setup("info", Outputs{})
	m.Logger().Info("hello console")

	assert.Contains(t, stdout.String(), "hello console")
}

func TestSetup_InfoLevel_FiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager("localizer")
	m.Setup("info", Outputs{File: &buf})

	m.Logger().Debug("debug msg")
	m.Logger().Info("info msg")

	assert.NotContains(t, buf.String(), "debug msg")
	assert.Contains(t, buf.String(), "info msg")
}

func TestSetup_GraylogReceivesJSON(t *testing.T) {
	var file, gelf bytes.Buffer
	m := NewSlogManager("localizer")
	m.Setup("debug", Outputs{File: &file, Graylog: &gelf})

	gelf.Reset()
	m.Logger().Warn("store write failed", "userId", "u1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(gelf.Bytes(), &entry))
	assert.Equal(t, "store write failed", entry["msg"])
	assert.Equal(t, "u1", entry["userId"])
}

func TestSetup_ContextProviderAddsAttrs(t *testing.T) {
	var buf bytes.Buffer
	epoch := 3
	m := NewSlogManager("localizer")
	m.Setup("info", Outputs{File: &buf, Context: func() []slog.Attr {
		return []slog.Attr{slog.Int("epoch", epoch)}
	}})

	m.Logger().Info("snapshot applied")
	assert.Contains(t, buf.String(), "epoch=3")

	epoch = 4
	m.Logger().Info("snapshot applied")
	assert.Contains(t, buf.String(), "epoch=4")
}

func TestComponent_TagsRecords(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager("localizer")
	m.Setup("info", Outputs{File: &buf})

	m.Component("reconciler").Info("x")
	assert.Contains(t, buf.String(), "component=reconciler")
}

func TestLogger_DefaultBeforeSetup(t *testing.T) {
	m := NewSlogManager("localizer")
	assert.Equal(t, slog.Default(), m.Logger())
}

func TestFlush_NilProvider(t *testing.T) {
	m := NewSlogManager("localizer")
	assert.NoError(t, m.Flush(context.Background()))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("INFO"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("Error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("sink down") }

func TestFanout_WritesPastFailures(t *testing.T) {
	var buf bytes.Buffer
	good := slog.NewTextHandler(&buf, nil)
	bad := failingHandler{slog.NewTextHandler(io.Discard, nil)}

	h := NewFanout(nil, bad, nil, good)
	assert.Equal(t, 2, h.Len())

	err := slog.New(h).Handler().Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "fan out", 0))
	assert.Error(t, err)
	assert.Contains(t, buf.String(), "fan out")
}

func TestFanout_Enabled(t *testing.T) {
	debug := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	errOnly := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})

	assert.True(t, NewFanout(nil, errOnly, debug).Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, NewFanout(nil, errOnly).Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, NewFanout(nil).Enabled(context.Background(), slog.LevelError))
}

func TestFanout_DynamicAttrsSurviveWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	user := "u1"
	f := NewFanout(func() []slog.Attr { return []slog.Attr{slog.String("user", user)} },
		slog.NewTextHandler(&buf, nil))

	logger := slog.New(f).With("component", "session").WithGroup("g")
	logger.Info("signed in")
	assert.Contains(t, buf.String(), "component=session")
	assert.Contains(t, buf.String(), "g.user=u1")
}
