package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/localizer/presence/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStatus session.Status

func (f fixedStatus) Status() session.Status { return session.Status(f) }

type fixedQueue int

func (q fixedQueue) Pending() int { return int(q) }

func TestReport(t *testing.T) {
	s := NewService(Dependencies{
		Session:   fixedStatus{State: session.Active, Epoch: 3, UserID: "a", Markers: 2},
		Publisher: fixedQueue(5),
	})

	report := s.Report()
	assert.Equal(t, "active", report.State)
	assert.Equal(t, uint64(3), report.Epoch)
	assert.Equal(t, "a", report.UserID)
	assert.Equal(t, 2, report.Markers)
	assert.Equal(t, 5, report.PublisherQueue)
}

func TestWriteStatus_ReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.txt")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0644))

	s := NewService(Dependencies{
		Session:    fixedStatus{State: session.Active, UserID: "a"},
		StatusPath: path,
	})
	require.NoError(t, s.WriteStatus())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "a", decoded.UserID)
	assert.NoFileExists(t, path+".tmp")
}

func TestStartWritesStatusFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.txt")
	s := NewService(Dependencies{
		Session:    fixedStatus{State: session.Inactive},
		StatusPath: path,
		Interval:   10 * time.Millisecond,
	})

	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second start is a no-op")
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "inactive", report.State)
}

func TestStartRequiresDependencies(t *testing.T) {
	assert.Error(t, NewService(Dependencies{}).Start())
}
