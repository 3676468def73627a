package logging

import (
	"fmt"
	"path/filepath"
	"time"
)

// LogFilePath builds a log file path using OS-appropriate path separators.
func LogFilePath(logsDir, binaryName string, sessionStart time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", binaryName, sessionStart.Format("20060102_150405")),
	)
}

// StatusFilePath is where the status monitor keeps its latest report.
func StatusFilePath(logsDir string) string {
	return filepath.Join(logsDir, "status.txt")
}
