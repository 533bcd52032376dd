package logging

import (
	"fmt"
	"path/filepath"
	"time"
)

// LogFilePath builds the per-run log file path, e.g.
// <logsDir>/livesync.follow.20260212_213836.log.
func LogFilePath(logsDir, appName, command string, start time.Time) string {
	name := appName
	if command != "" {
		name += "." + command
	}
	return filepath.Join(logsDir, fmt.Sprintf("%s.%s.log", name, start.Format("20060102_150405")))
}
