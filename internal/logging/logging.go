package logging

import (
	"fmt"
	"path/filepath"
	"time"
)

// Logger is the structured logging surface shared by *slog.Logger and
// ZerologAdapter.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// LogFilePath builds a log file path using OS-appropriate path separators.
func LogFilePath(logsDir, program string, sessionStart time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", program, sessionStart.Format("20060102_150405")),
	)
}
