package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the process-wide structured logger. Components derive
// their own child logger from it with NewLogger.
var Logger *slog.Logger

var level = new(slog.LevelVar)

func init() {
	Logger = newJSONLogger(os.Stdout)
}

func newJSONLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewLogger creates a new logger tagged with the given component name.
func NewLogger(name string) *slog.Logger {
	return Logger.With("component", name)
}

// SetLevel changes the minimum level for every logger, including children
// that were created before the call.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel maps a textual level to an slog.Level. Unknown values fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetOutput redirects the process logger. Loggers created earlier with
// NewLogger keep writing to the previous destination.
func SetOutput(w io.Writer) {
	Logger = newJSONLogger(w)
}
