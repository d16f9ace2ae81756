package lib

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogging configures the default slog logger with the given level and format.
// format can be "text" or "json"; level can be "debug", "info", "warn" or "error".
func SetupLogging(level, format string) {
	SetupLoggingWriter(os.Stderr, level, format)
}

// SetupLoggingWriter configures the default slog logger writing to w.
func SetupLoggingWriter(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
