// Package logger provides structured JSON logging for the sync core.
// Component loggers carry a stable "component" attribute so channel and
// store activity can be filtered in aggregation.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New returns the root logger. JSON output when LOG_JSON=1, text otherwise.
// level accepts debug|info|warn|error (case-insensitive); anything else
// falls back to info.
func New(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if os.Getenv("LOG_JSON") == "1" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Component returns a child logger tagged with a component name
// (e.g. "realtime.decisions", "store").
func Component(log *slog.Logger, name string) *slog.Logger {
	return log.With("component", name)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
