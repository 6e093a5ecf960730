// Package logger configures the process-wide structured logger.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

var level = new(slog.LevelVar)

// New returns a text slog.Logger writing to stderr at the named level
// (debug, info, warn, error). Unknown names fall back to info.
func New(levelName string) *slog.Logger {
	level.Set(parseLevel(levelName))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// SetLevel changes the level of loggers created by New at runtime.
func SetLevel(levelName string) {
	level.Set(parseLevel(levelName))
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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
