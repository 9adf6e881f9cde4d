// Package logging owns logger construction. All components log through
// log/slog; the CLI installs a tint handler for terminal output, while
// embedding hosts can install any slog.Handler they route to telemetry.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

var defaultLogger atomic.Pointer[slog.Logger]

func init() {
	defaultLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

// Default returns the process-wide logger.
func Default() *slog.Logger {
	return defaultLogger.Load()
}

// SetDefault replaces the process-wide logger.
func SetDefault(logger *slog.Logger) {
	if logger != nil {
		defaultLogger.Store(logger)
	}
}

// Disable routes all logging to io.Discard (used by CLI quiet mode).
func Disable() {
	defaultLogger.Store(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// SetupTerminal installs a colorized terminal handler at the given level.
func SetupTerminal(level slog.Level) *slog.Logger {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	defaultLogger.Store(logger)
	return logger
}
