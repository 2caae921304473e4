// Package logging builds the process-wide structured logger. Output goes to
// stdout/stderr or to a size-rotated file handled by lumberjack.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dskow/resilience-core/internal/config"
)

// New returns a JSON slog logger per the logging config and a closer for
// the underlying writer (a no-op closer for stdout/stderr).
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var w io.Writer
	var closer io.Closer = nopCloser{}

	switch cfg.Output {
	case "stdout", "":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		rotated := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = rotated
		closer = rotated
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})
	return slog.New(handler), closer
}

func parseLevel(level string) slog.Level {
	switch level {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
