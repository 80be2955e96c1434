// Package log provides the structured logging interface used by the
// fine-tuning pipeline.
//
// The interface is slog-compatible so that the trainer, data loader and CLI
// can log through log/slog in production and through TestLogger in tests.
//
// Example usage:
//
//	logger := log.GetLogger().With(
//	    log.ComponentKey, "trainer",
//	    log.DatasetKey, "flowers102",
//	)
//	logger.Info("Epoch finished",
//	    log.EpochKey, 3,
//	    log.TrainLossKey, 0.41,
//	    log.ValidAccuracyKey, 0.88,
//	)
package log

import (
	"context"
)

// Logger defines a structured logging interface compatible with Go's log/slog.
//
// Fields are alternating key/value pairs. Error accepts an error value as its
// first field; it is attached under ErrAttrKey so that the stacktrace handler
// can expand it.
type Logger interface {
	// Debug logs a debug-level message, e.g. per-batch progress.
	Debug(msg string, fields ...any)

	// Info logs an info-level message, e.g. per-epoch summaries.
	Info(msg string, fields ...any)

	// Warn logs a warning-level message.
	Warn(msg string, fields ...any)

	// Error logs an error-level message.
	//
	//	logger.Error("Checkpoint failed", err, log.EpochKey, 4)
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits log records at the given level.
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LoggerProvider hands out loggers, optionally scoped to a component name.
type LoggerProvider interface {
	GetLogger() Logger
	GetLoggerWithName(name string) Logger
	SetLevel(level Level)
}
