package bnc

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/bnc/message"
)

// Logger wraps slog.Logger with bnc-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithRun adds the run id to the logger.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("run", runID),
	}
}

// WithProcess adds a process id field to the logger.
func (l *Logger) WithProcess(id message.ProcessID) *Logger {
	return &Logger{
		Logger: l.Logger.With("process", id),
	}
}

// LogTermination logs the final report of a run.
func (l *Logger) LogTermination(ctx context.Context, rep Report, err error) {
	if err != nil {
		l.ErrorContext(ctx, "run terminated",
			"reason", rep.Reason,
			"upper_bound", rep.UpperBound,
			"lower_bound", rep.LowerBound,
			"processed", rep.Stats.Tree.Processed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "run completed",
			"reason", rep.Reason,
			"upper_bound", rep.UpperBound,
			"processed", rep.Stats.Tree.Processed,
			"elapsed", rep.Stats.Elapsed,
		)
	}
}
