package colstore

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/colstore/model"
)

// Logger wraps slog.Logger with colstore-specific context.
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

// WithTxn adds the transaction id to the logger.
func (l *Logger) WithTxn(id model.TxnID) *Logger {
	return &Logger{
		Logger: l.Logger.With("txn", id),
	}
}

// WithTable adds database and table fields to the logger.
func (l *Logger) WithTable(db, table string) *Logger {
	return &Logger{
		Logger: l.Logger.With("db", db, "table", table),
	}
}

// LogCommit logs the outcome of a commit.
func (l *Logger) LogCommit(ctx context.Context, id model.TxnID, commitTS model.TxnTimeStamp, err error) {
	if err != nil {
		l.WarnContext(ctx, "commit failed",
			"txn", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "commit completed",
			"txn", id,
			"commit_ts", commitTS,
		)
	}
}

// LogRollback logs a rollback.
func (l *Logger) LogRollback(ctx context.Context, id model.TxnID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rollback failed",
			"txn", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "rollback completed",
			"txn", id,
		)
	}
}

// LogCheckpoint logs a checkpoint.
func (l *Logger) LogCheckpoint(ctx context.Context, id uint64, commitTS model.TxnTimeStamp, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"commit_ts", commitTS,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "checkpoint saved",
			"version", id,
			"commit_ts", commitTS,
			"duration", duration,
		)
	}
}

// LogRecovery logs a delta log recovery.
func (l *Logger) LogRecovery(ctx context.Context, entriesReplayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "WAL recovery failed",
			"entries_replayed", entriesReplayed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "WAL recovery completed",
			"entries_replayed", entriesReplayed,
		)
	}
}
