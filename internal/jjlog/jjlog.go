// Package jjlog wires structured logging at the composition root: a
// log/slog handler backed by a rotating gopkg.in/natefinch/lumberjack.v2
// writer. The core engine packages (backend, refs, oplog, rewrite,
// gitadapter, remote) never log (spec.md §7), and no package in this
// module imports jjlog.
package jjlog

import (
	"context"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the rotating log file.
type Options struct {
	// Path is the log file path. When empty, lumberjack writes to
	// <processname>-lumberjack.log in os.TempDir().
	Path string

	// MaxSizeMB is the size in megabytes a log file reaches before it is
	// rotated. Zero uses lumberjack's default (100 MB).
	MaxSizeMB int

	// MaxBackups is the number of rotated files to retain. Zero keeps all.
	MaxBackups int

	// MaxAgeDays is the number of days to retain rotated files. Zero keeps
	// them indefinitely.
	MaxAgeDays int

	// Level sets the minimum record level logged.
	Level slog.Level
}

// New builds a slog.Logger writing JSON records to a rotating file at
// opts.Path. The returned *lumberjack.Logger is also returned so callers
// can Close it (flush + release the file handle) on shutdown.
func New(opts Options) (*slog.Logger, *lumberjack.Logger) {
	rotator := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: opts.Level})
	return slog.New(handler), rotator
}

// contextKey avoids collisions with other packages' context keys.
type contextKey struct{}

// WithLogger returns a context carrying logger, retrievable with
// FromContext, so a per-operation logger can travel with a context instead
// of being passed as a function parameter.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger attached by WithLogger, or slog.Default()
// if none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
