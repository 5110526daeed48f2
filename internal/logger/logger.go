// Package logger carries a slog-backed Logger through contexts so library code
// (algebra diagnostics, training progress) can log without owning a handler.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging interface used across taskarith.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
	Enabled(level slog.Level) bool
}

type slogLogger struct {
	*slog.Logger
}

// New wraps handler in a Logger.
func New(handler slog.Handler) Logger {
	return slogLogger{slog.New(handler)}
}

func (l slogLogger) With(args ...any) Logger { return slogLogger{l.Logger.With(args...)} }

func (l slogLogger) WithGroup(name string) Logger { return slogLogger{l.Logger.WithGroup(name)} }

// Enabled lets hot loops skip building attributes nobody will see.
func (l slogLogger) Enabled(level slog.Level) bool {
	return l.Logger.Enabled(context.Background(), level)
}

// Default logs at info level to stderr through the console handler.
func Default() Logger {
	return Console(os.Stderr, slog.LevelInfo)
}

// JSON emits one object per record, with the call site attached.
func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}))
}

// Console emits compact single-line records, colored when w is a terminal.
func Console(w io.Writer, level slog.Level) Logger {
	return New(NewConsoleHandler(w, level))
}

// Discard drops every record.
func Discard() Logger {
	return New(slog.DiscardHandler)
}

// FromFlags builds a Logger from the --log-format and --log-level flags.
func FromFlags(format, level string, w io.Writer) (Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch format {
	case "", "pretty", "console":
		return Console(w, lvl), nil
	case "json":
		return JSON(w, lvl), nil
	case "text":
		return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want pretty, json or text)", format)
	}
}

type loggerKey struct{}

// FromContext returns the Logger stored in ctx, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// ParseLevel accepts debug, info, warn (or warning) and error, in any case.
// An empty string means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
