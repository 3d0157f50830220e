// Package slogger provides structured logging for the server. Logs are
// written to stderr because stdout carries the JSON-RPC stream.
package slogger

import (
	"context"
	"strings"
)

// DefaultLogger is used when no logger is configured.
var DefaultLogger = NewDevNullLogger()

// Logger is the logging interface used throughout the server. It supports
// structured key-value logging and is compatible with slog-style APIs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// With returns a Logger with the given key-value pairs added to the context
	With(keysAndValues ...any) Logger
}

type contextKey string

const loggerKey contextKey = "codexd.logger"

// WithLogger returns a new context with the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Ctx returns the logger from the given context, or the default.
func Ctx(ctx context.Context) Logger {
	if ctx == nil {
		return DefaultLogger
	}
	logger, ok := ctx.Value(loggerKey).(Logger)
	if !ok {
		return DefaultLogger
	}
	return logger
}

// LevelFromString converts a string to a LogLevel.
func LevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return DefaultLogLevel
	}
}
