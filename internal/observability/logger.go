// Package observability provides structured logging for dashp2p.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/konstantinmiller/dashp2p/internal/config"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
	// loggerKey is the context key for the logger.
	loggerKey contextKey = "logger"
)

// Secret is a string that is always redacted in log output.
type Secret string

// credentialPattern matches userinfo in URLs and common token query
// parameters.
var credentialPattern = regexp.MustCompile(`://[^/@\s]+:[^/@\s]+@|(?i)[?&](token|signature|sig|key|auth)=`)

var level = new(slog.LevelVar)

// NewLogger creates a new slog.Logger based on the provided configuration.
// Log output goes to stderr so that stdout can carry the media stream.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided writer.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level.Set(ParseLevel(cfg.Level))

	redact := masq.New(
		masq.WithType[Secret](),
		masq.WithFieldName("Password"),
		masq.WithFieldName("password"),
		masq.WithFieldName("dsn"),
		masq.WithRegex(credentialPattern),
	)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 {
				switch a.Key {
				case slog.TimeKey:
					if t, ok := a.Value.Any().(time.Time); ok && cfg.TimeFormat != "" {
						return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
					}
					return a
				case slog.LevelKey, slog.SourceKey, slog.MessageKey:
					return a
				}
			}
			return redact(groups, a)
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level. Unknown values map
// to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLogLevel changes the level of every logger created by this package.
func SetLogLevel(s string) {
	level.Set(ParseLevel(s))
}

// GetLogLevel returns the current level as a lowercase string.
func GetLogLevel() string {
	switch level.Level() {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// WithRequestID adds a request ID to the logger.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(slog.String("request_id", requestID))
}

// WithSession adds the playback session ID to the logger.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(slog.String("session_id", sessionID))
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// LoggerFromContext extracts a logger from the context.
// If no logger is found, returns the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// RequestIDFromContext extracts a request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// SetDefault sets the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// TimedOperationWithError logs the start and end of an operation with its
// duration. The error pointer is read when the returned function runs.
//
// Usage:
//
//	var err error
//	done := observability.TimedOperationWithError(ctx, logger, "load_manifest", &err)
//	defer done()
//	err = doSomething()
//
//nolint:gocritic // errPtr must be a pointer to capture errors set after this call
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	logger.DebugContext(ctx, "operation started", slog.String("operation", operation))

	return func() {
		duration := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed",
				slog.String("operation", operation),
				slog.Duration("duration", duration),
				slog.String("error", (*errPtr).Error()),
			)
			return
		}
		logger.InfoContext(ctx, "operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
		)
	}
}
