package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	// CorrelationIDKey is the context key for the request correlation ID
	CorrelationIDKey contextKey = "correlation_id"
	// RequestIDKey is the context key used by the chi RequestID middleware
	RequestIDKey contextKey = "request_id"
)

// WithCorrelationID returns a logger annotated with the request's correlation ID
func WithCorrelationID(ctx context.Context, log *slog.Logger) *slog.Logger {
	correlationID := GetCorrelationID(ctx)
	if correlationID == "" {
		return log
	}
	return log.With(slog.String("correlation_id", correlationID))
}

// GetCorrelationID extracts the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok && id != "" {
		return id
	}
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return ""
}

// SetCorrelationID adds a correlation ID to the context
func SetCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}
