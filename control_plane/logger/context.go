package logger

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	clientKey    contextKey = "client"
	loggerKey    contextKey = "logger"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithClient adds the settings client name to the context
func WithClient(ctx context.Context, clientName string) context.Context {
	return context.WithValue(ctx, clientKey, clientName)
}

// WithLogger stores a prepared logger in the context
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext extracts a logger carrying the context's request fields
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return Logger
	}
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		return l
	}

	var fields []zap.Field
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if name, ok := ctx.Value(clientKey).(string); ok && name != "" {
		fields = append(fields, zap.String("client", name))
	}
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}
