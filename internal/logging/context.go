package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlationId"
	requestIDKey     contextKey = "requestId"
	traceIDKey       contextKey = "traceId"
	spanIDKey        contextKey = "spanId"
)

// WithCorrelationID attaches a correlation ID to the context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// WithRequestID attaches a request ID to the context
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithTrace attaches trace and span IDs to the context
func WithTrace(ctx context.Context, traceID, spanID string) context.Context {
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	return context.WithValue(ctx, spanIDKey, spanID)
}

// CorrelationIDFrom extracts the correlation ID, empty when absent
func CorrelationIDFrom(ctx context.Context) string {
	return stringValue(ctx, correlationIDKey)
}

// RequestIDFrom extracts the request ID, empty when absent
func RequestIDFrom(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// TraceIDFrom extracts the trace ID, empty when absent
func TraceIDFrom(ctx context.Context) string {
	return stringValue(ctx, traceIDKey)
}

// SpanIDFrom extracts the span ID, empty when absent
func SpanIDFrom(ctx context.Context) string {
	return stringValue(ctx, spanIDKey)
}

// ContextFields converts every propagated ID present on the context
// into zap fields.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if v := CorrelationIDFrom(ctx); v != "" {
		fields = append(fields, zap.String("correlationId", v))
	}
	if v := RequestIDFrom(ctx); v != "" {
		fields = append(fields, zap.String("requestId", v))
	}
	if v := TraceIDFrom(ctx); v != "" {
		fields = append(fields, zap.String("traceId", v))
	}
	if v := SpanIDFrom(ctx); v != "" {
		fields = append(fields, zap.String("spanId", v))
	}
	return fields
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
