package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type operationIDKey struct{}
type queueKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithOperationID attaches the server operation id being processed to the context.
func WithOperationID(ctx context.Context, opID int64) context.Context {
	return context.WithValue(ctx, operationIDKey{}, opID)
}

// OperationID extracts the server operation id from context. Returns 0 if absent.
func OperationID(ctx context.Context) int64 {
	if v, ok := ctx.Value(operationIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithQueue attaches the task queue name being drained to the context.
func WithQueue(ctx context.Context, queue string) context.Context {
	return context.WithValue(ctx, queueKey{}, queue)
}

// Queue extracts the task queue name from context. Returns "" if absent.
func Queue(ctx context.Context) string {
	if v, ok := ctx.Value(queueKey{}).(string); ok {
		return v
	}
	return ""
}
