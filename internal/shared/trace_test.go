package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID on empty context = %q, want -", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("TraceID = %q, want trace-1", got)
	}
}

func TestOperationID_RoundTrip(t *testing.T) {
	ctx := WithOperationID(context.Background(), 42)
	if got := OperationID(ctx); got != 42 {
		t.Fatalf("OperationID = %d, want 42", got)
	}
	if got := OperationID(context.Background()); got != 0 {
		t.Fatalf("OperationID default = %d, want 0", got)
	}
}

func TestQueue_RoundTrip(t *testing.T) {
	ctx := WithQueue(context.Background(), "changer")
	if got := Queue(ctx); got != "changer" {
		t.Fatalf("Queue = %q, want changer", got)
	}
}
