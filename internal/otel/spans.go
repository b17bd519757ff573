package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for agent spans.
var (
	AttrMessageType = attribute.Key("outpost.message.type")
	AttrMessageID   = attribute.Key("outpost.message.id")
	AttrPlugin      = attribute.Key("outpost.plugin")
	AttrQueue       = attribute.Key("outpost.queue")
	AttrOperationID = attribute.Key("outpost.operation.id")
	AttrSequence    = attribute.Key("outpost.sequence")
	AttrURL         = attribute.Key("outpost.server.url")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (server exchange).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
