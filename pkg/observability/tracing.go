package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("projections")
}

// EndSpan ends a span, optionally recording an error
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID extracts the trace ID from context as a string
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// SetSpanError records an error on the current span in the context
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent adds an event to the current span in the context
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
var (
	AttrProjection = attribute.Key("projection.name")
	AttrObjectName = attribute.Key("object.name")
	AttrObjectID   = attribute.Key("object.id")
	AttrStream     = attribute.Key("stream.id")
	AttrVersion    = attribute.Key("stream.version")

	AttrEventType  = attribute.Key("event.type")
	AttrEventCount = attribute.Key("event.count")

	AttrStatus    = attribute.Key("projection.status")
	AttrIteration = attribute.Key("catchup.iteration")
)

// TokenAttrs returns the attributes describing a version token target
func TokenAttrs(objectName, objectID, stream, version string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrObjectName.String(objectName),
		AttrObjectID.String(objectID),
		AttrStream.String(stream),
		AttrVersion.String(version),
	}
}
