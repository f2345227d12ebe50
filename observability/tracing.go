package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used for every span.
const TracerName = "github.com/ongas/gemini-cli-sub000"

// Tracer wraps an OpenTelemetry tracer. Without a configured global
// TracerProvider every span is a no-op.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer backed by the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// Start starts a span with the given attributes.
//
//	ctx, span := tracer.Start(ctx, "chat.send", attribute.String("model", model))
//	defer span.End()
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
