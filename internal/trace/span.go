package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Attribute keys, all under the loop.* namespace.
const (
	KeyRunID        = attribute.Key("loop.run.id")
	KeyStep         = attribute.Key("loop.step.name")
	KeyStepIndex    = attribute.Key("loop.step.index")
	KeyAttempt      = attribute.Key("loop.attempt.id")
	KeyOutcome      = attribute.Key("loop.outcome")
	KeyReason       = attribute.Key("loop.reason")
	KeyAction       = attribute.Key("loop.action")
	KeyFailureClass = attribute.Key("loop.failure_class")
	KeyPolicyHash   = attribute.Key("loop.policy.hash")
	KeyCheckpointID = attribute.Key("loop.checkpoint.id")
)

// Start opens a span on tracer. A nil tracer uses the global no-op.
func Start(ctx context.Context, tracer oteltrace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = (*Provider)(nil).Tracer()
	}
	return tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// End records err, if any, as the span status and ends the span.
func End(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanEvent adds a named event to the span carried by ctx.
func SpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}
