package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrAgentID      = attribute.Key("taskboard.agent.id")
	AttrTaskID       = attribute.Key("taskboard.task.id")
	AttrOperation    = attribute.Key("taskboard.lifecycle.op")
	AttrOutcome      = attribute.Key("taskboard.lifecycle.outcome")
	AttrStatus       = attribute.Key("taskboard.task.status")
	AttrModel        = attribute.Key("taskboard.usage.model")
	AttrTokensInput  = attribute.Key("taskboard.usage.tokens.input")
	AttrTokensOutput = attribute.Key("taskboard.usage.tokens.output")
	AttrRoute        = attribute.Key("taskboard.http.route")
)

// StartSpan starts an internal span with attrs.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
