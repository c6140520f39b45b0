package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for caseagent spans.
var (
	AttrJobID      = attribute.Key("caseagent.job.id")
	AttrOrgID      = attribute.Key("caseagent.org.id")
	AttrCaseID     = attribute.Key("caseagent.case.id")
	AttrSpecialist = attribute.Key("caseagent.specialist")
	AttrToolName   = attribute.Key("caseagent.tool.name")
	AttrModel      = attribute.Key("caseagent.model")
	AttrTrigger    = attribute.Key("caseagent.trigger")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (model service).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
