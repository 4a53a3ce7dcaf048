package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for PoC pipeline spans.
var (
	AttrTaskID   = attribute.Key("cybergym.task_id")
	AttrAgentID  = attribute.Key("cybergym.agent_id")
	AttrPoCID    = attribute.Key("cybergym.poc_id")
	AttrMode     = attribute.Key("cybergym.mode")
	AttrPoCHash  = attribute.Key("cybergym.poc_hash")
	AttrImage    = attribute.Key("cybergym.image")
	AttrExitCode = attribute.Key("cybergym.exit_code")
	AttrDedup    = attribute.Key("cybergym.dedup")
)

// StartSpan creates an internal span for a pipeline stage (submission
// coordination, container run, re-verification).
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a span for an incoming request.
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// AddSpanAttributes sets attributes on the span active in ctx, if any.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SpanIDs returns the trace and span ids of the active span, empty when
// there is none. Used to stamp operational log lines.
func SpanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return traceID, spanID
}
