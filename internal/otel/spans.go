package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for hostbridge spans.
var (
	AttrToolName   = attribute.Key("hostbridge.tool.name")
	AttrRequestID  = attribute.Key("hostbridge.request.id")
	AttrTransport  = attribute.Key("hostbridge.transport")
	AttrBatchDepth = attribute.Key("hostbridge.batch.depth")
	AttrJobID      = attribute.Key("hostbridge.job.id")
	AttrJobStatus  = attribute.Key("hostbridge.job.status")
	AttrSuite      = attribute.Key("hostbridge.suite")
	AttrSuccess    = attribute.Key("hostbridge.success")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound command (HTTP or stream listener).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call to a bridge.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records the outcome of a command on span and ends it.
func EndSpan(span trace.Span, success bool, errMsg string) {
	span.SetAttributes(AttrSuccess.Bool(success))
	if !success {
		span.SetStatus(codes.Error, errMsg)
	}
	span.End()
}

// InjectHeader writes the span context in ctx into h using the global
// propagator.
func InjectHeader(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHeader returns ctx carrying any remote span context found in h.
func ExtractHeader(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}
