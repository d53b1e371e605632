// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"os"

	"github.com/flyingrobots/comfyqueue/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// MaybeInitTracing wires a global OTLP tracer provider when
// observability.tracing is enabled and an endpoint is configured. When it
// isn't, otel's default global tracer is a no-op, so every StartJobSpan
// call below stays cheap without this package branching on whether a
// collector is attached.
func MaybeInitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	t := cfg.Observability.Tracing
	if !t.Enabled || t.Endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(t.Endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("comfyqueue"),
		semconv.ServiceVersionKey.String("1.0.0"),
		semconv.HostNameKey.String(hostname),
		attribute.String("environment", t.Environment),
	)

	var sampler sdktrace.Sampler
	switch t.SamplingStrategy {
	case "always":
		sampler = sdktrace.AlwaysSample()
	case "never":
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(t.SamplingRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// TracerShutdown drains tp's batcher; a no-op when tracing was never
// enabled (tp is nil, MaybeInitTracing's no-op return).
func TracerShutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// KV is a span attribute. Call sites build these with KeyValue so this
// package is the only one that imports otel/attribute directly.
type KV struct {
	Key   string
	Value interface{}
}

// KeyValue builds a KV, type-switching Value onto the matching
// attribute.KeyValue constructor.
func KeyValue(key string, value interface{}) KV { return KV{Key: key, Value: value} }

func (kv KV) toAttribute() attribute.KeyValue {
	switch v := kv.Value.(type) {
	case string:
		return attribute.String(kv.Key, v)
	case int:
		return attribute.Int(kv.Key, v)
	case int64:
		return attribute.Int64(kv.Key, v)
	case float64:
		return attribute.Float64(kv.Key, v)
	case bool:
		return attribute.Bool(kv.Key, v)
	default:
		return attribute.String(kv.Key, fmt.Sprintf("%v", v))
	}
}

func toAttributes(attrs []KV) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = a.toAttribute()
	}
	return out
}

// StartJobSpan begins a span for one job's execution, carrying its id and
// owner so downstream log lines and the exporter share the same
// correlation key (internal/worker's process).
func StartJobSpan(ctx context.Context, jobID, ownerToken string) (context.Context, trace.Span) {
	tracer := otel.Tracer("comfyqueue/worker")
	return tracer.Start(ctx, "job.process", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.owner", ownerToken),
	))
}

// StartRequestSpan begins a span for one inbound submission-API request
// (internal/api's handlers).
func StartRequestSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	tracer := otel.Tracer("comfyqueue/api")
	return tracer.Start(ctx, "http.request", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	))
}

// SpanFromContext returns the span carried by ctx, or otel's no-op span if
// none was started.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent records a named event with attributes on ctx's span; a no-op
// against a non-recording (no-op or unsampled) span.
func AddEvent(ctx context.Context, name string, attrs ...KV) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

// RecordError marks ctx's span as failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks ctx's span as successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "success")
	}
}
