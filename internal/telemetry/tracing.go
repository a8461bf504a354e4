// Package telemetry wires OpenTelemetry tracing around the Agent
// Runner's steps and the Tool Registry's executions, adapted from
// internal/observability/tracing.go's Tracer: the same
// endpoint-configured-or-no-op construction and OTLP/gRPC exporter,
// trimmed to the two span kinds this system actually emits (a step's
// model call, a tool execution) instead of the teacher's full
// channel/db/http span vocabulary.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentserver/agentserver/internal/config"
)

// Tracer wraps the process's trace.Tracer; New returns its shutdown
// func separately.
type Tracer struct {
	tracer trace.Tracer
}

// New builds a Tracer from config.TracingConfig. An empty Endpoint
// yields a tracer backed by otel's global no-op provider, so callers
// never need a nil check.
func New(cfg config.TracingConfig) (*Tracer, func(context.Context) error) {
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		res = resource.Default()
	}

	ratio := cfg.SampleRatio
	var sampler sdktrace.Sampler
	switch {
	case ratio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case ratio <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(ratio)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown
}

// StartStep opens a span around one runner step's model call.
func (t *Tracer) StartStep(ctx context.Context, sessionID, turnID string, stepIdx int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "runner.step", trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("turn_id", turnID),
		attribute.Int("step_idx", stepIdx),
	))
}

// StartTool opens a span around one tool execution.
func (t *Tracer) StartTool(ctx context.Context, toolName, toolCallID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool."+toolName, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", toolCallID),
	))
}

// RecordError marks a span as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
