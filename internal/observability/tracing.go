package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/galaxy/internal/config"
	"github.com/jkaninda/galaxy/internal/sandbox"
)

const defaultServiceName = "galaxy"

// ExecutionTracer emits sandbox.execute and http.request spans through a
// private OTLP pipeline. The global OTel provider is left alone.
//
// A nil *ExecutionTracer is valid and records nothing.
type ExecutionTracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewExecutionTracer builds the OTLP pipeline described by cfg, or returns
// nil when tracing is off.
func NewExecutionTracer(cfg *config.TracingConfig) (*ExecutionTracer, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}

	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(name)))
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP %s exporter for %s: %w", exporterProtocol(cfg), cfg.Endpoint, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	)
	return newExecutionTracer(tp, name), nil
}

func newExecutionTracer(tp *sdktrace.TracerProvider, name string) *ExecutionTracer {
	return &ExecutionTracer{provider: tp, tracer: tp.Tracer(name)}
}

func exporterProtocol(cfg *config.TracingConfig) string {
	if cfg.Protocol == "http" {
		return "http"
	}
	return "grpc"
}

func newSpanExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if exporterProtocol(cfg) == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer used for HTTP spans. It is a no-op tracer when
// t is nil.
func (t *ExecutionTracer) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// StartExecution opens a sandbox.execute span describing req. The code
// itself is never attached, only its size.
func (t *ExecutionTracer) StartExecution(ctx context.Context, req sandbox.ExecutionRequest, isolation string) (context.Context, trace.Span) {
	return t.Tracer().Start(ctx, "sandbox.execute",
		trace.WithAttributes(
			attribute.String("sandbox.language", string(req.Language)),
			attribute.String("sandbox.isolation", isolation),
			attribute.Int("sandbox.code_bytes", len(req.Code)),
		))
}

// EndExecution records the outcome of result on span and ends it. Faults
// set the span status to the fault message.
func EndExecution(span trace.Span, result *sandbox.ExecutionResult) {
	span.SetAttributes(
		attribute.String("sandbox.outcome", result.Kind.Outcome()),
		attribute.Int("sandbox.output_bytes", len(result.Output)),
	)
	if result.ExecutionID != "" {
		span.SetAttributes(attribute.String("sandbox.execution_id", result.ExecutionID))
	}
	if !result.Success {
		span.SetStatus(codes.Error, result.ErrorMessage())
	}
	span.End()
}

// Shutdown flushes buffered spans to the collector.
func (t *ExecutionTracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// sampleRate clamps the configured ratio, treating anything outside
// (0, 1] as "sample everything".
func sampleRate(rate float64) float64 {
	if rate <= 0 || rate > 1 {
		return 1.0
	}
	return rate
}
