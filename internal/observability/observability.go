// Package observability instruments sandbox executions and the HTTP
// gateway: Prometheus counters under the galaxy namespace, OTLP spans,
// readiness checks and a fault-rate detector.
//
// Every piece is switched on separately from the observability config
// block, and every accessor tolerates a nil receiver so callers never
// branch on what is enabled.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/galaxy/internal/config"
	"github.com/jkaninda/galaxy/internal/sandbox"
)

// Observability bundles the instruments built from config. Metrics, Tracer
// and Anomaly are nil when switched off; Health is always present.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *ExecutionTracer
	Anomaly *AnomalyDetector
	Health  *HealthChecker

	logger *slog.Logger
}

// New builds the instruments enabled in cfg. A nil cfg yields a nil
// *Observability, which every method accepts.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	obs := &Observability{
		Health: NewHealthChecker(logger),
		logger: logger,
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	tracer, err := NewExecutionTracer(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	obs.Tracer = tracer
	return obs, nil
}

// Instrument wraps sb so each execution feeds the enabled instruments. With
// nothing enabled sb is returned as is.
func (o *Observability) Instrument(sb sandbox.Sandbox, isolation string) sandbox.Sandbox {
	if o == nil || (o.Metrics == nil && o.Tracer == nil && o.Anomaly == nil) {
		return sb
	}
	return NewInstrumentedSandbox(sb, isolation, o.Metrics, o.Tracer, o.Anomaly)
}

// Shutdown flushes pending spans. A flush failure is logged, not returned,
// since it happens on the way out.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if err := o.Tracer.Shutdown(ctx); err != nil {
		o.logger.Warn("flushing execution spans failed", slog.String("error", err.Error()))
	}
}

// HTTPTracer returns the tracer for gateway spans, or nil when tracing is
// off so the middleware skips span creation entirely.
func (o *Observability) HTTPTracer() trace.Tracer {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return o.Tracer.Tracer()
}

// MetricsOrNil returns the collector, or nil when metrics are off.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// AnomalyOrNil returns the fault-rate detector, or nil when it is off.
func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}
