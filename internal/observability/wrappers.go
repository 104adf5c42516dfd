package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/galaxy/internal/sandbox"
)

// --- InstrumentedSandbox ---

// InstrumentedSandbox feeds every execution of the wrapped sandbox into
// metrics, a sandbox.execute span and the fault-rate detector. Any of the
// three may be nil.
type InstrumentedSandbox struct {
	inner     sandbox.Sandbox
	isolation string // "inprocess" or "process"
	metrics   *MetricsCollector
	tracer    *ExecutionTracer
	anomaly   *AnomalyDetector
}

var _ sandbox.Sandbox = (*InstrumentedSandbox)(nil)

// NewInstrumentedSandbox wraps inner. Prefer Observability.Instrument, which
// skips the wrapper when nothing is enabled.
func NewInstrumentedSandbox(inner sandbox.Sandbox, isolation string, metrics *MetricsCollector, tracer *ExecutionTracer, anomaly *AnomalyDetector) *InstrumentedSandbox {
	return &InstrumentedSandbox{
		inner:     inner,
		isolation: isolation,
		metrics:   metrics,
		tracer:    tracer,
		anomaly:   anomaly,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) *sandbox.ExecutionResult {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.StartExecution(ctx, req, s.isolation)
	}

	start := time.Now()
	result := s.inner.Execute(ctx, req)
	duration := time.Since(start)

	if span != nil {
		EndExecution(span, result)
	}

	s.metrics.RecordExecution(string(req.Language), result, duration)

	if s.anomaly != nil {
		if result.Success {
			s.anomaly.RecordSuccess("sandbox_" + s.isolation)
		} else {
			s.anomaly.RecordError("sandbox_" + s.isolation)
		}
	}

	return result
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
