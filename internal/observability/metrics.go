package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/galaxy/internal/sandbox"
)

// maxDenialLabels bounds the module label of the denial counter. Module
// names come from untrusted code, so anything past the cap is folded into
// "other".
const maxDenialLabels = 256

// MetricsCollector holds all Prometheus metrics for Galaxy.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec
	SandboxDenialsTotal      *prometheus.CounterVec
	SandboxOutputBytes       prometheus.Histogram

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// History metrics.
	HistoryPrunedTotal prometheus.Counter

	// System metrics.
	ActiveRequests prometheus.Gauge

	denialMu     sync.Mutex
	denialLabels map[string]struct{}
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry:     reg,
		denialLabels: make(map[string]struct{}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "galaxy",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions by outcome.",
		}, []string{"language", "outcome"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "galaxy",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"language"}),

		SandboxDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "galaxy",
			Subsystem: "sandbox",
			Name:      "denials_total",
			Help:      "Total capability denials by requested module or builtin.",
		}, []string{"module"}),

		SandboxOutputBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "galaxy",
			Subsystem: "sandbox",
			Name:      "output_bytes",
			Help:      "Size of the combined output returned per execution.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "galaxy",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "galaxy",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		HistoryPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galaxy",
			Subsystem: "history",
			Name:      "pruned_total",
			Help:      "Total execution records removed by retention.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "galaxy",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.SandboxDenialsTotal,
		m.SandboxOutputBytes,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HistoryPrunedTotal,
		m.ActiveRequests,
	)

	return m
}

// RecordExecution records the outcome of one sandbox execution.
func (m *MetricsCollector) RecordExecution(language string, result *sandbox.ExecutionResult, d time.Duration) {
	if m == nil || result == nil {
		return
	}
	m.SandboxExecutionsTotal.WithLabelValues(language, result.Kind.Outcome()).Inc()
	m.SandboxExecutionDuration.WithLabelValues(language).Observe(d.Seconds())
	m.SandboxOutputBytes.Observe(float64(len(result.Output)))
}

// RecordPruned adds n to the history retention counter.
func (m *MetricsCollector) RecordPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.HistoryPrunedTotal.Add(float64(n))
}

// denialLabel maps a denial onto a bounded label value.
func (m *MetricsCollector) denialLabel(kind string, request interface{}) string {
	label := fmt.Sprint(request)
	if kind == sandbox.DenialBuiltin {
		label = "builtins." + label
	}

	m.denialMu.Lock()
	defer m.denialMu.Unlock()
	if _, ok := m.denialLabels[label]; ok {
		return label
	}
	if len(m.denialLabels) >= maxDenialLabels {
		return "other"
	}
	m.denialLabels[label] = struct{}{}
	return label
}

// DenialHandler returns a sandbox.DenialHandler that counts denials.
func (m *MetricsCollector) DenialHandler() sandbox.DenialHandler {
	return metricsDenialHandler{m: m}
}

type metricsDenialHandler struct {
	m *MetricsCollector
}

func (h metricsDenialHandler) OnDenial(kind string, request interface{}, reason string) {
	if h.m == nil {
		return
	}
	h.m.SandboxDenialsTotal.WithLabelValues(h.m.denialLabel(kind, request)).Inc()
}
