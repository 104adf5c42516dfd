package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/galaxy/internal/config"
)

const (
	defaultAnomalyWindow     = 300
	defaultAnomalyMinSamples = 10
)

// AnomalyDetector watches the fault rate of executions over a sliding window
// and warns when it crosses the configured threshold.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	alerting      map[string]bool
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		alerting:      make(map[string]bool),
		cfg:           cfg,
		logger:        logger,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = defaultAnomalyWindow
	}
	return time.Duration(secs) * time.Second
}

func (a *AnomalyDetector) minSamples() float64 {
	if a.cfg.MinSamples > 0 {
		return float64(a.cfg.MinSamples)
	}
	return defaultAnomalyMinSamples
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.getOrCreateWindow(a.errorCounts, operation)
	w.add(1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.getOrCreateWindow(a.successCounts, operation)
	w.add(1)
	a.checkErrorRate(operation)
}

// ErrorRate returns the fault rate of operation within the current window
// and the number of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (rate float64, samples int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	errs := a.getOrCreateWindow(a.errorCounts, operation).sum()
	total := errs + a.getOrCreateWindow(a.successCounts, operation).sum()
	if total == 0 {
		return 0, 0
	}
	return errs / total, int(total)
}

// checkErrorRate warns once when the fault rate crosses the threshold and
// logs again when it recovers. Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	errors := a.getOrCreateWindow(a.errorCounts, operation).sum()
	successes := a.getOrCreateWindow(a.successCounts, operation).sum()
	total := errors + successes

	if total < a.minSamples() {
		return // Not enough data.
	}

	rate := errors / total
	switch {
	case rate > threshold && !a.alerting[operation]:
		a.alerting[operation] = true
		if a.logger != nil {
			a.logger.Warn("anomaly detected: high fault rate",
				slog.String("operation", operation),
				slog.Float64("fault_rate", rate),
				slog.Float64("threshold", threshold),
				slog.Float64("faults", errors),
				slog.Float64("total", total),
			)
		}
	case rate <= threshold && a.alerting[operation]:
		a.alerting[operation] = false
		if a.logger != nil {
			a.logger.Info("fault rate back under threshold",
				slog.String("operation", operation),
				slog.Float64("fault_rate", rate),
			)
		}
	}
}

// Alerting reports whether operation is currently above the threshold.
func (a *AnomalyDetector) Alerting(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alerting[operation]
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
