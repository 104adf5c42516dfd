package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// pruneTimeout bounds one retention run.
const pruneTimeout = 5 * time.Minute

// Retention periodically removes history older than a fixed age.
type Retention struct {
	store    ExecutionStore
	maxAge   time.Duration
	onPruned func(int64)
	logger   *slog.Logger
	cron     *cron.Cron
	now      func() time.Time
}

// RetentionConfig configures StartRetention.
type RetentionConfig struct {
	MaxAge   time.Duration
	Schedule string // Cron spec, e.g. "@daily" or "0 3 * * *".
	// OnPruned is called with the number of rows removed by each run.
	OnPruned func(int64)
}

// StartRetention schedules Prune(now - MaxAge) on the configured cron
// schedule. Call Stop on the returned value to end it.
func StartRetention(store ExecutionStore, cfg RetentionConfig, logger *slog.Logger) (*Retention, error) {
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", cfg.MaxAge)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retention{
		store:    store,
		maxAge:   cfg.MaxAge,
		onPruned: cfg.OnPruned,
		logger:   logger,
		cron:     cron.New(),
		now:      time.Now,
	}
	if _, err := r.cron.AddFunc(cfg.Schedule, func() { _, _ = r.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parsing prune schedule %q: %w", cfg.Schedule, err)
	}
	r.cron.Start()
	logger.Info("history retention scheduled",
		slog.String("schedule", cfg.Schedule),
		slog.Duration("max_age", cfg.MaxAge),
	)
	return r, nil
}

// RunOnce prunes expired records immediately.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()

	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		r.logger.Error("pruning execution history failed", slog.String("error", err.Error()))
		return 0, err
	}
	if r.onPruned != nil {
		r.onPruned(n)
	}
	r.logger.Info("execution history pruned",
		slog.Int64("removed", n),
		slog.Time("cutoff", cutoff),
	)
	return n, nil
}

// Stop halts the schedule and waits for a running prune to finish.
func (r *Retention) Stop() {
	if r == nil {
		return
	}
	<-r.cron.Stop().Done()
}
