package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/galaxy/internal/config"
	"github.com/jkaninda/galaxy/internal/observability"
	"github.com/jkaninda/galaxy/internal/sandbox"
	"github.com/jkaninda/galaxy/internal/sandbox/modules"
	"github.com/jkaninda/galaxy/internal/security"
	"github.com/jkaninda/galaxy/internal/storage"
	pgstore "github.com/jkaninda/galaxy/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/galaxy/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every execution entry point needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability
	Store  storage.ExecutionStore // nil when history is disabled.

	// Sandbox is the fully wrapped sandbox gateways execute on. Base is the
	// bare engine or process sandbox, used for self-tests.
	Sandbox sandbox.Sandbox
	Base    sandbox.Sandbox

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig loads the config file, honoring GALAXY_CONFIG. A missing file
// at the default location yields the default configuration.
func loadConfig(path string) (*config.Config, error) {
	path = goutils.Env("GALAXY_CONFIG", path)
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath() {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// initShared performs the initialization shared by serve, mcp and run.
// onFatal is called when the in-process engine can no longer be trusted.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, onFatal func(error)) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Denial handlers.
	denials, closeDenials, err := initDenials(cfg.DenialLogPath(), obs.MetricsOrNil(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing denial audit: %w", err)
	}
	sc.addCleanup(closeDenials)

	// Execution history.
	if cfg.HistoryEnabled() {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
	}

	// Sandbox.
	sbx, err := initSandbox(cfg, denials, onFatal, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	sc.Base = sbx
	logger.Debug("sandbox initialized",
		slog.String("isolation", cfg.Sandbox.IsolationMode()),
		slog.Int("max_execution_seconds", cfg.Sandbox.MaxExecutionSeconds),
		slog.Uint64("max_steps", cfg.Sandbox.MaxSteps),
		slog.Int("max_concurrent", cfg.Sandbox.Concurrency()),
	)

	sbxIface := obs.Instrument(sbx, cfg.Sandbox.IsolationMode())
	if sc.Store != nil {
		sbxIface = storage.NewRecordingSandbox(sbxIface, sc.Store, logger)
	}
	sc.Sandbox = sbxIface

	// Health checks.
	if obs != nil && obs.Health != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeSandbox {
			obs.Health.AddCheck("sandbox", observability.SandboxCheck(sc.Base))
		}
		if cfg.Observability.Health.IncludeDB && sc.Store != nil {
			obs.Health.AddCheck("database", observability.PingCheck("database", sc.Store.Ping))
		}
	}

	return sc, nil
}

// startRetention schedules history pruning for long-running modes.
func (sc *SharedComponents) startRetention() error {
	if sc.Store == nil {
		return nil
	}
	var onPruned func(int64)
	if m := sc.Obs.MetricsOrNil(); m != nil {
		onPruned = m.RecordPruned
	}
	ret, err := storage.StartRetention(sc.Store, storage.RetentionConfig{
		MaxAge:   sc.Config.History.Retention(),
		Schedule: sc.Config.History.Schedule(),
		OnPruned: onPruned,
	}, sc.Logger)
	if err != nil {
		return fmt.Errorf("starting history retention: %w", err)
	}
	sc.addCleanup(ret.Stop)
	return nil
}

// initDenials builds the denial handler chain: the log always, the
// append-only audit file when a path is set, and the denial counter when
// metrics are enabled.
func initDenials(auditPath string, metrics *observability.MetricsCollector, logger *slog.Logger) (sandbox.DenialHandler, func(), error) {
	handlers := sandbox.MultiDenialHandler{&sandbox.LogDenialHandler{Logger: logger}}
	cleanup := func() {}

	if auditPath != "" {
		audit, err := security.NewAuditLogger(auditPath, logger)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, audit)
		cleanup = func() {
			if err := audit.Close(); err != nil {
				logger.Error("closing denial audit log", slog.String("error", err.Error()))
			}
		}
		logger.Debug("denial audit log enabled", slog.String("path", auditPath))
	}
	if metrics != nil {
		handlers = append(handlers, metrics.DenialHandler())
	}
	return handlers, cleanup, nil
}

// initSandbox creates the in-process engine or the process sandbox.
func initSandbox(cfg *config.Config, denials sandbox.DenialHandler, onFatal func(error), logger *slog.Logger) (sandbox.Sandbox, error) {
	switch mode := cfg.Sandbox.IsolationMode(); mode {
	case "inprocess":
		workDir := cfg.Sandbox.ResolvedWorkDir()
		if err := os.MkdirAll(workDir, 0750); err != nil {
			return nil, fmt.Errorf("creating sandbox work directory %s: %w", workDir, err)
		}
		return newEngine(&cfg.Sandbox, denials, onFatal, logger), nil
	case "process":
		timeout := sandbox.NoWorkerTimeout
		if d := cfg.Sandbox.MaxExecution(); d > 0 {
			// Leave the worker room to report its own timeout first.
			timeout = d + 5*time.Second
		}
		return sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			WorkerArgs:    workerArgs(cfg),
			Timeout:       timeout,
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown sandbox isolation: %q", mode)
	}
}

// newEngine builds the in-process engine from sandbox settings. The worker
// command uses it too, so both isolation modes enforce the same limits.
func newEngine(sb *config.SandboxConfig, denials sandbox.DenialHandler, onFatal func(error), logger *slog.Logger) *sandbox.Engine {
	return sandbox.NewEngine(sandbox.EngineConfig{
		Policy: sandbox.DefaultPolicy().Without(sb.DeniedModules...),
		Env: &modules.Env{
			WorkDir:      sb.ResolvedWorkDir(),
			RegexTimeout: sb.RegexTimeout(),
		},
		Denials:        denials,
		MaxExecution:   sb.MaxExecution(),
		MaxSteps:       sb.MaxSteps,
		MaxOutputBytes: sb.OutputLimit(),
		MaxConcurrent:  sb.Concurrency(),
		OnFatal:        onFatal,
	}, logger)
}

// workerArgs renders the sandbox limits as worker flags. The worker runs
// with a scrubbed environment in a temp directory and cannot read config.
func workerArgs(cfg *config.Config) []string {
	sb := &cfg.Sandbox
	args := []string{"worker",
		"--max-execution-seconds", strconv.Itoa(sb.MaxExecutionSeconds),
		"--max-steps", strconv.FormatUint(sb.MaxSteps, 10),
		"--max-output-bytes", strconv.Itoa(sb.OutputLimit()),
		"--regex-timeout-ms", strconv.FormatInt(sb.RegexTimeout().Milliseconds(), 10),
		"--work-dir", sb.ResolvedWorkDir(),
	}
	for _, name := range sb.DeniedModules {
		args = append(args, "--deny", name)
	}
	if path := cfg.DenialLogPath(); path != "" {
		args = append(args, "--denial-log", path)
	}
	return args
}

// initStore creates the history backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.ExecutionStore, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.ExecutionStore, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.ExecutionStore, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	dsn = goutils.Env("GALAXY_DB_DSN", dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or GALAXY_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	db, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, err
	}
	return pgstore.NewStore(db), nil
}
