package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/jkaninda/galaxy/internal/config"
	"github.com/jkaninda/galaxy/internal/observability"
	"github.com/jkaninda/galaxy/internal/sandbox"
	"github.com/jkaninda/galaxy/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DataDir: dir,
		Sandbox: config.SandboxConfig{
			Language:            "python",
			MaxExecutionSeconds: 10,
			WorkDir:             filepath.Join(dir, "work"),
		},
		Gateways: config.GatewaysConfig{HTTP: &config.HTTPGatewayConfig{Enabled: true}},
		History:  &config.HistoryConfig{Enabled: true},
		Observability: &config.ObservabilityConfig{
			Metrics: &config.MetricsConfig{Enabled: true},
			Health:  &config.HealthConfig{IncludeDB: true, IncludeSandbox: true},
		},
		Audit: &config.AuditConfig{DenialLogPath: filepath.Join(dir, "denials.jsonl")},
	}
}

// --- initShared ---

func TestInitSharedWiresHistoryAndAudit(t *testing.T) {
	cfg := testConfig(t)
	sc, err := initShared(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("initShared() error: %v", err)
	}

	if _, ok := sc.Sandbox.(*storage.RecordingSandbox); !ok {
		t.Fatalf("Sandbox = %T, want *storage.RecordingSandbox", sc.Sandbox)
	}
	if _, ok := sc.Base.(*sandbox.Engine); !ok {
		t.Fatalf("Base = %T, want *sandbox.Engine", sc.Base)
	}

	ctx := storage.WithSource(context.Background(), storage.SourceCLI)
	ok := sc.Sandbox.Execute(ctx, sandbox.ExecutionRequest{Code: `print("hi")`, Language: sandbox.LanguagePython})
	if !ok.Success || ok.Output != "hi\n" {
		t.Fatalf("Execute() = %+v, want hi", ok)
	}
	denied := sc.Sandbox.Execute(ctx, sandbox.ExecutionRequest{Code: "import socket", Language: sandbox.LanguagePython})
	if denied.Success {
		t.Fatal("import socket succeeded, want capability rejection")
	}

	status := sc.Obs.Health.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("readiness = %+v, want ok", status)
	}

	records, err := sc.Store.List(context.Background(), storage.ListFilter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	// The readiness self-test runs on the base sandbox and is not recorded.
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	for _, r := range records {
		if r.Source != storage.SourceCLI {
			t.Errorf("record source = %q, want %q", r.Source, storage.SourceCLI)
		}
	}

	sc.Cleanup()

	data, err := os.ReadFile(cfg.DenialLogPath())
	if err != nil {
		t.Fatalf("reading denial log: %v", err)
	}
	if !strings.Contains(string(data), "socket") {
		t.Errorf("denial log = %q, want an entry for socket", data)
	}
}

func TestInitSharedWithoutHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.History = nil
	cfg.Observability = nil
	sc, err := initShared(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("initShared() error: %v", err)
	}
	defer sc.Cleanup()

	if sc.Store != nil {
		t.Error("Store is set with history disabled")
	}
	if _, ok := sc.Sandbox.(*sandbox.Engine); !ok {
		t.Errorf("Sandbox = %T, want the bare engine", sc.Sandbox)
	}
	if err := sc.startRetention(); err != nil {
		t.Errorf("startRetention() error: %v", err)
	}
}

func TestInitSharedDeniedModules(t *testing.T) {
	cfg := testConfig(t)
	cfg.History = nil
	cfg.Sandbox.DeniedModules = []string{"json"}
	sc, err := initShared(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("initShared() error: %v", err)
	}
	defer sc.Cleanup()

	res := sc.Sandbox.Execute(context.Background(), sandbox.ExecutionRequest{Code: "import json", Language: sandbox.LanguagePython})
	if res.Success {
		t.Error("import json succeeded after being denied in config")
	}
}

func TestInitSandboxRejectsUnknownIsolation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sandbox.Isolation = "vm"
	if _, err := initSandbox(cfg, &sandbox.NopDenialHandler{}, nil, discardLogger()); err == nil {
		t.Error("expected error for unknown isolation mode")
	}
}

func TestInitStoreUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage = &config.StorageConfig{Driver: "mysql"}
	if _, err := initStore(cfg, discardLogger()); err == nil {
		t.Error("expected error for unknown storage driver")
	}
}

func TestInitPostgresStoreRequiresDSN(t *testing.T) {
	t.Setenv("GALAXY_DB_DSN", "")
	cfg := testConfig(t)
	cfg.Storage = &config.StorageConfig{Driver: "postgres"}
	_, err := initStore(cfg, discardLogger())
	if err == nil || !strings.Contains(err.Error(), "DSN is required") {
		t.Errorf("initStore() error = %v, want DSN required", err)
	}
}

// --- Worker flags ---

func TestWorkerArgs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sandbox.MaxSteps = 1000
	cfg.Sandbox.DeniedModules = []string{"random", "re"}

	args := workerArgs(cfg)
	if args[0] != "worker" {
		t.Fatalf("args[0] = %q, want worker", args[0])
	}
	if err := workerCmd.ParseFlags(args[1:]); err != nil {
		t.Fatalf("ParseFlags() error: %v", err)
	}
	if workerLimits.MaxExecutionSeconds != 10 {
		t.Errorf("max execution = %d, want 10", workerLimits.MaxExecutionSeconds)
	}
	if workerLimits.MaxSteps != 1000 {
		t.Errorf("max steps = %d, want 1000", workerLimits.MaxSteps)
	}
	if workerLimits.MaxOutputBytes != cfg.Sandbox.OutputLimit() {
		t.Errorf("max output = %d, want %d", workerLimits.MaxOutputBytes, cfg.Sandbox.OutputLimit())
	}
	if workerLimits.WorkDir != cfg.Sandbox.ResolvedWorkDir() {
		t.Errorf("work dir = %q, want %q", workerLimits.WorkDir, cfg.Sandbox.ResolvedWorkDir())
	}
	if !slices.Equal(workerLimits.DeniedModules, []string{"random", "re"}) {
		t.Errorf("denied = %v, want [random re]", workerLimits.DeniedModules)
	}
	if workerDenialLog != cfg.DenialLogPath() {
		t.Errorf("denial log = %q, want %q", workerDenialLog, cfg.DenialLogPath())
	}
}

// --- Gateways ---

func TestBuildGateways(t *testing.T) {
	cfg := testConfig(t)
	cfg.History = nil
	cfg.Observability = nil
	sc, err := initShared(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("initShared() error: %v", err)
	}
	defer sc.Cleanup()

	cfg.Gateways.WebSocket = &config.WebSocketGatewayConfig{Enabled: true}
	if gws := buildGateways(cfg, sc); len(gws) != 1 {
		t.Errorf("gateways = %d, want 1 (websocket mounted on HTTP)", len(gws))
	}

	cfg.Gateways.HTTP.Enabled = false
	gws := buildGateways(cfg, sc)
	if len(gws) != 1 {
		t.Fatalf("gateways = %d, want 1", len(gws))
	}
	if _, ok := gws[0].(*standaloneWSGateway); !ok {
		t.Errorf("gateway = %T, want standalone websocket", gws[0])
	}

	cfg.Gateways.WebSocket = nil
	if gws := buildGateways(cfg, sc); len(gws) != 0 {
		t.Errorf("gateways = %d, want 0", len(gws))
	}
}

// --- Config loading ---

func TestLoadConfigMissingDefault(t *testing.T) {
	t.Setenv("GALAXY_CONFIG", "")
	t.Setenv("HOME", t.TempDir())
	cfg, err := loadConfig(config.DefaultConfigPath())
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Gateways.HTTP == nil || !cfg.Gateways.HTTP.Enabled {
		t.Error("default config should enable the HTTP gateway")
	}
}

func TestLoadConfigMissingExplicit(t *testing.T) {
	t.Setenv("GALAXY_CONFIG", "")
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for a missing explicit config path")
	}
}

func TestInstrumentedWhenMetricsEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.History = nil
	sc, err := initShared(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("initShared() error: %v", err)
	}
	defer sc.Cleanup()
	if _, ok := sc.Sandbox.(*observability.InstrumentedSandbox); !ok {
		t.Errorf("Sandbox = %T, want *observability.InstrumentedSandbox", sc.Sandbox)
	}
}
