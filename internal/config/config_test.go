package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadJSONWithComments(t *testing.T) {
	path := writeConfig(t, "galaxy.json", `{
  // execution limits
  "sandbox": {
    "max_execution_seconds": 30,
    "max_steps": 10000000,
    "denied_modules": ["gzip"],
  },
  "gateways": {"http": {"enabled": true, "listen_addr": ":9000"}},
  "history": {"enabled": true, "retention_days": 7}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Sandbox.MaxExecution() != 30*time.Second {
		t.Errorf("MaxExecution = %v, want 30s", cfg.Sandbox.MaxExecution())
	}
	if cfg.Sandbox.MaxSteps != 10_000_000 {
		t.Errorf("MaxSteps = %d", cfg.Sandbox.MaxSteps)
	}
	if len(cfg.Sandbox.DeniedModules) != 1 || cfg.Sandbox.DeniedModules[0] != "gzip" {
		t.Errorf("DeniedModules = %v", cfg.Sandbox.DeniedModules)
	}
	if cfg.Sandbox.Language != "python" {
		t.Errorf("Language = %q, want python default", cfg.Sandbox.Language)
	}
	if cfg.Gateways.HTTP.Addr() != ":9000" {
		t.Errorf("Addr = %q", cfg.Gateways.HTTP.Addr())
	}
	if !cfg.HistoryEnabled() || cfg.History.Retention() != 7*24*time.Hour {
		t.Errorf("history = %+v", cfg.History)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "galaxy.yaml", `
sandbox:
  isolation: process
  max_output_bytes: 2048
storage:
  driver: sqlite
  sqlite:
    path: /tmp/galaxy-test.db
observability:
  metrics:
    enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Sandbox.IsolationMode() != "process" {
		t.Errorf("IsolationMode = %q", cfg.Sandbox.IsolationMode())
	}
	if cfg.Sandbox.OutputLimit() != 2048 {
		t.Errorf("OutputLimit = %d", cfg.Sandbox.OutputLimit())
	}
	if cfg.DatabasePath() != "/tmp/galaxy-test.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
	if cfg.Observability.Metrics.MetricsPath() != "/metrics" {
		t.Errorf("MetricsPath = %q", cfg.Observability.Metrics.MetricsPath())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GALAXY_LISTEN_ADDR", ":7000")
	t.Setenv("GALAXY_API_KEYS", "k1:alice, k2")
	t.Setenv("GALAXY_MAX_EXECUTION_SECONDS", "5")
	t.Setenv("GALAXY_DB_DSN", "postgres://localhost/galaxy")

	cfg, err := Load(writeConfig(t, "galaxy.json", `{}`))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Gateways.HTTP.Addr() != ":7000" {
		t.Errorf("Addr = %q", cfg.Gateways.HTTP.Addr())
	}
	if cfg.Gateways.HTTP.APIKeys["k1"] != "alice" || cfg.Gateways.HTTP.APIKeys["k2"] != "default" {
		t.Errorf("APIKeys = %v", cfg.Gateways.HTTP.APIKeys)
	}
	if cfg.Sandbox.MaxExecution() != 5*time.Second {
		t.Errorf("MaxExecution = %v", cfg.Sandbox.MaxExecution())
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://localhost/galaxy" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("GALAXY_MAX_EXECUTION_SECONDS", "soon")
	if _, err := Load(writeConfig(t, "galaxy.json", `{}`)); err == nil {
		t.Fatal("expected error for non-numeric GALAXY_MAX_EXECUTION_SECONDS")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"language", `{"sandbox": {"language": "ruby"}}`, "sandbox.language"},
		{"negative timeout", `{"sandbox": {"max_execution_seconds": -1}}`, "max_execution_seconds"},
		{"isolation", `{"sandbox": {"isolation": "vm"}}`, "sandbox.isolation"},
		{"driver", `{"storage": {"driver": "mysql"}}`, "storage.driver"},
		{"postgres dsn", `{"storage": {"driver": "postgres"}, "history": {"enabled": true}}`, "dsn is required"},
		{"tracing protocol", `{"observability": {"tracing": {"enabled": true, "protocol": "udp"}}}`, "tracing.protocol"},
		{"anomaly threshold", `{"observability": {"anomaly": {"error_rate_threshold": 2}}}`, "error_rate_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "galaxy.json", tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestNilSafeDefaults(t *testing.T) {
	var s *SandboxConfig
	if s.Concurrency() != runtime.NumCPU() {
		t.Errorf("Concurrency = %d", s.Concurrency())
	}
	if s.RegexTimeout() != 2*time.Second || s.MaxExecution() != 0 {
		t.Error("unexpected sandbox defaults")
	}
	var h *HistoryConfig
	if h.Schedule() != "@daily" {
		t.Errorf("Schedule = %q", h.Schedule())
	}
	var w *WebSocketGatewayConfig
	if w.WSPath() != "/ws/execute" {
		t.Errorf("WSPath = %q", w.WSPath())
	}
	cfg := &Config{DataDir: t.TempDir()}
	if cfg.DenialLogPath() != "" {
		t.Error("DenialLogPath should be empty without an audit section")
	}
	cfg.Audit = &AuditConfig{}
	if !strings.HasSuffix(cfg.DenialLogPath(), "denials.jsonl") {
		t.Errorf("DenialLogPath = %q", cfg.DenialLogPath())
	}
}

func TestParseAPIKeys(t *testing.T) {
	if _, err := parseAPIKeys(":nokey"); err == nil {
		t.Error("expected error for empty key")
	}
	m, err := parseAPIKeys("a:x,,b:y")
	if err != nil {
		t.Fatalf("parseAPIKeys error: %v", err)
	}
	if len(m) != 2 || m["a"] != "x" || m["b"] != "y" {
		t.Errorf("parseAPIKeys = %v", m)
	}
}

func TestLoadExampleConfig(t *testing.T) {
	t.Setenv("GALAXY_MAX_EXECUTION_SECONDS", "")
	cfg, err := Load(filepath.Join("..", "..", "configs", "galaxy.example.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := cfg.Sandbox.MaxExecution(); got != 30*time.Second {
		t.Errorf("MaxExecution() = %v, want 30s", got)
	}
	if cfg.Sandbox.MaxSteps != 10_000_000 {
		t.Errorf("MaxSteps = %d, want 10000000", cfg.Sandbox.MaxSteps)
	}
	if !cfg.HistoryEnabled() || cfg.StorageDriverName() != "sqlite" {
		t.Errorf("history = %v driver = %q, want sqlite history", cfg.HistoryEnabled(), cfg.StorageDriverName())
	}
	if cfg.Gateways.WebSocket.WSPath() != "/ws/execute" {
		t.Errorf("WSPath() = %q, want /ws/execute", cfg.Gateways.WebSocket.WSPath())
	}
}
