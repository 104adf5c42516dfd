// Package config handles loading and validating Galaxy configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Galaxy.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.galaxy/data. Override: GALAXY_DATA_DIR env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default under data_dir
	History       *HistoryConfig       `json:"history,omitempty" yaml:"history,omitempty"`             // nil = history disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = no denial audit log
}

// SandboxConfig configures the execution engine.
type SandboxConfig struct {
	Language            string   `json:"language" yaml:"language"`                           // Only "python" is supported. Default: "python".
	MaxExecutionSeconds int      `json:"max_execution_seconds" yaml:"max_execution_seconds"` // 0 = unbounded. Override: GALAXY_MAX_EXECUTION_SECONDS.
	MaxSteps            uint64   `json:"max_steps" yaml:"max_steps"`                         // Interpreter step budget. 0 = unbounded.
	MaxOutputBytes      int      `json:"max_output_bytes" yaml:"max_output_bytes"`           // Per stream. Default: 1 MiB.
	MaxConcurrent       int      `json:"max_concurrent" yaml:"max_concurrent"`               // Default: number of CPUs.
	DeniedModules       []string `json:"denied_modules,omitempty" yaml:"denied_modules,omitempty"`
	Isolation           string   `json:"isolation" yaml:"isolation"`                   // "inprocess" (default) or "process".
	WorkDir             string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty"` // Root for os.path and archive lookups. Default: process temp dir.
	RegexTimeoutMS      int      `json:"regex_timeout_ms" yaml:"regex_timeout_ms"`     // Default: 2000.
	MaxMemoryMB         int      `json:"max_memory_mb" yaml:"max_memory_mb"`           // Worker address-space limit in process isolation. Default: 1024.
	MaxCPUSeconds       int      `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`       // Worker CPU limit in process isolation. Default: 60, none when max_execution_seconds is 0.
}

// MaxExecution returns the wall-clock bound, or 0 when unbounded.
func (s *SandboxConfig) MaxExecution() time.Duration {
	if s != nil && s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 0
}

// OutputLimit returns the per-stream output cap with a default of 1 MiB.
func (s *SandboxConfig) OutputLimit() int {
	if s != nil && s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return 1 << 20
}

// Concurrency returns the in-flight execution bound.
func (s *SandboxConfig) Concurrency() int {
	if s != nil && s.MaxConcurrent > 0 {
		return s.MaxConcurrent
	}
	return runtime.NumCPU()
}

// IsolationMode returns "inprocess" or "process".
func (s *SandboxConfig) IsolationMode() string {
	if s != nil && s.Isolation != "" {
		return s.Isolation
	}
	return "inprocess"
}

// RegexTimeout returns the per-match regex timeout with a default of 2s.
func (s *SandboxConfig) RegexTimeout() time.Duration {
	if s != nil && s.RegexTimeoutMS > 0 {
		return time.Duration(s.RegexTimeoutMS) * time.Millisecond
	}
	return 2 * time.Second
}

// ResolvedWorkDir returns the directory sandboxed path lookups are confined to.
func (s *SandboxConfig) ResolvedWorkDir() string {
	if s != nil && s.WorkDir != "" {
		if resolved, err := resolvePath(s.WorkDir); err == nil {
			return resolved
		}
		return s.WorkDir
	}
	return filepath.Join(os.TempDir(), "galaxy-work")
}

// GatewaysConfig defines which gateways are enabled and their settings.
// Nil pointers mean the gateway is not configured. If the entire section
// is absent, the HTTP gateway is enabled with defaults.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: GALAXY_LISTEN_ADDR.
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key → client ID. Override: GALAXY_API_KEYS=key:client,...
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	MCP                 bool              `json:"mcp" yaml:"mcp"` // Mount the streamable-HTTP MCP handler at /mcp.
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxBodyBytes returns the request body cap with a default of 1 MiB.
func (h *HTTPGatewayConfig) MaxBodyBytes() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// WebSocketGatewayConfig configures the streaming execution endpoint.
type WebSocketGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/ws/execute".
}

// WSPath returns the WebSocket path with a default of "/ws/execute".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/execute"
}

// RateLimitConfig configures per-client rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// StorageConfig configures the history backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/galaxy.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: GALAXY_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// HistoryConfig configures execution history recording and retention.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"` // Default: 30.
	PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule"` // Cron spec. Default: "@daily".
}

// Retention returns the history retention period.
func (h *HistoryConfig) Retention() time.Duration {
	if h != nil && h.RetentionDays > 0 {
		return time.Duration(h.RetentionDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// Schedule returns the prune cron spec with a default of "@daily".
func (h *HistoryConfig) Schedule() string {
	if h != nil && h.PruneSchedule != "" {
		return h.PruneSchedule
	}
	return "@daily"
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "galaxy"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness checks.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% faulted executions
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Default: 10
}

// AuditConfig configures the append-only denial log.
type AuditConfig struct {
	DenialLogPath string `json:"denial_log_path" yaml:"denial_log_path"` // Default: <data_dir>/denials.jsonl
}

// DefaultConfigPath returns the default config file path (~/.galaxy/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/galaxy.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".galaxy", "config.json")
}

// Default returns the configuration used when no config file exists:
// the HTTP gateway on :8080 with no history.
func Default() *Config {
	cfg := &Config{
		Gateways: GatewaysConfig{HTTP: &HTTPGatewayConfig{Enabled: true}},
	}
	_ = cfg.applyEnv()
	_ = cfg.validate()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON, which may contain comments and trailing commas.
// Environment variables take precedence over config values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() error {
	if envDD := os.Getenv("GALAXY_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}

	if addr := os.Getenv("GALAXY_LISTEN_ADDR"); addr != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		c.Gateways.HTTP.ListenAddr = addr
	}

	if keys := os.Getenv("GALAXY_API_KEYS"); keys != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		mapping, err := parseAPIKeys(keys)
		if err != nil {
			return fmt.Errorf("parsing GALAXY_API_KEYS: %w", err)
		}
		c.Gateways.HTTP.APIKeys = mapping
	}

	if dsn := os.Getenv("GALAXY_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}

	if secs := os.Getenv("GALAXY_MAX_EXECUTION_SECONDS"); secs != "" {
		n, err := strconv.Atoi(secs)
		if err != nil {
			return fmt.Errorf("parsing GALAXY_MAX_EXECUTION_SECONDS: %w", err)
		}
		c.Sandbox.MaxExecutionSeconds = n
	}

	// Resolve DataDir default.
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".galaxy", "data")
		}
	}
	return nil
}

// parseAPIKeys parses "key:client,key2:client2". A key without a client
// maps to "default".
func parseAPIKeys(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, client, _ := strings.Cut(pair, ":")
		if key == "" {
			return nil, fmt.Errorf("empty API key in %q", pair)
		}
		if client == "" {
			client = "default"
		}
		out[key] = client
	}
	return out, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".galaxy", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if resolved, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return resolved
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "galaxy.db")
}

// DenialLogPath returns the denial audit log path, or "" when auditing is off.
func (c *Config) DenialLogPath() string {
	if c.Audit == nil {
		return ""
	}
	if c.Audit.DenialLogPath != "" {
		return c.Audit.DenialLogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "denials.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// HistoryEnabled reports whether executions are recorded.
func (c *Config) HistoryEnabled() bool {
	return c.History != nil && c.History.Enabled
}

func (c *Config) validate() error {
	if c.Sandbox.Language == "" {
		c.Sandbox.Language = "python"
	}
	if c.Sandbox.Language != "python" {
		return fmt.Errorf("sandbox.language %q is not supported (use python)", c.Sandbox.Language)
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.Sandbox.MaxConcurrent < 0 {
		return fmt.Errorf("sandbox.max_concurrent must not be negative")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	switch c.Sandbox.IsolationMode() {
	case "inprocess", "process":
		// valid
	default:
		return fmt.Errorf("sandbox.isolation %q is not supported (use inprocess or process)", c.Sandbox.Isolation)
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" && c.HistoryEnabled() {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when storage.driver is postgres")
		}
	}
	if c.History != nil && c.History.RetentionDays < 0 {
		return fmt.Errorf("history.retention_days must not be negative")
	}
	if h := c.Gateways.HTTP; h != nil {
		if h.RateLimit.RequestsPerMinute < 0 || h.RateLimit.BurstSize < 0 {
			return fmt.Errorf("gateways.http.rate_limit values must not be negative")
		}
	}
	if o := c.Observability; o != nil {
		if o.Tracing != nil && o.Tracing.Enabled {
			switch o.Tracing.Protocol {
			case "", "grpc", "http":
				// valid
			default:
				return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
			}
		}
		if o.Anomaly != nil && (o.Anomaly.ErrorRateThreshold < 0 || o.Anomaly.ErrorRateThreshold > 1) {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
	}
	return nil
}
