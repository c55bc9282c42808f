// Package config handles loading and validating maigret-mcp configuration.
//
// Configuration comes from an optional JSON or YAML file, then environment
// variables, then defaults. Env vars take precedence over file values.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/maigret-mcp/internal/workspace"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Execution modes.
const (
	ModeDocker = "docker"
	ModeVenv   = "venv"
)

// DefaultMaxOutputBytes is the combined stdout+stderr ceiling per command.
const DefaultMaxOutputBytes = 10 << 20

// Config is the root configuration for maigret-mcp.
type Config struct {
	Mode          string               `json:"mode" yaml:"mode"`                                               // "docker" (default) or "venv". Override: MAIGRET_MODE.
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"`                 // Default: ~/.maigret-mcp. Override: MAIGRET_MCP_HOME.
	Docker        DockerConfig         `json:"docker" yaml:"docker"`
	Venv          VenvConfig           `json:"venv" yaml:"venv"`
	Runner        RunnerConfig         `json:"runner" yaml:"runner"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	History       HistoryConfig        `json:"history" yaml:"history"`
	Reports       ReportsConfig        `json:"reports" yaml:"reports"`
	Ops           *OpsConfig           `json:"ops,omitempty" yaml:"ops,omitempty"`                     // nil = ops endpoint disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// DockerConfig configures the containerized execution environment.
type DockerConfig struct {
	Binary     string `json:"binary,omitempty" yaml:"binary,omitempty"`           // Default: "docker".
	Image      string `json:"image,omitempty" yaml:"image,omitempty"`             // Default: "soxoj/maigret:latest". Override: MAIGRET_IMAGE.
	ReportsDir string `json:"reports_dir,omitempty" yaml:"reports_dir,omitempty"` // Default: "./reports". Override: MAIGRET_REPORTS_DIR.
}

// VenvConfig configures the Python virtual environment.
type VenvConfig struct {
	Dir           string `json:"dir,omitempty" yaml:"dir,omitempty"`                       // Default: <workspace>/venv. Override: MAIGRET_VENV_DIR.
	Python        string `json:"python,omitempty" yaml:"python,omitempty"`                 // Base interpreter. Override: MAIGRET_PYTHON.
	Package       string `json:"package,omitempty" yaml:"package,omitempty"`               // pip requirement. Default: "maigret".
	BootstrapURL  string `json:"bootstrap_url,omitempty" yaml:"bootstrap_url,omitempty"`   // get-pip.py location.
	UpgradePolicy string `json:"upgrade_policy,omitempty" yaml:"upgrade_policy,omitempty"` // "always" (default), "once", "never". Override: MAIGRET_UPGRADE_POLICY.
}

// RunnerConfig bounds external command execution.
type RunnerConfig struct {
	Timeout        string `json:"timeout,omitempty" yaml:"timeout,omitempty"`                   // Go duration. Empty or "0" = no timeout.
	MaxOutputBytes int    `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"` // Default: 10 MiB.
}

// CommandTimeout returns the parsed timeout, zero when unset.
func (r *RunnerConfig) CommandTimeout() time.Duration {
	d, _ := parseDuration(r.Timeout)
	return d
}

// OutputLimit returns the output ceiling in bytes.
func (r *RunnerConfig) OutputLimit() int {
	if r.MaxOutputBytes > 0 {
		return r.MaxOutputBytes
	}
	return DefaultMaxOutputBytes
}

// RateLimitConfig caps how often each tool may run.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"` // Per tool. 0 = unlimited.
	Burst             int `json:"burst,omitempty" yaml:"burst,omitempty"`                             // Default: requests_per_minute.
}

// Enabled reports whether a limit is configured.
func (r *RateLimitConfig) Enabled() bool {
	return r.RequestsPerMinute > 0
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`   // debug, info (default), warn, error. Override: MAIGRET_LOG_LEVEL.
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" (default) or "text".
}

// HistoryConfig configures the tool call history store.
type HistoryConfig struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"` // Default: true.
	Driver  string `json:"driver,omitempty" yaml:"driver,omitempty"`   // "sqlite" (default) or "postgres". Inferred as postgres when DSN is set.
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`       // SQLite file. Default: <workspace>/data/history.db.
	DSN     string `json:"dsn,omitempty" yaml:"dsn,omitempty"`         // PostgreSQL DSN. Override: MAIGRET_HISTORY_DSN.
}

// IsEnabled reports whether call history is recorded.
func (h *HistoryConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (h *HistoryConfig) StorageDriver() string {
	if h.Driver != "" {
		return h.Driver
	}
	if h.DSN != "" {
		return "postgres"
	}
	return "sqlite"
}

// ReportsConfig configures report retention.
type ReportsConfig struct {
	Retention     string `json:"retention,omitempty" yaml:"retention,omitempty"`           // Go duration, e.g. "720h". Empty = keep forever.
	PruneSchedule string `json:"prune_schedule,omitempty" yaml:"prune_schedule,omitempty"` // Cron expression. Default: "@hourly".
}

// RetentionPeriod returns the parsed retention, zero when unset.
func (r *ReportsConfig) RetentionPeriod() time.Duration {
	d, _ := parseDuration(r.Retention)
	return d
}

// OpsConfig configures the operational HTTP endpoint.
type OpsConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // e.g. "127.0.0.1:9090"
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
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
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "maigret-mcp"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0 to 1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns ~/.maigret-mcp/config.yaml.
func DefaultConfigPath() string {
	root, err := workspace.DefaultRoot()
	if err != nil {
		return "maigret-mcp.yaml"
	}
	return filepath.Join(root, "config.yaml")
}

// Load reads the config file at path, applies environment overrides and
// defaults, and validates the result. An empty path loads DefaultConfigPath
// when it exists and falls back to env-only configuration otherwise.
func Load(path string) (*Config, error) {
	var cfg Config

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	resolved, err := workspace.ResolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := unmarshal(resolved, data, &cfg); err != nil {
			return nil, err
		}
	case !explicit && errors.Is(err, os.ErrNotExist):
		// No default config file: env and defaults only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg.applyEnv()
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() {
	overrides := []struct {
		key string
		dst *string
	}{
		{"MAIGRET_MODE", &c.Mode},
		{"MAIGRET_MCP_HOME", &c.Workspace},
		{"MAIGRET_IMAGE", &c.Docker.Image},
		{"MAIGRET_REPORTS_DIR", &c.Docker.ReportsDir},
		{"MAIGRET_VENV_DIR", &c.Venv.Dir},
		{"MAIGRET_PYTHON", &c.Venv.Python},
		{"MAIGRET_UPGRADE_POLICY", &c.Venv.UpgradePolicy},
		{"MAIGRET_LOG_LEVEL", &c.Logging.Level},
		{"MAIGRET_HISTORY_DSN", &c.History.DSN},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.key); v != "" {
			*o.dst = v
		}
	}
}

func (c *Config) applyDefaults() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = ModeDocker
	}

	if c.Workspace == "" {
		root, err := workspace.DefaultRoot()
		if err != nil {
			return err
		}
		c.Workspace = root
	}
	ws, err := workspace.ResolvePath(c.Workspace)
	if err != nil {
		return fmt.Errorf("resolving workspace %s: %w", c.Workspace, err)
	}
	c.Workspace = ws

	if c.Docker.ReportsDir == "" {
		c.Docker.ReportsDir = "./reports"
	}
	if c.Venv.Dir == "" {
		c.Venv.Dir = filepath.Join(c.Workspace, "venv")
	}
	if c.Venv.Dir, err = workspace.ResolvePath(c.Venv.Dir); err != nil {
		return fmt.Errorf("resolving venv dir: %w", err)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// ReportsDir returns the host reports directory for the active mode:
// the configured directory in docker mode, <workspace>/reports in venv mode.
func (c *Config) ReportsDir() (string, error) {
	if c.Mode == ModeVenv {
		return filepath.Join(c.Workspace, "reports"), nil
	}
	return workspace.ResolvePath(c.Docker.ReportsDir)
}

// HistoryPath returns the SQLite history database path.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		if p, err := workspace.ResolvePath(c.History.Path); err == nil {
			return p
		}
		return c.History.Path
	}
	return filepath.Join(c.Workspace, "data", "history.db")
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeDocker, ModeVenv:
	default:
		return fmt.Errorf("mode %q not supported (use %q or %q)", c.Mode, ModeDocker, ModeVenv)
	}

	switch c.Venv.UpgradePolicy {
	case "", "always", "once", "never":
	default:
		return fmt.Errorf("venv.upgrade_policy %q not supported (use always, once or never)", c.Venv.UpgradePolicy)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q not supported", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q not supported (use json or text)", c.Logging.Format)
	}

	if _, err := parseDuration(c.Runner.Timeout); err != nil {
		return fmt.Errorf("runner.timeout: %w", err)
	}
	if c.Runner.MaxOutputBytes < 0 {
		return fmt.Errorf("runner.max_output_bytes must not be negative")
	}

	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	if c.History.IsEnabled() {
		switch c.History.StorageDriver() {
		case "sqlite":
		case "postgres":
			if c.History.DSN == "" {
				return fmt.Errorf("history.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("history.driver %q not supported (use sqlite or postgres)", c.History.Driver)
		}
	}

	if _, err := parseDuration(c.Reports.Retention); err != nil {
		return fmt.Errorf("reports.retention: %w", err)
	}

	if c.Ops != nil && c.Ops.ListenAddr == "" {
		return fmt.Errorf("ops.listen_addr is required when ops is configured")
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q not supported (use grpc or http)", t.Protocol)
		}
	}
	return nil
}

// parseDuration accepts an empty string as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}
