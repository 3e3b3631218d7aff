// Package config provides configuration loading and validation for the
// governance middleware daemon.
//
// Configuration file: /etc/govspine/config.yaml (default)
// Schema version: 1
//
// Unlike the Constitution (internal/constitution), this file is read
// once at startup. A SIGHUP triggers a Constitution reload only — the
// process fields here (ports, paths, pool sizes) require a restart,
// since changing them mid-flight would require re-dialing storage or
// re-binding a listener.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced.
//   - Invalid config on startup: the daemon refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the daemon.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this instance in logs and operator responses.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	Spine         SpineConfig         `yaml:"spine"`
	Constitution  ConstitutionConfig  `yaml:"constitution"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Drafter       DrafterConfig       `yaml:"drafter"`
	Sensor        SensorConfig        `yaml:"sensor"`
	Transport     TransportConfig     `yaml:"transport"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// SpineConfig holds orchestrator-level operational parameters. Defaults
// for the rewrite budget K and rollback limit L live in the Constitution
// snapshot itself (they are policy, not process config); this section
// only holds resource knobs the process needs before any Constitution
// has been loaded.
type SpineConfig struct {
	// MaxOutstandingDrafts bounds concurrent in-flight Drafter calls.
	// Default: 32.
	MaxOutstandingDrafts int `yaml:"max_outstanding_drafts"`

	// SubmitTimeout bounds Submit end-to-end when the caller supplies no
	// deadline of its own. Default: 20s.
	SubmitTimeout time.Duration `yaml:"submit_timeout"`

	// PromptTemplate is the template handed to the Drafter, with "{{text}}"
	// substituted for the utterance under generation.
	PromptTemplate string `yaml:"prompt_template"`
}

// ConstitutionConfig points at the hot-reloadable policy file.
type ConstitutionConfig struct {
	// Path is the absolute path to the Constitution YAML file.
	// Default: /etc/govspine/constitution.yaml.
	Path string `yaml:"path"`
}

// LedgerConfig holds BoltDB-backed StepLedger parameters.
type LedgerConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/govspine/ledger.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays bounds how long closed islands are kept before
	// pruning. Default: 90.
	RetentionDays int `yaml:"retention_days"`
}

// DrafterConfig points the Drafter adapter at its upstream model.
type DrafterConfig struct {
	// Endpoint is the upstream generation backend address.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds a single generation attempt, before the adapter's
	// internal one-shot retry. Default: 8s.
	Timeout time.Duration `yaml:"timeout"`

	// RateLimitCapacity is the process-wide token bucket capacity
	// protecting the upstream backend from bursts. 0 disables rate
	// limiting entirely. Default: 0.
	RateLimitCapacity int `yaml:"rate_limit_capacity"`

	// RateLimitRefillPeriod is how often the bucket refills to full
	// capacity. Only meaningful when RateLimitCapacity > 0. Default: 1m.
	RateLimitRefillPeriod time.Duration `yaml:"rate_limit_refill_period"`
}

// SensorConfig configures the embedding backend the Sensor and Verifier
// share for cosine-similarity drift/consistency scoring.
type SensorConfig struct {
	// EmbedderEndpoint is the embedding service address. Empty disables
	// the embedder entirely: the Sensor then reports zero drift with the
	// sensor_degraded marker, and the Verifier's consistency check uses
	// its Jaccard token-overlap fallback.
	EmbedderEndpoint string `yaml:"embedder_endpoint"`

	// EmbedderTimeout bounds a single embedding call. Default: 2s.
	EmbedderTimeout time.Duration `yaml:"embedder_timeout"`
}

// TransportConfig configures the caller-facing gRPC surface.
type TransportConfig struct {
	// ListenAddr is the gRPC listen address. Default: 0.0.0.0:7443.
	ListenAddr string `yaml:"listen_addr"`

	// TLSCertFile is the path to the node's TLS certificate (PEM).
	TLSCertFile string `yaml:"tls_cert_file"`

	// TLSKeyFile is the path to the node's TLS private key (PEM).
	TLSKeyFile string `yaml:"tls_key_file"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds operator control-plane socket parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator CLI.
	// Permissions: 0600, owned by root. Default: /run/govspine/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// DefaultDBPath is exposed for callers that need the ledger path before
// a Config has been loaded (e.g. a standalone migration tool).
const DefaultDBPath = "/var/lib/govspine/ledger.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Spine: SpineConfig{
			MaxOutstandingDrafts: 32,
			SubmitTimeout:        20 * time.Second,
			PromptTemplate:       "{{text}}",
		},
		Constitution: ConstitutionConfig{
			Path: "/etc/govspine/constitution.yaml",
		},
		Ledger: LedgerConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 90,
		},
		Drafter: DrafterConfig{
			Timeout:               8 * time.Second,
			RateLimitRefillPeriod: time.Minute,
		},
		Sensor: SensorConfig{
			EmbedderTimeout: 2 * time.Second,
		},
		Transport: TransportConfig{
			ListenAddr: "0.0.0.0:7443",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/govspine/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Spine.MaxOutstandingDrafts < 1 {
		errs = append(errs, fmt.Sprintf("spine.max_outstanding_drafts must be >= 1, got %d", cfg.Spine.MaxOutstandingDrafts))
	}
	if cfg.Spine.SubmitTimeout < time.Second {
		errs = append(errs, fmt.Sprintf("spine.submit_timeout must be >= 1s, got %s", cfg.Spine.SubmitTimeout))
	}
	if cfg.Spine.PromptTemplate == "" {
		errs = append(errs, "spine.prompt_template must not be empty")
	}
	if cfg.Constitution.Path == "" {
		errs = append(errs, "constitution.path must not be empty")
	}
	if cfg.Ledger.DBPath == "" {
		errs = append(errs, "ledger.db_path must not be empty")
	}
	if cfg.Ledger.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("ledger.retention_days must be >= 1, got %d", cfg.Ledger.RetentionDays))
	}
	if cfg.Drafter.Timeout < time.Second {
		errs = append(errs, fmt.Sprintf("drafter.timeout must be >= 1s, got %s", cfg.Drafter.Timeout))
	}
	if cfg.Drafter.RateLimitCapacity < 0 {
		errs = append(errs, "drafter.rate_limit_capacity must be >= 0")
	}
	if cfg.Drafter.RateLimitCapacity > 0 && cfg.Drafter.RateLimitRefillPeriod <= 0 {
		errs = append(errs, "drafter.rate_limit_refill_period must be > 0 when rate_limit_capacity is set")
	}
	if cfg.Sensor.EmbedderTimeout < 0 {
		errs = append(errs, "sensor.embedder_timeout must be >= 0")
	}
	if cfg.Transport.ListenAddr == "" {
		errs = append(errs, "transport.listen_addr must not be empty")
	}
	if (cfg.Transport.TLSCertFile == "") != (cfg.Transport.TLSKeyFile == "") {
		errs = append(errs, "transport.tls_cert_file and tls_key_file must both be set or both be empty")
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug/info/warn/error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
