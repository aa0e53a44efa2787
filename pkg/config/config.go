// Package config provides configuration structures and loading logic for
// polis-dispatch.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-dispatch/internal/governance"
	"github.com/polisai/polis-dispatch/pkg/policy"
	"github.com/polisai/polis-dispatch/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POLIS_"

// Config holds the global configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
	CommandBus CommandBusConfig `yaml:"command_bus" envPrefix:"COMMAND_"`
	EventBus   EventBusConfig   `yaml:"event_bus" envPrefix:"EVENT_"`
	Recovery   RecoveryConfig   `yaml:"recovery" envPrefix:"RECOVERY_"`
	Policy     PolicyConfig     `yaml:"policy" envPrefix:"POLICY_"`
	// RateLimits maps command names, or "*", to token bucket settings.
	RateLimits map[string]governance.RateLimiterConfig `yaml:"rate_limits"`
	Audit      AuditConfig                             `yaml:"audit" envPrefix:"AUDIT_"`
	Telemetry  TelemetryConfig                         `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Errors     ErrorsConfig                            `yaml:"errors" envPrefix:"ERRORS_"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
}

// CommandBusConfig configures history and redaction.
type CommandBusConfig struct {
	HistorySize     int      `yaml:"history_size" env:"HISTORY_SIZE"`
	SensitiveFields []string `yaml:"sensitive_fields" env:"SENSITIVE_FIELDS" envSeparator:","`
}

// EventBusConfig configures delivery.
type EventBusConfig struct {
	Mode            string        `yaml:"mode" env:"MODE"`
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	CausationWindow int           `yaml:"causation_window" env:"CAUSATION_WINDOW"`
}

// RecoveryConfig holds defaults for recovery strategies built from config.
type RecoveryConfig struct {
	Retry          RetryConfig          `yaml:"retry" envPrefix:"RETRY_"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"BREAKER_"`
}

// RetryConfig mirrors recovery.RetryConfig.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	Backoff     float64       `yaml:"backoff" env:"BACKOFF"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// CircuitBreakerConfig holds breaker thresholds.
type CircuitBreakerConfig struct {
	Threshold int           `yaml:"threshold" env:"THRESHOLD"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// PolicyConfig configures command authorization.
type PolicyConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	Entrypoint string `yaml:"entrypoint" env:"ENTRYPOINT"`
	// Modules lists .rego files or directories of them. When empty, the
	// built-in admin-only module is used.
	Modules   []string `yaml:"modules" env:"MODULES" envSeparator:","`
	CacheSize int      `yaml:"cache_size" env:"CACHE_SIZE"`
	// FailurePosture overrides per-domain postures, e.g. authorization: fail-open.
	FailurePosture map[string]string `yaml:"failure_posture"`
}

// AuditConfig selects the audit store.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Store   string `yaml:"store" env:"STORE"`
	DSN     string `yaml:"dsn" env:"DSN"`
}

// Audit store kinds.
const (
	AuditStoreMemory = "memory"
	AuditStoreSQLite = "sqlite"
)

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	Tracing        telemetry.Config         `yaml:"tracing"`
	OTLPEndpoint   string                   `yaml:"-" env:"OTLP_ENDPOINT"`
	MetricsAddress string                   `yaml:"metrics_address" env:"METRICS_ADDRESS"`
	Redaction      telemetry.RedactionRules `yaml:"redaction"`
}

// ErrorsConfig controls how errors are rendered to callers.
type ErrorsConfig struct {
	// ExposeInternal includes internal messages and causes in responses.
	ExposeInternal bool   `yaml:"expose_internal" env:"EXPOSE_INTERNAL"`
	DefaultLocale  string `yaml:"default_locale" env:"DEFAULT_LOCALE"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Logging:    LoggingConfig{Level: "info"},
		CommandBus: CommandBusConfig{HistorySize: 100},
		EventBus: EventBusConfig{
			Mode:            "sync",
			MaxRetries:      3,
			RetryDelay:      100 * time.Millisecond,
			CausationWindow: 1024,
		},
		Recovery: RecoveryConfig{
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				Backoff:     2,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{Threshold: 5, Timeout: 30 * time.Second},
		},
		Policy: PolicyConfig{Entrypoint: "dispatch/authz/decision", CacheSize: 1024},
		Audit:  AuditConfig{Enabled: true, Store: AuditStoreMemory},
		Telemetry: TelemetryConfig{
			Tracing:   telemetry.Config{ServiceName: "polis-dispatch"},
			Redaction: telemetry.DefaultRedactionRules(),
		},
		Errors: ErrorsConfig{DefaultLocale: "en-US"},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse expands ${VAR} references in data and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	return yaml.Unmarshal([]byte(expanded), cfg)
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		cfg.Telemetry.Tracing.Endpoint = cfg.Telemetry.OTLPEndpoint
	}
	return nil
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate fills defaults and checks every section.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.CommandBus.Validate(); err != nil {
		return fmt.Errorf("command bus configuration: %w", err)
	}
	if err := c.EventBus.Validate(); err != nil {
		return fmt.Errorf("event bus configuration: %w", err)
	}
	if err := c.Recovery.Validate(); err != nil {
		return fmt.Errorf("recovery configuration: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}
	for command, limit := range c.RateLimits {
		if limit.RequestsPerSecond < 0 || limit.BurstSize < 0 {
			return fmt.Errorf("rate limit %q: rate and burst must not be negative", command)
		}
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit configuration: %w", err)
	}
	if err := c.Telemetry.Redaction.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if strings.TrimSpace(c.Errors.DefaultLocale) == "" {
		c.Errors.DefaultLocale = "en-US"
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of command bus configuration
func (c *CommandBusConfig) Validate() error {
	if c.HistorySize == 0 {
		c.HistorySize = 100
	}
	if c.HistorySize < 0 {
		return fmt.Errorf("history_size must be positive, got %d", c.HistorySize)
	}
	return nil
}

// Validate performs validation of event bus configuration
func (c *EventBusConfig) Validate() error {
	mode := strings.TrimSpace(strings.ToLower(c.Mode))
	switch mode {
	case "":
		c.Mode = "sync"
	case "sync", "async":
		c.Mode = mode
	default:
		return fmt.Errorf("invalid mode %q, supported modes: sync, async", c.Mode)
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	if c.RetryDelay < 0 {
		return errors.New("retry_delay must not be negative")
	}
	return nil
}

// Validate performs validation of recovery configuration
func (c *RecoveryConfig) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Backoff != 0 && c.Retry.Backoff < 1 {
		return fmt.Errorf("retry backoff must be >= 1, got %v", c.Retry.Backoff)
	}
	if c.CircuitBreaker.Threshold < 1 {
		return fmt.Errorf("circuit_breaker threshold must be at least 1, got %d", c.CircuitBreaker.Threshold)
	}
	if c.CircuitBreaker.Timeout <= 0 {
		return errors.New("circuit_breaker timeout must be positive")
	}
	return nil
}

// Validate performs validation of policy configuration
func (c *PolicyConfig) Validate() error {
	if strings.TrimSpace(c.Entrypoint) == "" {
		c.Entrypoint = "dispatch/authz/decision"
	}
	posture := policy.DefaultPostureSet()
	if err := posture.ApplyOverrideStrings(c.FailurePosture); err != nil {
		return err
	}
	return nil
}

// Postures returns the failure postures with overrides applied.
func (c *PolicyConfig) Postures() policy.PostureSet {
	posture := policy.DefaultPostureSet()
	_ = posture.ApplyOverrideStrings(c.FailurePosture)
	return posture
}

// Validate performs validation of audit configuration
func (c *AuditConfig) Validate() error {
	store := strings.TrimSpace(strings.ToLower(c.Store))
	switch store {
	case "":
		c.Store = AuditStoreMemory
	case AuditStoreMemory:
		c.Store = store
	case AuditStoreSQLite:
		c.Store = store
		if strings.TrimSpace(c.DSN) == "" {
			return errors.New("sqlite store requires dsn")
		}
	default:
		return fmt.Errorf("invalid store %q, supported stores: memory, sqlite", c.Store)
	}
	return nil
}
