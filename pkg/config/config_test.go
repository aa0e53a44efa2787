package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dispatch/pkg/policy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: DEBUG
command_bus:
  history_size: 25
  sensitive_fields: [pin, ssn]
event_bus:
  mode: async
  max_retries: 5
  retry_delay: 250ms
recovery:
  retry:
    max_attempts: 4
    base_delay: 50ms
    backoff: 2
    max_delay: 1s
  circuit_breaker:
    threshold: 3
    timeout: 10s
rate_limits:
  RegisterUser:
    requests_per_second: 2
    burst: 4
policy:
  enabled: true
  modules: [policies/]
  failure_posture:
    authorization: fail-open
audit:
  store: sqlite
  dsn: file:audit.db
errors:
  expose_internal: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 25, cfg.CommandBus.HistorySize)
	assert.Equal(t, []string{"pin", "ssn"}, cfg.CommandBus.SensitiveFields)
	assert.Equal(t, "async", cfg.EventBus.Mode)
	assert.Equal(t, 5, cfg.EventBus.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.EventBus.RetryDelay)
	assert.Equal(t, 4, cfg.Recovery.Retry.MaxAttempts)
	assert.Equal(t, 3, cfg.Recovery.CircuitBreaker.Threshold)
	assert.Equal(t, 2.0, cfg.RateLimits["RegisterUser"].RequestsPerSecond)
	assert.Equal(t, 4, cfg.RateLimits["RegisterUser"].BurstSize)
	assert.Equal(t, "dispatch/authz/decision", cfg.Policy.Entrypoint)
	assert.True(t, cfg.Policy.Postures().FailOpen(policy.DomainAuthorization))
	assert.Equal(t, AuditStoreSQLite, cfg.Audit.Store)
	assert.True(t, cfg.Errors.ExposeInternal)
	assert.Equal(t, "en-US", cfg.Errors.DefaultLocale)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 100, cfg.CommandBus.HistorySize)
	assert.Equal(t, "sync", cfg.EventBus.Mode)
	assert.Equal(t, 3, cfg.Recovery.Retry.MaxAttempts)
	assert.Equal(t, AuditStoreMemory, cfg.Audit.Store)
	assert.False(t, cfg.Policy.Postures().FailOpen(policy.DomainAuthorization))
	assert.NotEmpty(t, cfg.Telemetry.Redaction.Drop)
}

func TestLoad_ExpandsEnvReferences(t *testing.T) {
	t.Setenv("AUDIT_DSN", "file:/tmp/expanded.db")
	path := writeConfig(t, `
audit:
  store: sqlite
  dsn: ${AUDIT_DSN}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file:/tmp/expanded.db", cfg.Audit.DSN)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POLIS_LOG_LEVEL", "warn")
	t.Setenv("POLIS_COMMAND_HISTORY_SIZE", "7")
	t.Setenv("POLIS_EVENT_MODE", "async")
	t.Setenv("POLIS_RECOVERY_RETRY_MAX_ATTEMPTS", "9")
	t.Setenv("POLIS_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("POLIS_COMMAND_SENSITIVE_FIELDS", "pin,cvv")

	path := writeConfig(t, `
logging:
  level: debug
command_bus:
  history_size: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.CommandBus.HistorySize)
	assert.Equal(t, "async", cfg.EventBus.Mode)
	assert.Equal(t, 9, cfg.Recovery.Retry.MaxAttempts)
	assert.Equal(t, "collector:4317", cfg.Telemetry.Tracing.Endpoint)
	assert.Equal(t, []string{"pin", "cvv"}, cfg.CommandBus.SensitiveFields)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"log level", "logging: {level: loud}", "invalid log level"},
		{"history", "command_bus: {history_size: -1}", "history_size"},
		{"mode", "event_bus: {mode: eventual}", "invalid mode"},
		{"retry", "recovery: {retry: {max_attempts: 0}}", "max_attempts"},
		{"breaker", "recovery: {circuit_breaker: {threshold: 0}}", "threshold"},
		{"posture", "policy: {failure_posture: {authorization: sometimes}}", "invalid mode"},
		{"sqlite dsn", "audit: {store: sqlite}", "dsn"},
		{"store", "audit: {store: redis}", "invalid store"},
		{"rate limit", "rate_limits: {'*': {requests_per_second: -1}}", "rate limit"},
		{"redaction", "telemetry: {redaction: {strategies: {enduser.id: scramble}}}", "scramble"},
		{"yaml", "logging: [", "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestConfig_MarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.CommandBus.HistorySize = 12

	data, err := cfg.Marshal()
	require.NoError(t, err)

	decoded := Default()
	require.NoError(t, Parse(data, decoded))
	require.NoError(t, decoded.Validate())
	assert.Equal(t, 12, decoded.CommandBus.HistorySize)
	assert.Equal(t, cfg.Recovery, decoded.Recovery)
}

func TestLoader_Watch(t *testing.T) {
	path := writeConfig(t, "command_bus: {history_size: 10}\n")

	loader, err := NewLoader(path, nil)
	require.NoError(t, err)

	_, err = loader.Load()
	require.NoError(t, err)

	updated := make(chan *Config, 8)
	require.NoError(t, loader.Watch(func(c *Config) { updated <- c }))
	defer loader.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("command_bus: {history_size: 20}\n"), 0o644))

	// A single save can produce several events; wait for the final content.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cfg := <-updated:
			if cfg.CommandBus.HistorySize == 20 {
				assert.Equal(t, 20, loader.Current().CommandBus.HistorySize)
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for config update")
		}
	}
}

func TestLoader_InvalidEditKeepsPrevious(t *testing.T) {
	path := writeConfig(t, "command_bus: {history_size: 10}\n")

	loader, err := NewLoader(path, nil)
	require.NoError(t, err)

	_, err = loader.Load()
	require.NoError(t, err)

	updated := make(chan *Config, 8)
	require.NoError(t, loader.Watch(func(c *Config) { updated <- c }))
	defer loader.Close()

	require.NoError(t, os.WriteFile(path, []byte("command_bus: {history_size: -5}\n"), 0o644))

	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case cfg := <-updated:
			// Truncation may surface an empty, valid file before the write lands.
			assert.NotEqual(t, -5, cfg.CommandBus.HistorySize)
		case <-deadline:
			current := loader.Current()
			require.NotNil(t, current)
			assert.NotEqual(t, -5, current.CommandBus.HistorySize)
			return
		}
	}
}

func TestLoader_CloseIsIdempotent(t *testing.T) {
	loader, err := NewLoader(writeConfig(t, ""), nil)
	require.NoError(t, err)
	require.NoError(t, loader.Close())
	require.NoError(t, loader.Close())
}
