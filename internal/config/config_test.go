package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost/pacer_test"
  max_open_conns: 10

redis:
  url: "redis://localhost:6379/1"
  enabled: true

provider:
  base_url: "https://sandbox.zentra.io/v1"
  timeout_seconds: 45
  max_retries: 5

worker:
  processor_workers: 8
  processor_batch_size: 50
  processor_poll_seconds: 2
  promoter_poll_seconds: 15
  block_failure_threshold: 3

logging:
  level: "debug"
  redact_pii: true
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Test server config
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Test database config
	assert.Equal(t, "postgres://localhost/pacer_test", cfg.Database.URL)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns) // default

	// Test redis config
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Redis.URL)

	// Test provider config
	assert.Equal(t, "https://sandbox.zentra.io/v1", cfg.Provider.BaseURL)
	assert.Equal(t, 45, cfg.Provider.TimeoutSeconds)
	assert.Equal(t, 5, cfg.Provider.MaxRetries)

	// Test worker config
	assert.Equal(t, 8, cfg.Worker.ProcessorWorkers)
	assert.Equal(t, 50, cfg.Worker.ProcessorBatchSize)
	assert.Equal(t, 2, cfg.Worker.ProcessorPollSeconds)
	assert.Equal(t, 15, cfg.Worker.PromoterPollSeconds)
	assert.Equal(t, 3, cfg.Worker.BlockFailureThreshold)

	// Test logging config
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.RedactPII)
}

func TestLoadDefaults(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://localhost/pacer"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Verify defaults are applied
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, "https://api.zentra.io/v1", cfg.Provider.BaseURL)
	assert.Equal(t, 30, cfg.Provider.TimeoutSeconds)
	assert.Equal(t, 3, cfg.Provider.MaxRetries)
	assert.Equal(t, 4, cfg.Worker.ProcessorWorkers)
	assert.Equal(t, 20, cfg.Worker.ProcessorBatchSize)
	assert.Equal(t, 5, cfg.Worker.ProcessorPollSeconds)
	assert.Equal(t, 30, cfg.Worker.PromoterPollSeconds)
	assert.Equal(t, 60, cfg.Worker.HousekeepingPollSeconds)
	assert.Equal(t, 5, cfg.Worker.BlockFailureThreshold)
	assert.Equal(t, 10, cfg.Worker.StuckItemTimeoutMinutes)
	assert.Equal(t, 30, cfg.Worker.RoutingRetentionDays)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadFromEnv(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://file-host/pacer"

provider:
  base_url: "https://file-url.com"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	// Set environment variables
	os.Setenv("DATABASE_URL", "postgres://env-host/pacer")
	os.Setenv("PROVIDER_BASE_URL", "https://env-url.com")
	os.Setenv("REDIS_URL", "redis://env-redis:6379")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("PROVIDER_BASE_URL")
		os.Unsetenv("REDIS_URL")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	// Environment variables should override file values
	assert.Equal(t, "postgres://env-host/pacer", cfg.Database.URL)
	assert.Equal(t, "https://env-url.com", cfg.Provider.BaseURL)
	assert.Equal(t, "redis://env-redis:6379", cfg.Redis.URL)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestTimeout(t *testing.T) {
	cfg := ProviderConfig{TimeoutSeconds: 45}
	assert.Equal(t, 45*time.Second, cfg.Timeout())
}

func TestWorkerIntervals(t *testing.T) {
	cfg := WorkerConfig{ProcessorPollSeconds: 2, PromoterPollSeconds: 15, HousekeepingPollSeconds: 90}
	assert.Equal(t, 2*time.Second, cfg.ProcessorPoll())
	assert.Equal(t, 15*time.Second, cfg.PromoterPoll())
	assert.Equal(t, 90*time.Second, cfg.HousekeepingPoll())
}
