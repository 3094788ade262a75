package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Provider ProviderConfig `yaml:"provider"`
	Worker   WorkerConfig   `yaml:"worker"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings. Redis backs the
// distributed scheduling locks, the send rate limiter, and the block
// guard; when disabled the services fall back to Postgres advisory
// locks and cooldown-only pacing.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// ProviderConfig holds messaging provider API settings
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the configured timeout as a duration
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WorkerConfig holds background worker cadences and sizes
type WorkerConfig struct {
	ProcessorWorkers         int `yaml:"processor_workers"`
	ProcessorBatchSize       int `yaml:"processor_batch_size"`
	ProcessorPollSeconds     int `yaml:"processor_poll_seconds"`
	PromoterPollSeconds      int `yaml:"promoter_poll_seconds"`
	HousekeepingPollSeconds  int `yaml:"housekeeping_poll_seconds"`
	BlockFailureThreshold    int `yaml:"block_failure_threshold"`
	StuckItemTimeoutMinutes  int `yaml:"stuck_item_timeout_minutes"`
	RoutingRetentionDays     int `yaml:"routing_retention_days"`
}

// ProcessorPoll returns the processor poll interval as a duration
func (c WorkerConfig) ProcessorPoll() time.Duration {
	return time.Duration(c.ProcessorPollSeconds) * time.Second
}

// PromoterPoll returns the promoter poll interval as a duration
func (c WorkerConfig) PromoterPoll() time.Duration {
	return time.Duration(c.PromoterPollSeconds) * time.Second
}

// HousekeepingPoll returns the housekeeping poll interval as a duration
func (c WorkerConfig) HousekeepingPoll() time.Duration {
	return time.Duration(c.HousekeepingPollSeconds) * time.Second
}

// LoggingConfig holds structured logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII bool   `yaml:"redact_pii"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.zentra.io/v1"
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		cfg.Provider.TimeoutSeconds = 30
	}
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = 3
	}
	if cfg.Worker.ProcessorWorkers == 0 {
		cfg.Worker.ProcessorWorkers = 4
	}
	if cfg.Worker.ProcessorBatchSize == 0 {
		cfg.Worker.ProcessorBatchSize = 20
	}
	if cfg.Worker.ProcessorPollSeconds == 0 {
		cfg.Worker.ProcessorPollSeconds = 5
	}
	if cfg.Worker.PromoterPollSeconds == 0 {
		cfg.Worker.PromoterPollSeconds = 30
	}
	if cfg.Worker.HousekeepingPollSeconds == 0 {
		cfg.Worker.HousekeepingPollSeconds = 60
	}
	if cfg.Worker.BlockFailureThreshold == 0 {
		cfg.Worker.BlockFailureThreshold = 5
	}
	if cfg.Worker.StuckItemTimeoutMinutes == 0 {
		cfg.Worker.StuckItemTimeoutMinutes = 10
	}
	if cfg.Worker.RoutingRetentionDays == 0 {
		cfg.Worker.RoutingRetentionDays = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env
// vars, so secrets can live in .env locally and in real env vars in
// production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
