package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Retry schedulers.
const (
	SchedulerTimer = "timer"
	SchedulerRiver = "river"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	Store       string `yaml:"store"`
	SQLitePath  string `yaml:"sqlite_path"`
	Scheduler   string `yaml:"scheduler"`

	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedisURL           string `yaml:"redis_url"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	AutoDisableAfter   int    `yaml:"auto_disable_after"`

	// Retention is how long finished deliveries are kept. Zero keeps them
	// forever.
	Retention         time.Duration `yaml:"retention"`
	RetentionSchedule string        `yaml:"retention_schedule"`

	LogLevel     string `yaml:"log_level"`
	Environment  string `yaml:"environment"`
	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`
	// OTelSampleRatio is the share of new traces kept, between 0 and 1.
	OTelSampleRatio float64 `yaml:"otel_sample_ratio"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DatabaseURL:       "postgres://localhost/herald?sslmode=disable",
		Store:             StoreMemory,
		SQLitePath:        "data/herald.db",
		Scheduler:         SchedulerTimer,
		HTTPAddr:          ":8080",
		GRPCAddr:          ":50051",
		ShutdownTimeout:   15 * time.Second,
		Retention:         30 * 24 * time.Hour,
		RetentionSchedule: "@hourly",
		LogLevel:          "info",
		Environment:       "development",
		OTelEndpoint:      "localhost:4318",
		OTelSampleRatio:   1,
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by HERALD_CONFIG_FILE and then environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("HERALD_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.Store = strings.ToLower(getEnv("HERALD_STORE", c.Store))
	c.SQLitePath = getEnv("HERALD_SQLITE_PATH", c.SQLitePath)
	c.Scheduler = strings.ToLower(getEnv("HERALD_SCHEDULER", c.Scheduler))
	c.HTTPAddr = getEnv("HERALD_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("HERALD_GRPC_ADDR", c.GRPCAddr)
	c.ShutdownTimeout = getEnvDuration("HERALD_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.RedisURL = getEnv("HERALD_REDIS_URL", c.RedisURL)
	c.RateLimitPerMinute = getEnvInt("HERALD_RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute)
	c.AutoDisableAfter = getEnvInt("HERALD_AUTO_DISABLE_AFTER", c.AutoDisableAfter)
	c.Retention = getEnvDuration("HERALD_RETENTION", c.Retention)
	c.RetentionSchedule = getEnv("HERALD_RETENTION_SCHEDULE", c.RetentionSchedule)
	c.LogLevel = getEnv("HERALD_LOG_LEVEL", c.LogLevel)
	c.OTelEnabled = getEnvBool("HERALD_OTEL_ENABLED", c.OTelEnabled)
	c.OTelEndpoint = getEnv("HERALD_OTEL_ENDPOINT", c.OTelEndpoint)
	c.OTelSampleRatio = getEnvFloat("HERALD_OTEL_SAMPLE_RATIO", c.OTelSampleRatio)
	c.Environment = getEnv("HERALD_ENVIRONMENT", c.Environment)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database URL is required for postgres store")
		}
	default:
		return fmt.Errorf("invalid store: %s (must be memory, sqlite, or postgres)", c.Store)
	}

	switch c.Scheduler {
	case SchedulerTimer:
	case SchedulerRiver:
		if c.Store != StorePostgres {
			return fmt.Errorf("river scheduler requires the postgres store")
		}
	default:
		return fmt.Errorf("invalid scheduler: %s (must be timer or river)", c.Scheduler)
	}

	if c.HTTPAddr == "" {
		return fmt.Errorf("http address is required")
	}
	if c.GRPCAddr != "" && c.GRPCAddr == c.HTTPAddr {
		return fmt.Errorf("http and grpc addresses must be different")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if c.AutoDisableAfter < 0 {
		return fmt.Errorf("auto disable threshold must not be negative")
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must not be negative")
	}
	if c.Retention > 0 && c.RetentionSchedule == "" {
		return fmt.Errorf("retention schedule is required when retention is set")
	}
	if c.OTelEnabled && c.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
