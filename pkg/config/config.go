package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for revlake-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional serving-zone cache)
	Redis RedisConfig `yaml:"redis"`

	// Sync engine configuration
	Sync SyncConfig `yaml:"sync"`

	// Path to the migrations directory.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	// Path to the YAML file with default entity/field mapping definitions
	// seeded on first startup.
	MappingSeedPath string `yaml:"mapping_seed_path" env:"MAPPING_SEED_PATH" env-default:"seeds/default_mappings.yaml"`

	// Encryption key for connection credentials at rest.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	// Server will fail to start if this is not set.
	CredentialsKey string `yaml:"-" env:"SYNC_CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"revlake"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"revlake_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis cache configuration.
// An empty host disables the cache; aggregates are then read from Postgres only.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	TTL      int    `yaml:"ttl_seconds" env:"REDIS_TTL_SECONDS" env-default:"300"`
}

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	// RunTimeoutMinutes is the wall-clock budget for one sync run.
	// A run exceeding it is marked failed with a timeout error.
	RunTimeoutMinutes int `yaml:"run_timeout_minutes" env:"SYNC_RUN_TIMEOUT_MINUTES" env-default:"30"`

	// MaxLoggedErrors bounds the per-record error list stored on a sync log.
	MaxLoggedErrors int `yaml:"max_logged_errors" env:"SYNC_MAX_LOGGED_ERRORS" env-default:"50"`

	// SyncAllConcurrency bounds how many entity mappings "Sync All" runs in parallel.
	SyncAllConcurrency int `yaml:"sync_all_concurrency" env:"SYNC_ALL_CONCURRENCY" env-default:"4"`

	// FetchPageSize is the page size requested from connectors.
	FetchPageSize int `yaml:"fetch_page_size" env:"SYNC_FETCH_PAGE_SIZE" env-default:"200"`

	// Schedule is a cron expression for the background incremental sync and
	// reconciliation pass. Empty disables the scheduler.
	Schedule string `yaml:"schedule" env:"SYNC_SCHEDULE" env-default:"@every 5m"`
}

// RunTimeout returns the wall-clock budget as a duration.
func (c *SyncConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMinutes) * time.Minute
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Secrets (PGPASSWORD, SYNC_CREDENTIALS_KEY) must come from environment
// variables (yaml:"-" fields). If config.yaml does not exist, environment
// variables and defaults alone are used.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if cfg.CredentialsKey == "" {
		return nil, fmt.Errorf("SYNC_CREDENTIALS_KEY must be set")
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
