package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service settings, populated from environment
// variables with sensible defaults for local development.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Logging     LoggingConfig
	Aggregation AggregationConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string
}

// AggregationConfig holds pipeline tuning knobs.
type AggregationConfig struct {
	// SnapshotInterval is the collector cadence; the verifier checks
	// observed intervals against it.
	SnapshotInterval time.Duration
	// StaleRunningAfter is how old a running job row must be before a
	// new attempt may take it over. Must exceed the scheduler's last
	// retry offset.
	StaleRunningAfter time.Duration
	// CleanupSafetyBuffer bounds deletion when no successful daily job
	// exists yet.
	CleanupSafetyBuffer time.Duration
	// ReportingTimezone is the single site-wide timezone for
	// today/yesterday reporting windows. Parks keep their own
	// timezones for session detection; the two policies are distinct.
	ReportingTimezone string
}

// LoadConfig reads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         envOrDefault("SERVER_HOST", "0.0.0.0"),
			Port:         envIntOrDefault("SERVER_PORT", 8080),
			ReadTimeout:  envDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: envDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  envDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Host:            envOrDefault("DB_HOST", "localhost"),
			Port:            envIntOrDefault("DB_PORT", 5432),
			User:            envOrDefault("DB_USER", "parkpulse"),
			Password:        envOrDefault("DB_PASSWORD", "parkpulse"),
			Database:        envOrDefault("DB_NAME", "parkpulse"),
			SSLMode:         envOrDefault("DB_SSLMODE", "disable"),
			MaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDurationOrDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: envDurationOrDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level: envOrDefault("LOG_LEVEL", "info"),
		},
		Aggregation: AggregationConfig{
			SnapshotInterval:    envDurationOrDefault("SNAPSHOT_INTERVAL", 5*time.Minute),
			StaleRunningAfter:   envDurationOrDefault("STALE_RUNNING_AFTER", 3*time.Hour),
			CleanupSafetyBuffer: envDurationOrDefault("CLEANUP_SAFETY_BUFFER", 72*time.Hour),
			ReportingTimezone:   envOrDefault("REPORTING_TIMEZONE", "America/New_York"),
		},
	}

	return cfg, nil
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("max open connections must be positive")
	}
	if c.Aggregation.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot interval must be positive")
	}
	if c.Aggregation.StaleRunningAfter <= 0 {
		return fmt.Errorf("stale running threshold must be positive")
	}
	if _, err := time.LoadLocation(c.Aggregation.ReportingTimezone); err != nil {
		return fmt.Errorf("invalid reporting timezone %q: %w", c.Aggregation.ReportingTimezone, err)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
