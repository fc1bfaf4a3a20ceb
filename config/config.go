// Package config loads the livingrecord process configuration from YAML and
// hot-reloads its tunables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config is the process configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Service   ServiceConfig   `yaml:"service"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Relay     RelayConfig     `yaml:"relay"`
}

// DatabaseConfig selects the backend.
type DatabaseConfig struct {
	// Driver is one of postgres, mysql or sqlite.
	Driver string `yaml:"driver"`

	// DSN is the driver connection string; for sqlite it is the file path.
	DSN string `yaml:"dsn"`

	// TablePrefix is prepended to every table name.
	TablePrefix string `yaml:"table_prefix"`

	MaxOpenConns int `yaml:"max_open_conns"`

	// Migrate applies the idempotent schema on start.
	Migrate bool `yaml:"migrate"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServiceConfig holds write path and merge coordinator tunables.
type ServiceConfig struct {
	EntityTypes        []string      `yaml:"entity_types"`
	AutoMergeThreshold float64       `yaml:"auto_merge_threshold"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryInitialDelay  time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	VerifyConcurrency  int           `yaml:"verify_concurrency"`
}

// SnapshotsConfig tunes the snapshot manager and its scheduler.
type SnapshotsConfig struct {
	Threshold int64 `yaml:"threshold"`
	Retain    int   `yaml:"retain"`
	Workers   int   `yaml:"workers"`
	QueueSize int   `yaml:"queue_size"`
}

// RelayConfig configures the graph-mirror relay.
type RelayConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Stream        string        `yaml:"stream"`
	DedupTTL      time.Duration `yaml:"dedup_ttl"`
	MaxLen        int64         `yaml:"max_len"`
	BatchSize     int           `yaml:"batch_size"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Partitions    int           `yaml:"partitions"`

	// GapWindow is how long the relay waits for a write holding an earlier
	// global position to commit.
	GapWindow time.Duration `yaml:"gap_window"`

	// MetricsAddr serves Prometheus metrics while the relay runs; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration used for absent keys.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "livingrecord.db",
			MaxOpenConns: 10,
			Migrate:      true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Service: ServiceConfig{
			EntityTypes:        []string{"contact", "company"},
			AutoMergeThreshold: 0.95,
			RetryAttempts:      10,
			RetryInitialDelay:  5 * time.Millisecond,
			RetryMaxDelay:      250 * time.Millisecond,
			VerifyConcurrency:  4,
		},
		Snapshots: SnapshotsConfig{
			Threshold: 50,
			Retain:    3,
			Workers:   2,
			QueueSize: 256,
		},
		Relay: RelayConfig{
			RedisAddr:    "localhost:6379",
			Stream:       "livingrecord:events",
			DedupTTL:     24 * time.Hour,
			MaxLen:       1_000_000,
			BatchSize:    100,
			PollInterval: 100 * time.Millisecond,
			Partitions:   1,
			MetricsAddr:  ":9464",
		},
	}
}

// Validate checks the values a process cannot start without.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Service.AutoMergeThreshold < 0 || c.Service.AutoMergeThreshold > 1 {
		return fmt.Errorf("service.auto_merge_threshold %v outside [0, 1]", c.Service.AutoMergeThreshold)
	}
	if c.Snapshots.Threshold < 1 {
		return fmt.Errorf("snapshots.threshold must be positive, got %d", c.Snapshots.Threshold)
	}
	if c.Relay.Partitions < 1 {
		return fmt.Errorf("relay.partitions must be positive, got %d", c.Relay.Partitions)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger() *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
