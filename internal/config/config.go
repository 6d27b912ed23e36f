package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/ledispatch/internal/engine"
	"github.com/me/ledispatch/internal/logging"
)

// ServerConfig holds configuration for the dispatch server.
type ServerConfig struct {
	Addr           string `yaml:"addr"`             // Listen address (default ":8080")
	LogLevel       string `yaml:"log_level"`        // Log level: debug, info, warn, error
	LogFormat      string `yaml:"log_format"`       // Log format: text, json
	DBPath         string `yaml:"db_path"`          // SQLite database path (default ~/.ledispatch/ledispatch.db, ":memory:" for testing)
	WorkerKeysFile string `yaml:"worker_keys_file"` // JSON file with worker keys; empty disables worker auth

	Engine    engine.Config   `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// SchedulerConfig controls the maintenance loop.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ArchiveConfig controls export and removal of terminal tasks.
type ArchiveConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"`  // Standard 5-field cron expression
	Retention time.Duration `yaml:"retention"` // Minimum age of a terminal task before it is archived
	BatchSize int           `yaml:"batch_size"`
	Backend   string        `yaml:"backend"` // "s3" or "dir"
	Dir       string        `yaml:"dir"`
	Bucket    string        `yaml:"bucket"`
	Prefix    string        `yaml:"prefix"`
	Region    string        `yaml:"region"`
	Endpoint  string        `yaml:"endpoint"` // Custom S3 endpoint (MinIO etc.)
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Engine:    engine.DefaultConfig(),
		Scheduler: SchedulerConfig{PollInterval: 30 * time.Second},
		Archive: ArchiveConfig{
			Schedule:  "0 3 * * *",
			Retention: 7 * 24 * time.Hour,
			BatchSize: 500,
			Backend:   "dir",
			Prefix:    "analysis-tasks",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c ServerConfig) Validate() error {
	if _, err := logging.LookupLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		return fmt.Errorf("log_format: %w", err)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	if !c.Archive.Enabled {
		return nil
	}
	switch c.Archive.Backend {
	case "dir":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required for the dir backend")
		}
	case "s3":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	if c.Archive.Retention <= 0 {
		return fmt.Errorf("archive.retention must be positive")
	}
	return nil
}
