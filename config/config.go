// Package config loads the YAML configuration shared by the API service
// and the worker.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full dsprof configuration.
type Config struct {
	Listen   string        `yaml:"listen"`
	DBPath   string        `yaml:"db_path"`
	LogLevel string        `yaml:"log_level"` // debug | info | warn | error
	Storage  StorageConfig `yaml:"storage"`
	Queue    QueueConfig   `yaml:"queue"`
	Worker   WorkerConfig  `yaml:"worker"`
	Limits   LimitsConfig  `yaml:"limits"`
}

// StorageConfig selects and configures the object store backend.
type StorageConfig struct {
	Backend       string `yaml:"backend"` // minio | memory
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Secure        bool   `yaml:"secure"`
	UploadsBucket string `yaml:"uploads_bucket"`
	ReportsBucket string `yaml:"reports_bucket"`
}

// QueueConfig configures the broker.
type QueueConfig struct {
	Name         string        `yaml:"name"`
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// WorkerConfig configures the processing pool.
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// LimitsConfig bounds uploads and the parser.
type LimitsConfig struct {
	MaxUploadMB int `yaml:"max_upload_mb"`
	MaxRows     int `yaml:"max_rows"`
}

// Default returns sane defaults for a single-node deployment.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		DBPath:   "dsprof.db",
		LogLevel: "info",
		Storage: StorageConfig{
			Backend:       "memory",
			UploadsBucket: "uploads",
			ReportsBucket: "reports",
		},
		Queue: QueueConfig{
			Name:         "process",
			Visibility:   5 * time.Minute,
			PollInterval: time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			MaxRetries:  3,
			BackoffBase: time.Second,
			BackoffCap:  60 * time.Second,
		},
		Limits: LimitsConfig{
			MaxUploadMB: 256,
			MaxRows:     1_000_000,
		},
	}
}

// Load reads and parses a YAML config file merged over Default. Object
// store credentials may come from MINIO_ACCESS_KEY / MINIO_SECRET_KEY
// instead of the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.Storage.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.Storage.SecretKey = v
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch c.Storage.Backend {
	case "memory":
	case "minio":
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("storage.endpoint is required for the minio backend")
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("storage.access_key and storage.secret_key are required for the minio backend")
		}
	default:
		return fmt.Errorf("unsupported storage.backend %q (use minio or memory)", c.Storage.Backend)
	}
	if c.Storage.UploadsBucket == "" || c.Storage.ReportsBucket == "" {
		return fmt.Errorf("storage.uploads_bucket and storage.reports_bucket are required")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Limits.MaxUploadMB <= 0 {
		return fmt.Errorf("limits.max_upload_mb must be > 0")
	}
	if c.Limits.MaxRows <= 0 {
		return fmt.Errorf("limits.max_rows must be > 0")
	}
	return nil
}

// MaxUploadBytes returns the upload cap in bytes.
func (c *Config) MaxUploadBytes() int64 { return int64(c.Limits.MaxUploadMB) * 1024 * 1024 }

// SlogLevel maps the configured level to slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
