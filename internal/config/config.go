// Package config provides configuration management for the SMTP server:
// the required CLI flags named in spec.md §6, plus an optional TOML
// overlay for the ambient knobs the CLI surface deliberately omits
// (worker pool size, buffer sizes, housekeeping interval, metrics
// exposition).
//
// Grounded on the teacher's internal/config package: a plain struct with
// a Default() constructor and a Validate() method, loaded by flag.Parse
// layered under an optional TOML file.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the SMTP server's full configuration, drawn from required
// and optional CLI flags plus an optional TOML overlay.
type Config struct {
	// Required flags (spec.md §6).
	Domain      string `toml:"-"`
	Maildir     string `toml:"-"`
	SMTPPort    int    `toml:"-"`
	ControlPort int    `toml:"-"`

	// Optional flags.
	TransformCmd string `toml:"-"`
	VerifyFile   string `toml:"-"`

	// Ambient knobs, TOML-only (no CLI flag per spec.md §6's minimal
	// surface), all with sensible defaults. BufferSize and
	// HousekeepInterval are parsed and validated but nothing else reads
	// them: connection buffers use smtp.MinBufferSize and the reactor wait
	// uses the server's fixed one-second timeout.
	LogLevel          string        `toml:"log_level"`
	WorkerPoolSize    int           `toml:"worker_pool_size"`
	BufferSize        int           `toml:"buffer_size"`
	HousekeepInterval time.Duration `toml:"-"`
	HousekeepStr      string        `toml:"housekeeping_interval"`
	IdleTimeout       time.Duration `toml:"-"`
	IdleTimeoutStr    string        `toml:"idle_timeout"`
	TmpDir            string        `toml:"tmp_dir"`
	MaxConnections    int           `toml:"max_connections"`
	Metrics           MetricsConfig `toml:"metrics"`
}

// MetricsConfig configures the optional Prometheus exposition surface
// layered on top of the spec-mandated in-process metrics registry.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values for everything
// not supplied on the command line.
func Default() Config {
	return Config{
		LogLevel:          "info",
		WorkerPoolSize:    5,
		BufferSize:        2048,
		HousekeepInterval: 30 * time.Second,
		HousekeepStr:      "30s",
		IdleTimeout:       10 * time.Minute,
		IdleTimeoutStr:    "10m",
		TmpDir:            "",
		MaxConnections:    1000,
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9102",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is complete and returns an
// error naming the first problem found.
func (c *Config) Validate() error {
	if c.Domain == "" {
		return errors.New("-d server domain is required")
	}
	if c.Maildir == "" {
		return errors.New("-m maildrop root is required")
	}
	if c.SMTPPort <= 0 {
		return errors.New("-s smtp port is required")
	}
	if c.ControlPort <= 0 {
		return errors.New("-p control port is required")
	}
	if c.WorkerPoolSize <= 0 {
		return errors.New("worker_pool_size must be positive")
	}
	if c.BufferSize < 2048 {
		return errors.New("buffer_size must be at least 2048 bytes")
	}
	if c.HousekeepStr != "" {
		d, err := time.ParseDuration(c.HousekeepStr)
		if err != nil {
			return fmt.Errorf("invalid housekeeping_interval: %w", err)
		}
		c.HousekeepInterval = d
	}
	if c.IdleTimeoutStr != "" {
		d, err := time.ParseDuration(c.IdleTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid idle_timeout: %w", err)
		}
		c.IdleTimeout = d
	}
	if c.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}
	return nil
}
