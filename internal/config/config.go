// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root application configuration.
//
// Values are merged in priority order: struct defaults, then an optional YAML
// config file, then ORDERSYNC_* environment variables. See koanf.go.
type Config struct {
	Server    ServerConfig    `koanf:"server" validate:"required"`
	Remote    RemoteConfig    `koanf:"remote"`
	Database  DatabaseConfig  `koanf:"database" validate:"required"`
	Sync      SyncConfig      `koanf:"sync" validate:"required"`
	Scheduler SchedulerConfig `koanf:"scheduler" validate:"required"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// RateLimitReqs/RateLimitWindow bound inbound API requests per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
}

// RemoteConfig holds settings for the remote commerce platform API.
type RemoteConfig struct {
	URL      string        `koanf:"url" validate:"omitempty,url"`
	APIKey   string        `koanf:"api_key"`
	Timeout  time.Duration `koanf:"timeout"`
	PageSize int           `koanf:"page_size" validate:"min=1,max=250"`
}

// DatabaseConfig holds durable storage settings.
type DatabaseConfig struct {
	// Path is the DuckDB database file for synced orders.
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
	// StatusDir is the BadgerDB directory for per-tenant sync status records.
	StatusDir string `koanf:"status_dir" validate:"required"`
}

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	// StaleAfter marks a tenant as requiring a sync when the last completed
	// run is older than this.
	StaleAfter time.Duration `koanf:"stale_after"`
}

// SchedulerConfig holds rate-limited scheduler settings.
//
// The ceiling is shared by every tenant in the process: the remote platform
// enforces its limit per app credential, not per storefront.
type SchedulerConfig struct {
	// RatePerSecond is the maximum outbound request release rate.
	RatePerSecond float64 `koanf:"rate_per_second" validate:"gt=0"`
	// MaxInFlight bounds concurrently executing operations.
	MaxInFlight int `koanf:"max_in_flight" validate:"min=1"`
	// MaxRetries is the retry budget beyond the first attempt.
	MaxRetries int `koanf:"max_retries" validate:"min=0"`
	// RetryBaseDelay seeds exponential backoff; doubles per attempt.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	// RetryMaxDelay caps the computed backoff delay.
	RetryMaxDelay time.Duration `koanf:"retry_max_delay"`
	// BreakerEnabled wires a circuit breaker around submitted operations.
	BreakerEnabled bool `koanf:"breaker_enabled"`
	// BreakerFailureThreshold consecutive transient failures trip the breaker.
	BreakerFailureThreshold uint32 `koanf:"breaker_failure_threshold"`
	// BreakerOpenTimeout is how long the breaker stays open before probing.
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are applied
// first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8632,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: 1 * time.Minute,
			AllowedOrigins:  []string{"*"},
		},
		Remote: RemoteConfig{
			URL:      "",
			APIKey:   "",
			Timeout:  30 * time.Second,
			PageSize: 50,
		},
		Database: DatabaseConfig{
			Path:      "/data/ordersync.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = runtime.NumCPU()
			StatusDir: "/data/ordersync-status",
		},
		Sync: SyncConfig{
			StaleAfter: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			RatePerSecond:           1.8,
			MaxInFlight:             2,
			MaxRetries:              5,
			RetryBaseDelay:          1 * time.Second,
			RetryMaxDelay:           30 * time.Second,
			BreakerEnabled:          true,
			BreakerFailureThreshold: 8,
			BreakerOpenTimeout:      20 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Scheduler.RetryBaseDelay <= 0 {
		return fmt.Errorf("scheduler.retry_base_delay must be positive, got %s", c.Scheduler.RetryBaseDelay)
	}
	if c.Scheduler.RetryMaxDelay < c.Scheduler.RetryBaseDelay {
		return fmt.Errorf("scheduler.retry_max_delay (%s) must be >= retry_base_delay (%s)",
			c.Scheduler.RetryMaxDelay, c.Scheduler.RetryBaseDelay)
	}
	if c.Remote.URL != "" && c.Remote.APIKey == "" {
		return fmt.Errorf("remote.api_key is required when remote.url is set")
	}
	return nil
}
