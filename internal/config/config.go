// Package config exposes strongly typed engine configuration loaded from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"riskguard/internal/risk"
)

// App captures process-wide runtime settings.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Gateway describes broker connectivity. Credentials come from the
// environment, never from this file.
type Gateway struct {
	BaseURL       string `yaml:"base_url"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	MaxAttempts   int    `yaml:"max_attempts"`
	BackoffBaseMs int    `yaml:"backoff_base_ms"`
}

// Monitor configures the evaluation loop and its persistence paths.
type Monitor struct {
	Accounts    []string `yaml:"accounts"`
	IntervalMs  int      `yaml:"interval_ms"`
	DryRun      bool     `yaml:"dry_run"`
	LockoutDir  string   `yaml:"lockout_dir"`
	AuditDir    string   `yaml:"audit_dir"`
	HistoryPath string   `yaml:"history_path"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App     App        `yaml:"app"`
	Gateway Gateway    `yaml:"gateway"`
	Monitor Monitor    `yaml:"monitor"`
	Rules   risk.Rules `yaml:"rules"`
}

const (
	defaultIntervalMs  = 750
	defaultTimeoutMs   = 10000
	defaultMaxAttempts = 3
	defaultBackoffMs   = 1000
)

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects config the engine cannot run with. Any failure here is
// fatal at startup: the loop never enters Running on bad config.
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if len(c.Monitor.Accounts) == 0 {
		return fmt.Errorf("monitor.accounts must name at least one account")
	}
	if c.Monitor.IntervalMs != 0 && (c.Monitor.IntervalMs < 500 || c.Monitor.IntervalMs > 1000) {
		return fmt.Errorf("monitor.interval_ms must be within [500, 1000], got %d", c.Monitor.IntervalMs)
	}
	if c.Gateway.TimeoutMs < 0 || c.Gateway.MaxAttempts < 0 || c.Gateway.BackoffBaseMs < 0 {
		return fmt.Errorf("gateway timeouts and retry settings must not be negative")
	}
	if err := c.Rules.Validate(); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	return nil
}

// Interval returns the loop pacing with the default applied.
func (c *Config) Interval() time.Duration {
	if c.Monitor.IntervalMs == 0 {
		return defaultIntervalMs * time.Millisecond
	}
	return time.Duration(c.Monitor.IntervalMs) * time.Millisecond
}

// Timeout returns the per-request HTTP timeout with the default applied.
func (c *Config) Timeout() time.Duration {
	if c.Gateway.TimeoutMs == 0 {
		return defaultTimeoutMs * time.Millisecond
	}
	return time.Duration(c.Gateway.TimeoutMs) * time.Millisecond
}

// MaxAttempts returns the retry cap with the default applied.
func (c *Config) MaxAttempts() int {
	if c.Gateway.MaxAttempts == 0 {
		return defaultMaxAttempts
	}
	return c.Gateway.MaxAttempts
}

// BackoffBase returns the first backoff step with the default applied.
func (c *Config) BackoffBase() time.Duration {
	if c.Gateway.BackoffBaseMs == 0 {
		return defaultBackoffMs * time.Millisecond
	}
	return time.Duration(c.Gateway.BackoffBaseMs) * time.Millisecond
}
