// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the server section.
const (
	defaultListen      = ":8189"
	defaultDataDir     = "data"
	defaultWorkers     = 10
	defaultIdleTimeout = "5m"
)

// Config holds the complete application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the TCP listener and session-pool configuration.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	DataDir     string `yaml:"data_dir"`
	Workers     int    `yaml:"workers"`
	IdleTimeout string `yaml:"idle_timeout"`
}

// RelayConfig selects the outbound forwarding backend. An empty provider
// disables relaying.
type RelayConfig struct {
	Provider string    `yaml:"provider"`
	SES      SESConfig `yaml:"ses"`
}

// SESConfig holds AWS SES relay credentials.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// MetricsConfig holds the Prometheus endpoint configuration. An empty listen
// address disables the metrics listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// IdleTimeout parses the configured idle timeout, falling back to the
// default on an unparseable value.
func (c *Config) IdleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.IdleTimeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(defaultIdleTimeout)
	}
	return d
}

// SESConfigured returns true if the SES region and sender identity are set.
func (c *Config) SESConfigured() bool {
	return c.Relay.SES.Region != "" && c.Relay.SES.Sender != ""
}

// MetricsEnabled returns true if a metrics listen address is configured.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Listen != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Server.Listen = defaultListen
	c.Server.DataDir = defaultDataDir
	c.Server.Workers = defaultWorkers
	c.Server.IdleTimeout = defaultIdleTimeout
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MAILHUB_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("MAILHUB_DATA_DIR"); v != "" {
		c.Server.DataDir = v
	}
	if v := os.Getenv("MAILHUB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.Workers = n
		}
	}
	if v := os.Getenv("MAILHUB_IDLE_TIMEOUT"); v != "" {
		c.Server.IdleTimeout = v
	}

	if v := os.Getenv("RELAY_PROVIDER"); v != "" {
		c.Relay.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		c.Relay.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Relay.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Relay.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.Relay.SES.Sender = v
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
