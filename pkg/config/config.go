// Package config loads clawgate settings from a YAML file with environment
// variable overrides (prefix CLAWGATE_).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/sipeed/clawgate/pkg/status"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid config")

const EnvPrefix = "CLAWGATE_"

type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway" envPrefix:"GATEWAY_"`
	Dispatch   DispatchConfig   `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Escalation EscalationConfig `yaml:"escalation" envPrefix:"ESCALATION_"`
	Status     StatusConfig     `yaml:"status" envPrefix:"STATUS_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
	Dashboard  DashboardConfig  `yaml:"dashboard" envPrefix:"DASHBOARD_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOGGING_"`
}

type GatewayConfig struct {
	Token      string `yaml:"token" env:"TOKEN"`
	ShardCount int    `yaml:"shard_count" env:"SHARD_COUNT"`
	// Intents is the raw gateway intent bitmask; 0 selects the defaults
	// needed for message and reaction events.
	Intents int `yaml:"intents" env:"INTENTS"`
}

type DispatchConfig struct {
	// HandlerTimeout bounds a single handler run. 0 disables the bound.
	HandlerTimeout time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`
}

type EscalationConfig struct {
	SupportURL  string        `yaml:"support_url" env:"SUPPORT_URL"`
	ReportDB    string        `yaml:"report_db" env:"REPORT_DB"`
	SinkTimeout time.Duration `yaml:"sink_timeout" env:"SINK_TIMEOUT"`
	Environment string        `yaml:"environment" env:"ENVIRONMENT"`
}

type StatusConfig struct {
	// Schedule is an optional cron expression. Empty means every whole minute.
	Schedule string `yaml:"schedule" env:"SCHEDULE"`
	Format   string `yaml:"format" env:"FORMAT"`
}

type MetricsConfig struct {
	ProcessStats bool `yaml:"process_stats" env:"PROCESS_STATS"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Host    string `yaml:"host" env:"HOST"`
	Port    int    `yaml:"port" env:"PORT"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	File  string `yaml:"file" env:"FILE"`
}

// DefaultConfig returns the settings used when neither file nor environment
// provide a value.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ShardCount: 1,
		},
		Dispatch: DispatchConfig{
			HandlerTimeout: 0,
		},
		Escalation: EscalationConfig{
			SupportURL:  "https://github.com/sipeed/clawgate/issues",
			SinkTimeout: 5 * time.Second,
			Environment: "production",
		},
		Status: StatusConfig{
			Format: "%d servers",
		},
		Metrics: MetricsConfig{
			ProcessStats: true,
		},
		Dashboard: DashboardConfig{
			Host: "127.0.0.1",
			Port: 18795,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (a missing file is not an error), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
// The gateway token is checked separately by RequireToken since commands
// like "reports" never connect.
func (c *Config) Validate() error {
	if c.Gateway.ShardCount < 1 {
		return fmt.Errorf("%w: gateway.shard_count must be >= 1, got %d", ErrInvalid, c.Gateway.ShardCount)
	}
	if c.Dispatch.HandlerTimeout < 0 {
		return fmt.Errorf("%w: dispatch.handler_timeout must not be negative", ErrInvalid)
	}
	if c.Escalation.SinkTimeout < 0 {
		return fmt.Errorf("%w: escalation.sink_timeout must not be negative", ErrInvalid)
	}
	gron := gronx.New()
	if c.Status.Schedule != "" && !gron.IsValid(c.Status.Schedule) {
		return fmt.Errorf("%w: status.schedule %q is not a valid cron expression", ErrInvalid, c.Status.Schedule)
	}
	if c.Status.Format != "" {
		if err := status.ValidFormat(c.Status.Format); err != nil {
			return fmt.Errorf("%w: status.format: %v", ErrInvalid, err)
		}
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("%w: dashboard.port %d out of range", ErrInvalid, c.Dashboard.Port)
	}
	return nil
}

// RequireToken reports an error when no gateway token is configured.
func (c *Config) RequireToken() error {
	if c.Gateway.Token == "" {
		return fmt.Errorf("%w: gateway.token is required (or set %sGATEWAY_TOKEN)", ErrInvalid, EnvPrefix)
	}
	return nil
}
