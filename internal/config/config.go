// Package config loads Bifrost settings from BIFROST_* environment variables
// (envconfig) and validates them (validator tags plus per-section Validate).
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvPrefix is the prefix of every environment variable.
	EnvPrefix = "BIFROST"

	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
)

// Config holds the complete application configuration.
type Config struct {
	App           AppConfig           `envconfig:"APP"`
	Server        ServerConfig        `envconfig:"SERVER"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
	Database      DatabaseConfig      `envconfig:"DB"`
	Redis         RedisConfig         `envconfig:"REDIS"`
	Syncer        SyncerConfig        `envconfig:"SYNCER"`
	Rollout       RolloutConfig       `envconfig:"ROLLOUT"`
	ABTest        ABTestConfig        `envconfig:"ABTEST"`
	Store         StoreConfig         `envconfig:"STORE"`
}

// AppConfig contains process-wide settings.
type AppConfig struct {
	Name            string        `envconfig:"NAME" default:"bifrost"`
	Version         string        `envconfig:"VERSION" default:"dev"`
	Environment     string        `envconfig:"ENV" default:"development" validate:"oneof=development staging production"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=json text"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s" validate:"min=1s"`
}

// ServerConfig groups the two API servers.
type ServerConfig struct {
	Control ControlPlaneConfig `envconfig:"CONTROL"`
	Data    DataPlaneConfig    `envconfig:"DATA"`
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate runs the struct tags first, then the cross-field rules of each section.
// Database and Redis are optional: they are only checked when configured.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	checks := []func() error{
		func() error { return c.Server.Control.Validate(c.App.Environment) },
		c.Server.Data.Validate,
		c.Observability.Validate,
		c.Rollout.Validate,
		c.Store.Validate,
	}
	if c.Database.IsConfigured() {
		checks = append(checks, func() error { return c.Database.Validate(c.App.Environment) })
	}
	if c.Redis.IsConfigured() {
		checks = append(checks, func() error { return c.Redis.Validate(c.App.Environment) })
	}

	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}

	if c.Store.Backend == StoreBackendPostgres && !c.Database.IsConfigured() {
		return fmt.Errorf("store backend %q requires database settings", StoreBackendPostgres)
	}
	return nil
}

// IsProduction reports whether the process runs in production.
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvironmentProduction
}

// LogConfig logs the effective configuration without secrets.
func (c *Config) LogConfig(log *slog.Logger) {
	log.Info("configuration loaded",
		slog.String("app_name", c.App.Name),
		slog.String("version", c.App.Version),
		slog.String("environment", c.App.Environment),
		slog.String("log_level", c.App.LogLevel),
		slog.String("log_format", c.App.LogFormat),
		slog.String("control_addr", c.Server.Control.Address()),
		slog.String("data_addr", c.Server.Data.Address()),
		slog.String("observability_port", c.Observability.Port),
		slog.Bool("tls_enabled", c.Server.Control.TLSEnabled),
		slog.Bool("db_configured", c.Database.IsConfigured()),
		slog.Bool("redis_configured", c.Redis.IsConfigured()),
		slog.String("store_backend", c.Store.Backend),
		slog.Duration("rollout_wait_interval", c.Rollout.WaitInterval),
		slog.Duration("rollout_validation_timeout", c.Rollout.ValidationTimeout),
	)
}

func validatePort(port, context string) error {
	if port == "" {
		return fmt.Errorf("%s port cannot be empty", context)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%s port must be a number: %w", context, err)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", context, n)
	}
	return nil
}

func validateHost(host, context string) error {
	if host == "" {
		return fmt.Errorf("%s host cannot be empty", context)
	}
	if strings.TrimSpace(host) != host {
		return fmt.Errorf("%s host cannot contain whitespace", context)
	}
	return nil
}

func parseURL(rawURL string, schemes ...string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if !slices.Contains(schemes, parsed.Scheme) {
		return nil, fmt.Errorf("invalid scheme '%s', must be one of: %v", parsed.Scheme, schemes)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("host is required in URL")
	}
	return parsed, nil
}
