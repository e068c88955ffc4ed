package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shohag/hookline/internal/models"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Events   EventsConfig   `mapstructure:"events"`
	EventLog EventLogConfig `mapstructure:"event_log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AdminToken, when set, is required as a bearer token on /api/v1.
	AdminToken string `mapstructure:"admin_token"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DeliveryConfig struct {
	Workers       int           `mapstructure:"workers"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	Environment   string        `mapstructure:"environment"`
	SchemaVersion string        `mapstructure:"schema_version"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// RetryConfig is the retry policy given to endpoints created without one.
type RetryConfig struct {
	MaxRetries        int     `mapstructure:"max_retries"`
	InitialDelayMs    int64   `mapstructure:"initial_delay_ms"`
	MaxDelayMs        int64   `mapstructure:"max_delay_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
}

func (r RetryConfig) Policy() models.RetryPolicy {
	return models.RetryPolicy{
		MaxRetries:        r.MaxRetries,
		InitialDelayMs:    r.InitialDelayMs,
		MaxDelayMs:        r.MaxDelayMs,
		BackoffMultiplier: r.BackoffMultiplier,
	}
}

type DispatchConfig struct {
	Workers       int    `mapstructure:"workers"`
	DefaultTenant string `mapstructure:"default_tenant"`
	Buffer        int    `mapstructure:"buffer"`
}

type EventsConfig struct {
	Catalog []models.EventType `mapstructure:"catalog"`
	Strict  bool               `mapstructure:"strict"`
}

type EventLogConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads path, or hookline.yaml from . and /etc/hookline when path is
// empty. HOOKLINE_* environment variables override file values, e.g.
// HOOKLINE_DELIVERY_TIMEOUT=5s.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hookline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hookline")
	}

	setDefaults(v)

	v.SetEnvPrefix("HOOKLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Retry.Policy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage: unsupported driver %q", c.Storage.Driver)
	}
	if c.Delivery.Timeout <= 0 {
		return fmt.Errorf("delivery: timeout must be positive")
	}
	if c.Delivery.StaleAfter != 0 && c.Delivery.StaleAfter <= c.Delivery.Timeout {
		return fmt.Errorf("delivery: stale_after must exceed timeout or be 0")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.admin_token", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/hookline.db")

	v.SetDefault("delivery.workers", 20)
	v.SetDefault("delivery.timeout", 15*time.Second)
	v.SetDefault("delivery.poll_interval", time.Second)
	v.SetDefault("delivery.batch_size", 100)
	v.SetDefault("delivery.stale_after", 5*time.Minute)
	v.SetDefault("delivery.environment", "production")
	v.SetDefault("delivery.schema_version", "1.0")
	v.SetDefault("delivery.user_agent", "Hookline/1.0")

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 3600000)
	v.SetDefault("retry.backoff_multiplier", 2.0)

	v.SetDefault("dispatch.workers", 10)
	v.SetDefault("dispatch.default_tenant", "default")
	v.SetDefault("dispatch.buffer", 1024)

	v.SetDefault("events.strict", false)

	v.SetDefault("event_log.capacity", 1000)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "hookline")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
