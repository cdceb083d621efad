package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config captures runtime configuration for the sync daemon and the CLI.
type Config struct {
	HTTP      HTTPConfig      `envPrefix:"PURCHASESYNC_HTTP_"`
	Backend   BackendConfig   `envPrefix:"PURCHASESYNC_BACKEND_"`
	Storage   StorageConfig   `envPrefix:"PURCHASESYNC_STORAGE_"`
	Purchases PurchasesConfig `envPrefix:"PURCHASESYNC_"`
	Telemetry TelemetryConfig
	Service   ServiceConfig
}

type HTTPConfig struct {
	Port          int `env:"PORT" envDefault:"8080"`
	ShutdownGrace int `env:"SHUTDOWN_GRACE_SECONDS" envDefault:"15"`
}

type BackendConfig struct {
	BaseURL   string        `env:"URL" envDefault:"https://api.purchasesync.dev"`
	APIKey    string        `env:"API_KEY"`
	Timeout   time.Duration `env:"TIMEOUT" envDefault:"60s"`
	RateLimit float64       `env:"RATE_LIMIT" envDefault:"0"`
	RateBurst int           `env:"RATE_BURST" envDefault:"1"`
	Version   string        `env:"CLIENT_VERSION" envDefault:"0.1.0"`
}

type StorageConfig struct {
	Driver      string `env:"DRIVER" envDefault:"sqlite"`
	Path        string `env:"PATH" envDefault:"purchasesync.db"`
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB     int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"purchasesync"`
}

type PurchasesConfig struct {
	// Environment is production or sandbox.
	Environment string `env:"ENVIRONMENT" envDefault:"production"`

	// FinishTransactions is false when the host app finalizes transactions itself.
	FinishTransactions bool `env:"FINISH_TRANSACTIONS" envDefault:"true"`

	ObserverMode             bool   `env:"OBSERVER_MODE" envDefault:"false"`
	AllowSharingStoreAccount bool   `env:"ALLOW_SHARING_STORE_ACCOUNT" envDefault:"false"`
	AppUserID                string `env:"APP_USER_ID"`
}

type TelemetryConfig struct {
	LogLevel      string  `env:"LOG_LEVEL" envDefault:"info"`
	OTelEndpoint  string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	EnableTracing bool    `env:"OTEL_ENABLE_TRACING" envDefault:"true"`
	EnableMetrics bool    `env:"OTEL_ENABLE_METRICS" envDefault:"true"`
	SampleRate    float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" envDefault:"purchasesd"`
	Version     string `env:"SERVICE_VERSION" envDefault:"0.1.0"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

var ErrInvalidConfig = errors.New("config: invalid")

// Load reads an optional .env file, then configuration from environment
// variables, applying defaults when needed.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv never overrides variables that are already set.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return invalid("PURCHASESYNC_HTTP_PORT")
	}

	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("PURCHASESYNC_BACKEND_URL")
	}

	if c.Backend.Timeout <= 0 {
		return invalid("PURCHASESYNC_BACKEND_TIMEOUT")
	}

	if c.Backend.RateLimit < 0 {
		return invalid("PURCHASESYNC_BACKEND_RATE_LIMIT")
	}

	switch c.Storage.Driver {
	case "memory", "sqlite", "leveldb", "redis":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return invalid("PURCHASESYNC_STORAGE_DATABASE_URL")
		}
	default:
		return invalid("PURCHASESYNC_STORAGE_DRIVER")
	}

	switch c.Purchases.Environment {
	case "production", "sandbox":
	default:
		return invalid("PURCHASESYNC_ENVIRONMENT")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return invalid("OTEL_SAMPLE_RATE")
	}

	return nil
}

func invalid(field string) error {
	return fmt.Errorf("%w %s", ErrInvalidConfig, field)
}
