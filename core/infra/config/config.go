package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds runtime configuration for the cadence engine process.
type Config struct {
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	NatsURL  string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	HTTPAddr    string `env:"CADENCE_HTTP_ADDR" envDefault:":9094"`
	MetricsAddr string `env:"CADENCE_METRICS_ADDR" envDefault:":9095"`
	APIKey      string `env:"CADENCE_API_KEY"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"CADENCE_LOG_FORMAT" envDefault:"json"`

	PolicyPath    string `env:"CADENCE_POLICY_PATH" envDefault:"config/cadence.yaml"`
	TemplatesPath string `env:"CADENCE_TEMPLATES_PATH" envDefault:"config/templates.yaml"`

	Dispatcher DispatcherConfig
	Gateway    GatewayConfig
	CRM        CRMConfig
}

// GatewayConfig guards the HTTP API.
type GatewayConfig struct {
	RateLimitRPS   int      `env:"CADENCE_RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst int      `env:"CADENCE_RATE_LIMIT_BURST" envDefault:"100"`
	AllowedOrigins []string `env:"CADENCE_ALLOWED_ORIGINS" envSeparator:","`
}

// DispatcherConfig tunes the worker pool and the stale-claim reaper.
type DispatcherConfig struct {
	Workers           int           `env:"CADENCE_WORKERS" envDefault:"4"`
	PollInterval      time.Duration `env:"CADENCE_POLL_INTERVAL" envDefault:"2s"`
	ClaimScanLimit    int64         `env:"CADENCE_CLAIM_SCAN_LIMIT" envDefault:"50"`
	StepTimeout       time.Duration `env:"CADENCE_STEP_TIMEOUT" envDefault:"30s"`
	ProcessingTimeout time.Duration `env:"CADENCE_PROCESSING_TIMEOUT" envDefault:"10m"`
	ReaperInterval    time.Duration `env:"CADENCE_REAPER_INTERVAL" envDefault:"1m"`
	WorkerPrefix      string        `env:"CADENCE_WORKER_PREFIX"`
}

// CRMConfig points at the CRM REST API used for card and task operations.
type CRMConfig struct {
	BaseURL string        `env:"CRM_BASE_URL" envDefault:"http://localhost:8080"`
	APIKey  string        `env:"CRM_API_KEY"`
	Timeout time.Duration `env:"CRM_TIMEOUT" envDefault:"10s"`
}

// Load parses configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis url is required")
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Dispatcher.ClaimScanLimit < 1 {
		return fmt.Errorf("claim scan limit must be at least 1")
	}
	if c.Dispatcher.StepTimeout <= 0 {
		return fmt.Errorf("step timeout must be positive")
	}
	if c.Dispatcher.ProcessingTimeout <= c.Dispatcher.StepTimeout {
		return fmt.Errorf("processing timeout (%s) must exceed step timeout (%s)", c.Dispatcher.ProcessingTimeout, c.Dispatcher.StepTimeout)
	}
	if c.Gateway.RateLimitRPS < 0 || c.Gateway.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return nil
}
