package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	HospitalAPIBase  string `env:"HOSPITAL_API_BASE,default=https://hospital-directory.onrender.com"`
	MaxHospitals     int    `env:"MAX_HOSPITALS,default=20"`
	APIPort          int    `env:"API_PORT,default=8000"`
	LogLevel         string `env:"LOG_LEVEL,default=info"`
	SubscriberBuffer int    `env:"SUBSCRIBER_BUFFER,default=64"`

	// HTTPTimeoutSeconds accepts fractional values; HTTP_TIMEOUT_SECONDS wins
	// when both names are set.
	HTTPTimeoutSeconds float64 `env:"HTTP_TIMEOUT_SECONDS,HTTPX_TIMEOUT_SECONDS,default=30"`

	// Outbound create calls allowed per sliding window; zero disables throttling.
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS,default=0"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW,default=1s"`

	// BatchRetention is how long completed batches stay queryable; zero keeps them.
	BatchRetention  time.Duration `env:"BATCH_RETENTION,default=1h"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL,default=1m"`

	// Optional backends; empty disables the component that uses them.
	RedisURL    string `env:"REDIS_URL"`
	DatabaseDSN string `env:"DATABASE_DSN"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(strings.TrimSpace(c.HospitalAPIBase)); err != nil {
		return fmt.Errorf("HOSPITAL_API_BASE: %w", err)
	}
	if c.MaxHospitals <= 0 {
		return fmt.Errorf("MAX_HOSPITALS must be positive, got %d", c.MaxHospitals)
	}
	if !(c.HTTPTimeoutSeconds > 0) {
		return fmt.Errorf("HTTP_TIMEOUT_SECONDS must be positive, got %g", c.HTTPTimeoutSeconds)
	}
	if c.RateLimitRequests < 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must not be negative, got %d", c.RateLimitRequests)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}
	if c.BatchRetention < 0 {
		return fmt.Errorf("BATCH_RETENTION must not be negative, got %s", c.BatchRetention)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be positive, got %s", c.JanitorInterval)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("SUBSCRIBER_BUFFER must be positive, got %d", c.SubscriberBuffer)
	}
	return nil
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds * float64(time.Second))
}
