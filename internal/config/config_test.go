package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HospitalAPIBase != "https://hospital-directory.onrender.com" {
		t.Errorf("HospitalAPIBase = %s", cfg.HospitalAPIBase)
	}
	if cfg.MaxHospitals != 20 {
		t.Errorf("MaxHospitals = %d, want 20", cfg.MaxHospitals)
	}
	if cfg.HTTPTimeout() != 30*time.Second {
		t.Errorf("HTTPTimeout() = %v, want 30s", cfg.HTTPTimeout())
	}
	if cfg.APIPort != 8000 {
		t.Errorf("APIPort = %d, want 8000", cfg.APIPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.SubscriberBuffer != 64 {
		t.Errorf("SubscriberBuffer = %d, want 64", cfg.SubscriberBuffer)
	}
	if cfg.RateLimitRequests != 0 {
		t.Errorf("RateLimitRequests = %d, want 0", cfg.RateLimitRequests)
	}
	if cfg.RateLimitWindow != time.Second {
		t.Errorf("RateLimitWindow = %v, want 1s", cfg.RateLimitWindow)
	}
	if cfg.BatchRetention != time.Hour {
		t.Errorf("BatchRetention = %v, want 1h", cfg.BatchRetention)
	}
	if cfg.JanitorInterval != time.Minute {
		t.Errorf("JanitorInterval = %v, want 1m", cfg.JanitorInterval)
	}
	if cfg.RedisURL != "" || cfg.DatabaseDSN != "" || cfg.RabbitMQURL != "" {
		t.Errorf("optional backends should default to empty: %+v", cfg)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("HOSPITAL_API_BASE", "http://localhost:9000")
	t.Setenv("MAX_HOSPITALS", "5")
	t.Setenv("HTTP_TIMEOUT_SECONDS", "2")
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BATCH_RETENTION", "0s")
	t.Setenv("RATE_LIMIT_REQUESTS", "25")
	t.Setenv("RATE_LIMIT_WINDOW", "500ms")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HospitalAPIBase != "http://localhost:9000" {
		t.Errorf("HospitalAPIBase = %s", cfg.HospitalAPIBase)
	}
	if cfg.MaxHospitals != 5 {
		t.Errorf("MaxHospitals = %d, want 5", cfg.MaxHospitals)
	}
	if cfg.HTTPTimeout() != 2*time.Second {
		t.Errorf("HTTPTimeout() = %v, want 2s", cfg.HTTPTimeout())
	}
	if cfg.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.APIPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.BatchRetention != 0 {
		t.Errorf("BatchRetention = %v, want 0", cfg.BatchRetention)
	}
	if cfg.RateLimitRequests != 25 || cfg.RateLimitWindow != 500*time.Millisecond {
		t.Errorf("rate limit = %d per %v, want 25 per 500ms", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if cfg.RedisURL == "" {
		t.Error("RedisURL should not be empty")
	}
}

func TestLoad_HTTPTimeout(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want time.Duration
	}{
		{
			name: "legacy name with float",
			env:  map[string]string{"HTTPX_TIMEOUT_SECONDS": "30.0"},
			want: 30 * time.Second,
		},
		{
			name: "fractional seconds",
			env:  map[string]string{"HTTP_TIMEOUT_SECONDS": "2.5"},
			want: 2500 * time.Millisecond,
		},
		{
			name: "primary name wins",
			env: map[string]string{
				"HTTP_TIMEOUT_SECONDS":  "5",
				"HTTPX_TIMEOUT_SECONDS": "12.5",
			},
			want: 5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.HTTPTimeout() != tt.want {
				t.Errorf("HTTPTimeout() = %v, want %v", cfg.HTTPTimeout(), tt.want)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "zero max hospitals", key: "MAX_HOSPITALS", value: "0"},
		{name: "bad base url", key: "HOSPITAL_API_BASE", value: "not a url"},
		{name: "bad retention", key: "BATCH_RETENTION", value: "forever"},
		{name: "negative retention", key: "BATCH_RETENTION", value: "-1m"},
		{name: "zero janitor interval", key: "JANITOR_INTERVAL", value: "0s"},
		{name: "zero subscriber buffer", key: "SUBSCRIBER_BUFFER", value: "0"},
		{name: "negative rate limit", key: "RATE_LIMIT_REQUESTS", value: "-1"},
		{name: "zero rate limit window", key: "RATE_LIMIT_WINDOW", value: "0s"},
		{name: "zero timeout", key: "HTTP_TIMEOUT_SECONDS", value: "0"},
		{name: "negative legacy timeout", key: "HTTPX_TIMEOUT_SECONDS", value: "-0.5"},
		{name: "non numeric timeout", key: "HTTP_TIMEOUT_SECONDS", value: "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
