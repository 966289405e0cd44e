package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig holds process configuration, loaded from the environment.
type AppConfig struct {
	Port          string `envconfig:"PORT" default:"8080"`
	RedisURL      string `envconfig:"REDIS_URL"`
	AuthSecretKey string `envconfig:"AUTH_SECRET_KEY"`

	BatchWindow  time.Duration `envconfig:"BATCH_WINDOW" default:"50ms"`
	BatchMaxKeys int           `envconfig:"BATCH_MAX_KEYS" default:"100"`

	ProfileTimeout time.Duration `envconfig:"PROFILE_TIMEOUT" default:"3s"`
	FetchTimeout   time.Duration `envconfig:"FETCH_TIMEOUT" default:"3s"`
	PageTimeout    time.Duration `envconfig:"PAGE_TIMEOUT" default:"8s"`

	AuthMaxRetries  int `envconfig:"AUTH_MAX_RETRIES" default:"3"`
	MaxCachedEvents int `envconfig:"MAX_CACHED_EVENTS" default:"10000"`
	DefaultLimit    int `envconfig:"DEFAULT_LIMIT" default:"50"`
}

// LoadAppConfig reads configuration from the environment
func LoadAppConfig() (*AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.BatchWindow <= 0 {
		return nil, fmt.Errorf("BATCH_WINDOW must be positive, got %s", cfg.BatchWindow)
	}
	if cfg.BatchMaxKeys <= 0 {
		return nil, fmt.Errorf("BATCH_MAX_KEYS must be positive, got %d", cfg.BatchMaxKeys)
	}
	return &cfg, nil
}
