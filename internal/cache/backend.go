// Package cache provides the pluggable cache backend used by the profile
// and event services: an in-memory implementation for single-instance use
// and a Redis implementation for shared deployments.
package cache

import (
	"context"
	"time"
)

// Backend defines the interface cache implementations satisfy.
type Backend interface {
	// Get retrieves a value. Returns (value, found, error).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// GetMultiple retrieves several values, returning only the found keys.
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)

	// SetMultiple stores several values with a shared TTL.
	SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	// Close releases backend resources.
	Close() error
}

// Config holds cache TTL configuration.
type Config struct {
	ProfileTTL         time.Duration
	ProfileNotFoundTTL time.Duration
	EventTTL           time.Duration
	TimelineTTL        time.Duration
}

// DefaultConfig returns the default TTLs. Profiles are refreshed every
// ten minutes; not-found entries expire quickly so lazy retries work.
func DefaultConfig() Config {
	return Config{
		ProfileTTL:         10 * time.Minute,
		ProfileNotFoundTTL: 30 * time.Second,
		EventTTL:           15 * time.Minute,
		TimelineTTL:        10 * time.Minute,
	}
}
