// Package config loads relay-set configuration from a JSON file with
// embedded defaults, reloadable at runtime.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// RelaysConfig represents the JSON configuration for relay lists
type RelaysConfig struct {
	DefaultRelays []string `json:"defaultRelays"`
	ProfileRelays []string `json:"profileRelays"`
	PublishRelays []string `json:"publishRelays"`
}

var (
	relaysConfig     *RelaysConfig
	relaysConfigMu   sync.RWMutex
	relaysConfigOnce sync.Once
)

// GetRelaysConfig returns the current relays configuration (thread-safe)
func GetRelaysConfig() *RelaysConfig {
	relaysConfigOnce.Do(func() {
		relaysConfigMu.Lock()
		defer relaysConfigMu.Unlock()
		if relaysConfig == nil {
			relaysConfig = loadRelaysConfigFromFile()
		}
	})

	relaysConfigMu.RLock()
	defer relaysConfigMu.RUnlock()
	return relaysConfig
}

// ReloadRelaysConfig reloads the configuration from file
func ReloadRelaysConfig() error {
	newConfig := loadRelaysConfigFromFile()
	relaysConfigMu.Lock()
	defer relaysConfigMu.Unlock()
	relaysConfig = newConfig
	slog.Info("relays configuration reloaded")
	return nil
}

func loadRelaysConfigFromFile() *RelaysConfig {
	configPath := os.Getenv("RELAYS_CONFIG")
	if configPath == "" {
		configPath = "config/relays.json"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("relays config file not found, using defaults", "path", configPath)
		} else {
			slog.Warn("could not read relays config, using defaults", "path", configPath, "error", err)
		}
		return defaultRelaysConfig()
	}

	var cfg RelaysConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Error("invalid JSON in relays config, using defaults", "path", configPath, "error", err)
		return defaultRelaysConfig()
	}

	slog.Info("loaded relays configuration",
		"path", configPath,
		"default", len(cfg.DefaultRelays),
		"profile", len(cfg.ProfileRelays),
		"publish", len(cfg.PublishRelays))
	return &cfg
}

func defaultRelaysConfig() *RelaysConfig {
	return &RelaysConfig{
		DefaultRelays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://relay.primal.net",
			"wss://nos.lol",
		},
		ProfileRelays: []string{
			"wss://purplepag.es",
			"wss://relay.nostr.band",
		},
		PublishRelays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
		},
	}
}

// GetDefaultRelays returns the relay list for general timeline queries
func GetDefaultRelays() []string {
	cfg := GetRelaysConfig()
	if len(cfg.DefaultRelays) > 0 {
		return cfg.DefaultRelays
	}
	return defaultRelaysConfig().DefaultRelays
}

// GetProfileRelays returns the relay list for profile lookups
func GetProfileRelays() []string {
	cfg := GetRelaysConfig()
	if len(cfg.ProfileRelays) > 0 {
		return cfg.ProfileRelays
	}
	return defaultRelaysConfig().ProfileRelays
}

// GetPublishRelays returns the relay list for publishing events
func GetPublishRelays() []string {
	cfg := GetRelaysConfig()
	if len(cfg.PublishRelays) > 0 {
		return cfg.PublishRelays
	}
	return defaultRelaysConfig().PublishRelays
}
