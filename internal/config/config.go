// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gatechat/core/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete gatechat configuration.
type Config struct {
	Version string `toml:"version"`

	// DefaultModel is the model used when a chat request names none.
	DefaultModel string `toml:"default_model"`

	Stream   StreamConfig    `toml:"stream"`
	Catalog  CatalogConfig   `toml:"catalog"`
	Network  NetworkConfig   `toml:"network"`
	Log      LogConfig       `toml:"log"`
	Gateways []GatewayConfig `toml:"gateways"`
}

// StreamConfig tunes the streaming chat client.
type StreamConfig struct {
	// Endpoint is the chat-completions URL.
	Endpoint string `toml:"endpoint"`
	// APIKey authenticates chat requests.
	APIKey string `toml:"api_key"`
	// MaxAttempts bounds connection attempts per message (1-10).
	MaxAttempts int `toml:"max_attempts"`
}

// CatalogConfig tunes catalog refresh and caching.
type CatalogConfig struct {
	// CacheTTLMinutes is how long a cached snapshot stays valid.
	CacheTTLMinutes int `toml:"cache_ttl_minutes"`
	// PersistLimit caps how many models a persisted snapshot keeps.
	PersistLimit int `toml:"persist_limit"`
	// CachePath overrides the cache database location.
	CachePath string `toml:"cache_path"`
}

// NetworkConfig tunes timeouts for connection quality.
type NetworkConfig struct {
	// Profile is "fast", "slow", or "mobile"; it scales fetch timeouts.
	Profile string `toml:"profile"`
	// FetchTimeoutSecs is the base model-list timeout before scaling.
	FetchTimeoutSecs int `toml:"fetch_timeout_secs"`
	// HardCeilingSecs bounds the scaled timeout.
	HardCeilingSecs int `toml:"hard_ceiling_secs"`
	// RequestsPerSecond paces model-list calls per gateway (0 = off).
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `toml:"level"`
}

// GatewayConfig describes one upstream model gateway.
type GatewayConfig struct {
	ID      string `toml:"id"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	// FreeOnly marks a gateway that serves only free models.
	FreeOnly bool `toml:"free_only"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version:      "1",
		DefaultModel: "openai/gpt-4o-mini",
		Stream: StreamConfig{
			Endpoint:    "https://openrouter.ai/api/v1/chat/completions",
			MaxAttempts: 4,
		},
		Catalog: CatalogConfig{
			CacheTTLMinutes: 60,
			PersistLimit:    200,
		},
		Network: NetworkConfig{
			Profile:          "fast",
			FetchTimeoutSecs: 10,
			HardCeilingSecs:  45,
		},
		Log: LogConfig{
			Level: "info",
		},
		Gateways: []GatewayConfig{
			{ID: "openrouter", BaseURL: "https://openrouter.ai/api/v1"},
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// Dir returns the gatechat configuration directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".gatechat"), nil
}

// Path returns the default config file location.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the config from the default location. A missing file yields
// defaults; environment overrides apply either way.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the config from an explicit path. A missing file
// yields defaults rather than an error.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides lets the environment win over the file for settings
// that routinely differ per machine or must stay out of files.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("GATECHAT_API_KEY"); v != "" {
		c.Stream.APIKey = v
	}
	if v := os.Getenv("GATECHAT_ENDPOINT"); v != "" {
		c.Stream.Endpoint = v
	}
	if v := os.Getenv("GATECHAT_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("GATECHAT_NETWORK_PROFILE"); v != "" {
		c.Network.Profile = v
	}
	if v := os.Getenv("GATECHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("GATECHAT_CACHE_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Catalog.CacheTTLMinutes = n
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the config and clamps out-of-range numeric settings
// instead of refusing to start.
func (c *Config) Validate() error {
	if c.Stream.Endpoint != "" {
		if _, err := url.ParseRequestURI(c.Stream.Endpoint); err != nil {
			return fmt.Errorf("invalid stream endpoint %q: %w", c.Stream.Endpoint, err)
		}
	}
	for _, gw := range c.Gateways {
		if gw.ID == "" {
			return fmt.Errorf("gateway with empty id (base_url %q)", gw.BaseURL)
		}
		if _, err := url.ParseRequestURI(gw.BaseURL); err != nil {
			return fmt.Errorf("gateway %s: invalid base_url %q: %w", gw.ID, gw.BaseURL, err)
		}
	}

	c.Stream.MaxAttempts = clampInt(c.Stream.MaxAttempts, 1, 10, 4)
	c.Catalog.CacheTTLMinutes = clampInt(c.Catalog.CacheTTLMinutes, 1, 24*60, 60)
	c.Catalog.PersistLimit = clampInt(c.Catalog.PersistLimit, 10, 10000, 200)
	c.Network.FetchTimeoutSecs = clampInt(c.Network.FetchTimeoutSecs, 1, 120, 10)
	c.Network.HardCeilingSecs = clampInt(c.Network.HardCeilingSecs, c.Network.FetchTimeoutSecs, 300, 45)

	switch c.Network.Profile {
	case "fast", "slow", "mobile":
	default:
		c.Network.Profile = "fast"
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		c.Log.Level = "info"
	}

	return nil
}

func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CacheTTL returns the catalog TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Catalog.CacheTTLMinutes) * time.Minute
}

// FetchTimeout returns the base model-list timeout as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Network.FetchTimeoutSecs) * time.Second
}

// HardCeiling returns the timeout ceiling as a duration.
func (c *Config) HardCeiling() time.Duration {
	return time.Duration(c.Network.HardCeilingSecs) * time.Second
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the config to the default location atomically.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes the config to an explicit path atomically. The file is
// created 0600 since it can hold API keys.
func SaveToPath(cfg *Config, path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0o600)
}
