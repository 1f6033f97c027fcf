// Package config holds the host configuration: flags layered over
// environment variables, with defaults chosen by deployment environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// DefaultRelayURL is the well-known public relay.
const DefaultRelayURL = "wss://oo.openonion.ai/ws/announce"

// Config is the full host configuration.
type Config struct {
	// Serving
	Port    int `env:"CONNECTONION_PORT" envDefault:"8000"`
	Workers int `env:"CONNECTONION_WORKERS" envDefault:"1"`

	// Trust: a level name (open/careful/strict), a policy file path, or an
	// inline policy document. Empty resolves from Env.
	Trust string `env:"CONNECTONION_TRUST"`

	// Env selects the default trust level: development→open,
	// staging|test→careful, production→strict.
	Env string `env:"CONNECTONION_ENV" envDefault:"development"`

	// Sessions
	ResultTTL       int    `env:"CONNECTONION_RESULT_TTL" envDefault:"86400"` // seconds
	SessionBackend  string `env:"CONNECTONION_SESSION_BACKEND" envDefault:"jsonl"`
	PostgresDSN     string `env:"CONNECTONION_POSTGRES_DSN"`
	CompactSchedule string `env:"CONNECTONION_COMPACT_SCHEDULE"` // cron expr, empty disables

	// Relay. "off" disables the uplink.
	RelayURL string `env:"CONNECTONION_RELAY_URL"`

	// Operator-level overrides. Whitelist bypasses policy (never signature);
	// blacklist rejects before signature verification.
	Whitelist []string `env:"CONNECTONION_WHITELIST" envSeparator:","`
	Blacklist []string `env:"CONNECTONION_BLACKLIST" envSeparator:","`

	// CoDir is the state directory (keys, trust lists, session log, host log).
	CoDir string `env:"CONNECTONION_DIR"`

	// External services
	APIKey  string `env:"OPENONION_API_KEY"`  // gates /admin/* endpoints
	BaseURL string `env:"OPENONION_BASE_URL"` // payment verification target
	DevMode bool   `env:"OPENONION_DEV"`      // point BaseURL at a local service

	// Model keys for the built-in evaluator and reference agent.
	AnthropicKey string `env:"ANTHROPIC_API_KEY"`
	OpenAIKey    string `env:"OPENAI_API_KEY"`
}

// Load builds a Config from the environment and fills derived defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.CoDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.CoDir = filepath.Join(home, ".co")
	}
	if cfg.Trust == "" {
		cfg.Trust = TrustLevelForEnv(cfg.Env)
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
	}
	if cfg.BaseURL == "" {
		if cfg.DevMode {
			cfg.BaseURL = "http://localhost:8100"
		} else {
			cfg.BaseURL = "https://oo.openonion.ai"
		}
	}
	return cfg, nil
}

// TrustLevelForEnv maps a deployment environment to its default trust level.
func TrustLevelForEnv(envName string) string {
	switch envName {
	case "development":
		return "open"
	case "staging", "test":
		return "careful"
	case "production":
		return "strict"
	default:
		return "careful"
	}
}

// RelayEnabled reports whether the relay uplink should run.
func (c *Config) RelayEnabled() bool {
	return c.RelayURL != "" && c.RelayURL != "off" && c.RelayURL != "null"
}

// KeyPath is the identity key file location.
func (c *Config) KeyPath() string {
	return filepath.Join(c.CoDir, "keys", "agent.key")
}

// TrustDir is the trust store directory.
func (c *Config) TrustDir() string {
	return filepath.Join(c.CoDir, "trust")
}

// SessionPath is the default JSONL session log location.
func (c *Config) SessionPath() string {
	return filepath.Join(c.CoDir, "sessions.jsonl")
}

// LogPath is the host log file served by /admin/logs.
func (c *Config) LogPath() string {
	return filepath.Join(c.CoDir, "host.log")
}
