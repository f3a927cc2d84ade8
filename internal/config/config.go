// Package config loads and persists the drift-syncd configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvSignalingURL overrides the signaling relay address, e.g. to point at a
// public relay instead of the local-network default.
const EnvSignalingURL = "DRIFT_SIGNALING_URL"

// DefaultSignalingURL is the local-network relay default.
const DefaultSignalingURL = "ws://127.0.0.1:4444"

// Provider configures one text-generation backend.
type Provider struct {
	// Type is "openai", "openai_compatible" or "anthropic".
	Type string `json:"type"`
	// BaseURL overrides the SDK default (required for openai_compatible).
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key"`
	// Model is the default model id for this provider.
	Model string `json:"model,omitempty"`
	// TitleModel, if set, is used for chat title generation instead of Model.
	TitleModel string `json:"title_model,omitempty"`
}

func (p *Provider) Validate() error {
	if p == nil {
		return errors.New("nil provider")
	}
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case "openai", "openai_compatible", "anthropic":
	default:
		return fmt.Errorf("unsupported provider type %q", p.Type)
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return errors.New("missing provider api_key")
	}
	if strings.ToLower(strings.TrimSpace(p.Type)) == "openai_compatible" && strings.TrimSpace(p.BaseURL) == "" {
		return errors.New("openai_compatible provider requires base_url")
	}
	return nil
}

// Config is the on-disk configuration for drift-syncd.
//
// NOTE: This file contains provider API keys. Always keep it chmod 0600.
type Config struct {
	// DataDir holds the document cache, projection, legacy database,
	// session state and lock file. Defaults to ~/.drift-sync.
	DataDir string `json:"data_dir,omitempty"`

	// SignalingURL is the websocket address of the rendezvous relay.
	// DRIFT_SIGNALING_URL takes precedence; empty falls back to the
	// local-network default.
	SignalingURL string `json:"signaling_url,omitempty"`

	// ListenAddr is the local HTTP API bind address.
	ListenAddr string `json:"listen_addr,omitempty"`

	// DeviceName labels this device in peer presence. Empty picks a
	// generated name.
	DeviceName string `json:"device_name,omitempty"`

	// Providers keyed by name ("openai", "openrouter", "anthropic", ...).
	Providers map[string]Provider `json:"providers,omitempty"`

	// DefaultProvider names the entry in Providers used when a model does
	// not select one.
	DefaultProvider string `json:"default_provider,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	for name, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid provider %q: %w", name, err)
		}
	}
	if dp := strings.TrimSpace(c.DefaultProvider); dp != "" {
		if _, ok := c.Providers[dp]; !ok {
			return fmt.Errorf("default_provider %q not found in providers", dp)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log_format: %s", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level: %s", c.LogLevel)
	}
	return nil
}

// ResolvedDataDir returns DataDir or the per-user default.
func (c *Config) ResolvedDataDir() string {
	if c != nil {
		if d := strings.TrimSpace(c.DataDir); d != "" {
			return d
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".drift-sync"
	}
	return filepath.Join(home, ".drift-sync")
}

// ResolvedSignalingURL applies the env override and the default.
func (c *Config) ResolvedSignalingURL() string {
	if v := strings.TrimSpace(os.Getenv(EnvSignalingURL)); v != "" {
		return v
	}
	if c != nil {
		if v := strings.TrimSpace(c.SignalingURL); v != "" {
			return v
		}
	}
	return DefaultSignalingURL
}

// ResolvedListenAddr returns ListenAddr or the localhost default.
func (c *Config) ResolvedListenAddr() string {
	if c != nil {
		if v := strings.TrimSpace(c.ListenAddr); v != "" {
			return v
		}
	}
	return "127.0.0.1:23984"
}

// DefaultConfigPath returns the default config path:
//
//	~/.drift-sync/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "drift-sync.config.json"
	}
	return filepath.Join(home, ".drift-sync", "config.json")
}

// Load reads and validates a config file. A missing file yields an empty,
// valid config so the daemon can start unconfigured (sync works without
// providers; sending messages does not).
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config atomically with owner-only permissions.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
