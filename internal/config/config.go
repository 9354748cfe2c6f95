// Package config loads console settings from defaults, a YAML file, a .env file,
// CONSOLE_* environment variables and command-line flags, in that order.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Config is the effective console configuration.
type Config struct {
	API        APIConfig     `yaml:"api"`
	Session    SessionConfig `yaml:"session"`
	Cache      CacheConfig   `yaml:"cache"`
	Server     ServerConfig  `yaml:"server"`
	Logging    LoggingConfig `yaml:"logging"`
	UpgradeURL string        `yaml:"upgrade_url"`
}

// APIConfig configures the backend client.
type APIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Token       string        `yaml:"token"`
	OAuth2      OAuth2Config  `yaml:"oauth2"`
	Timeout     time.Duration `yaml:"timeout"`
	DNSCache    bool          `yaml:"dns_cache"`
	DNSCacheTTL time.Duration `yaml:"dns_cache_ttl"`
}

// OAuth2Config holds client-credentials settings.
type OAuth2Config struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// SessionConfig says where the active session comes from. BusinessID is used
// when no session file is configured.
type SessionConfig struct {
	File       string `yaml:"file"`
	BusinessID string `yaml:"business_id"`
}

// CacheConfig controls the last-known-good snapshot cache.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	MetricsListen   string        `yaml:"metrics_listen"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	APITokenHash    string        `yaml:"api_token_hash"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:     "http://localhost:8080/api",
			Timeout:     15 * time.Second,
			DNSCacheTTL: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Path:      "data/entitlements.db",
			Retention: 30 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Listen:          ":7700",
			MetricsListen:   ":9700",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		UpgradeURL: "https://console.example.com/billing/upgrade",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validateHTTPURL("api.base_url", c.API.BaseURL); err != nil {
		return err
	}
	if c.API.Timeout < time.Second {
		return fmt.Errorf("api.timeout must be at least 1 second")
	}
	if c.API.DNSCache && c.API.DNSCacheTTL <= 0 {
		return fmt.Errorf("api.dns_cache_ttl must be positive")
	}
	if c.API.OAuth2.ClientID != "" {
		if err := validateHTTPURL("api.oauth2.token_url", c.API.OAuth2.TokenURL); err != nil {
			return err
		}
		if c.API.Token != "" {
			return fmt.Errorf("api.token and api.oauth2 are mutually exclusive")
		}
	}

	if c.Cache.Enabled && strings.TrimSpace(c.Cache.Path) == "" {
		return fmt.Errorf("cache.path is required when the cache is enabled")
	}

	if err := validateListen("server.listen", c.Server.Listen); err != nil {
		return err
	}
	if c.Server.MetricsListen != "" {
		if err := validateListen("server.metrics_listen", c.Server.MetricsListen); err != nil {
			return err
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "auto", "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %q", c.Logging.Format)
	}

	if c.UpgradeURL != "" {
		if err := validateHTTPURL("upgrade_url", c.UpgradeURL); err != nil {
			return err
		}
	}
	return nil
}

// UpgradeURLFor returns the upgrade page for a feature code.
func (c *Config) UpgradeURLFor(feature string) string {
	if c.UpgradeURL == "" {
		return ""
	}
	u, err := url.Parse(c.UpgradeURL)
	if err != nil {
		return c.UpgradeURL
	}
	if feature != "" {
		q := u.Query()
		q.Set("feature", feature)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.API.Token = mask(c.API.Token)
	out.API.OAuth2.ClientSecret = mask(c.API.OAuth2.ClientSecret)
	out.Server.APITokenHash = mask(c.Server.APITokenHash)
	out.API.OAuth2.Scopes = append([]string(nil), c.API.OAuth2.Scopes...)
	out.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return &out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func validateHTTPURL(name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must start with http:// or https://", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}

func validateListen(name, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, addr, err)
	}
	if port == "" {
		return fmt.Errorf("invalid %s %q: missing port", name, addr)
	}
	return nil
}
