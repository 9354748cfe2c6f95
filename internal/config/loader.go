package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CONSOLE_"

// field maps one setting to its flag key and environment variable.
type field struct {
	key string
	env string
	set func(c *Config, v string) error
}

var fields = []field{
	{"api.base_url", "API_BASE_URL", func(c *Config, v string) error { c.API.BaseURL = v; return nil }},
	{"api.token", "API_TOKEN", func(c *Config, v string) error { c.API.Token = v; return nil }},
	{"api.timeout", "API_TIMEOUT", durationSetter(func(c *Config) *time.Duration { return &c.API.Timeout })},
	{"api.dns_cache", "DNS_CACHE", boolSetter(func(c *Config) *bool { return &c.API.DNSCache })},
	{"api.dns_cache_ttl", "DNS_CACHE_TTL", durationSetter(func(c *Config) *time.Duration { return &c.API.DNSCacheTTL })},
	{"api.oauth2.client_id", "OAUTH_CLIENT_ID", func(c *Config, v string) error { c.API.OAuth2.ClientID = v; return nil }},
	{"api.oauth2.client_secret", "OAUTH_CLIENT_SECRET", func(c *Config, v string) error { c.API.OAuth2.ClientSecret = v; return nil }},
	{"api.oauth2.token_url", "OAUTH_TOKEN_URL", func(c *Config, v string) error { c.API.OAuth2.TokenURL = v; return nil }},
	{"api.oauth2.scopes", "OAUTH_SCOPES", func(c *Config, v string) error { c.API.OAuth2.Scopes = splitList(v); return nil }},
	{"session.file", "SESSION_FILE", func(c *Config, v string) error { c.Session.File = v; return nil }},
	{"session.business_id", "BUSINESS_ID", func(c *Config, v string) error { c.Session.BusinessID = v; return nil }},
	{"cache.enabled", "CACHE_ENABLED", boolSetter(func(c *Config) *bool { return &c.Cache.Enabled })},
	{"cache.path", "CACHE_PATH", func(c *Config, v string) error { c.Cache.Path = v; return nil }},
	{"cache.retention", "CACHE_RETENTION", durationSetter(func(c *Config) *time.Duration { return &c.Cache.Retention })},
	{"server.listen", "LISTEN", func(c *Config, v string) error { c.Server.Listen = v; return nil }},
	{"server.metrics_listen", "METRICS_LISTEN", func(c *Config, v string) error { c.Server.MetricsListen = v; return nil }},
	{"server.allowed_origins", "ALLOWED_ORIGINS", func(c *Config, v string) error { c.Server.AllowedOrigins = splitList(v); return nil }},
	{"server.api_token_hash", "API_TOKEN_HASH", func(c *Config, v string) error { c.Server.APITokenHash = v; return nil }},
	{"server.shutdown_timeout", "SHUTDOWN_TIMEOUT", durationSetter(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout })},
	{"logging.level", "LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = strings.ToLower(v); return nil }},
	{"logging.format", "LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = strings.ToLower(v); return nil }},
	{"upgrade_url", "UPGRADE_URL", func(c *Config, v string) error { c.UpgradeURL = v; return nil }},
}

// Loader handles loading configuration from multiple sources
type Loader struct {
	configPaths  []string
	explicitPath string
	envFile      string
	lookupEnv    func(string) (string, bool)
	cliArgs      map[string]string
	loadedFrom   string
}

// NewLoader creates a loader with the default search paths.
func NewLoader() *Loader {
	return &Loader{
		configPaths: []string{
			"/etc/console/console.yaml",
			"/etc/console/console.yml",
			"./console.yaml",
			"./console.yml",
		},
		envFile:   ".env",
		lookupEnv: os.LookupEnv,
		cliArgs:   make(map[string]string),
	}
}

// SetConfigPath sets an explicit config file. It must exist.
func (l *Loader) SetConfigPath(path string) {
	l.explicitPath = path
}

// SetEnvFile sets the .env file to read. An empty path disables it.
func (l *Loader) SetEnvFile(path string) {
	l.envFile = path
}

// Set records a command-line override for key (for example "server.listen").
func (l *Loader) Set(key, value string) error {
	if _, ok := lookupField(key); !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	l.cliArgs[key] = value
	return nil
}

// ConfigFile returns the file the last Load read, if any.
func (l *Loader) ConfigFile() string {
	return l.loadedFrom
}

// Load loads configuration from all sources in order of precedence
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if err := l.loadFromFile(cfg); err != nil {
		return nil, err
	}

	dotenv, err := l.readEnvFile()
	if err != nil {
		return nil, err
	}
	if err := l.applyEnv(cfg, dotenv); err != nil {
		return nil, err
	}

	if err := l.applyCliArgs(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	path := l.explicitPath
	if path == "" {
		for _, candidate := range l.configPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		log.Debug().Msg("No config file found, using defaults")
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config %s: %w", path, err)
	}
	l.loadedFrom = path
	log.Info().Str("path", path).Msg("Loaded configuration file")
	return nil
}

func (l *Loader) readEnvFile() (map[string]string, error) {
	if l.envFile == "" {
		return nil, nil
	}
	values, err := godotenv.Read(l.envFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", l.envFile, err)
	}
	log.Debug().Str("path", l.envFile).Int("keys", len(values)).Msg("Loaded env file")
	return values, nil
}

// applyEnv applies CONSOLE_* variables. The process environment wins over the
// .env file.
func (l *Loader) applyEnv(cfg *Config, dotenv map[string]string) error {
	for _, f := range fields {
		name := envPrefix + f.env
		val, ok := l.lookupEnv(name)
		if !ok {
			val, ok = dotenv[name]
		}
		if !ok || val == "" {
			continue
		}
		if err := f.set(cfg, val); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// applyCliArgs applies CLI arguments (highest priority)
func (l *Loader) applyCliArgs(cfg *Config) error {
	keys := make([]string, 0, len(l.cliArgs))
	for k := range l.cliArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f, _ := lookupField(k)
		if err := f.set(cfg, l.cliArgs[k]); err != nil {
			return fmt.Errorf("invalid --%s: %w", k, err)
		}
	}
	return nil
}

// EnvVar returns the environment variable name for a config key.
func EnvVar(key string) string {
	f, ok := lookupField(key)
	if !ok {
		return ""
	}
	return envPrefix + f.env
}

func lookupField(key string) (field, bool) {
	for _, f := range fields {
		if f.key == key {
			return f, true
		}
	}
	return field{}, false
}

func durationSetter(target func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*target(c) = d
		return nil
	}
}

func boolSetter(target func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*target(c) = b
		return nil
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
