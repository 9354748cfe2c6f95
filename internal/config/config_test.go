package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T, env map[string]string) *Loader {
	t.Helper()
	l := NewLoader()
	l.configPaths = nil
	l.envFile = ""
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := newTestLoader(t, nil).Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	yamlPath := writeFile(t, dir, "console.yaml", `
api:
  base_url: https://file.example.com/api
  timeout: 30s
  dns_cache: true
server:
  listen: ":8000"
  allowed_origins:
    - https://file.example.com
logging:
  level: debug
`)
	envPath := writeFile(t, dir, ".env", "CONSOLE_LISTEN=:8100\nCONSOLE_LOG_LEVEL=warn\nCONSOLE_BUSINESS_ID=biz-env-file\n")

	l := newTestLoader(t, map[string]string{
		"CONSOLE_LOG_LEVEL":       "error",
		"CONSOLE_ALLOWED_ORIGINS": "https://a.example.com, https://b.example.com",
	})
	l.SetConfigPath(yamlPath)
	l.SetEnvFile(envPath)
	require.NoError(t, l.Set("server.listen", ":8200"))

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, yamlPath, l.ConfigFile())

	assert.Equal(t, "https://file.example.com/api", cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.True(t, cfg.API.DNSCache)
	assert.Equal(t, "biz-env-file", cfg.Session.BusinessID)
	assert.Equal(t, "error", cfg.Logging.Level, "process env beats .env and file")
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, ":8200", cfg.Server.Listen, "flags beat everything")
	assert.Equal(t, ":9700", cfg.Server.MetricsListen)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing explicit file", func(t *testing.T) {
		l := newTestLoader(t, nil)
		l.SetConfigPath(filepath.Join(dir, "missing.yaml"))
		_, err := l.Load()
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		l := newTestLoader(t, nil)
		l.SetConfigPath(writeFile(t, dir, "bad.yaml", "api: [unclosed"))
		_, err := l.Load()
		assert.Error(t, err)
	})

	t.Run("bad env duration", func(t *testing.T) {
		_, err := newTestLoader(t, map[string]string{"CONSOLE_API_TIMEOUT": "soon"}).Load()
		assert.ErrorContains(t, err, "CONSOLE_API_TIMEOUT")
	})

	t.Run("bad flag bool", func(t *testing.T) {
		l := newTestLoader(t, nil)
		require.NoError(t, l.Set("cache.enabled", "maybe"))
		_, err := l.Load()
		assert.ErrorContains(t, err, "--cache.enabled")
	})

	t.Run("unknown flag key", func(t *testing.T) {
		assert.Error(t, newTestLoader(t, nil).Set("nope", "1"))
	})

	t.Run("missing env file is ignored", func(t *testing.T) {
		l := newTestLoader(t, nil)
		l.SetEnvFile(filepath.Join(dir, "absent.env"))
		_, err := l.Load()
		assert.NoError(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing base url", mutate: func(c *Config) { c.API.BaseURL = "" }, wantErr: true},
		{name: "non http base url", mutate: func(c *Config) { c.API.BaseURL = "ftp://x" }, wantErr: true},
		{name: "short timeout", mutate: func(c *Config) { c.API.Timeout = 10 * time.Millisecond }, wantErr: true},
		{name: "dns cache without ttl", mutate: func(c *Config) { c.API.DNSCache = true; c.API.DNSCacheTTL = 0 }, wantErr: true},
		{name: "oauth without token url", mutate: func(c *Config) { c.API.OAuth2.ClientID = "id" }, wantErr: true},
		{name: "oauth and token", mutate: func(c *Config) {
			c.API.OAuth2 = OAuth2Config{ClientID: "id", TokenURL: "https://auth.example.com/token"}
			c.API.Token = "t"
		}, wantErr: true},
		{name: "oauth ok", mutate: func(c *Config) {
			c.API.OAuth2 = OAuth2Config{ClientID: "id", TokenURL: "https://auth.example.com/token"}
		}},
		{name: "cache without path", mutate: func(c *Config) { c.Cache.Path = " " }, wantErr: true},
		{name: "cache disabled without path", mutate: func(c *Config) { c.Cache.Enabled = false; c.Cache.Path = "" }},
		{name: "bad listen", mutate: func(c *Config) { c.Server.Listen = "7700" }, wantErr: true},
		{name: "metrics disabled", mutate: func(c *Config) { c.Server.MetricsListen = "" }},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad upgrade url", mutate: func(c *Config) { c.UpgradeURL = "nope" }, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUpgradeURLFor(t *testing.T) {
	cfg := Default()
	cfg.UpgradeURL = "https://console.example.com/upgrade?src=console"
	assert.Equal(t, "https://console.example.com/upgrade?feature=REPORTS_VIEW&src=console", cfg.UpgradeURLFor("REPORTS_VIEW"))

	cfg.UpgradeURL = ""
	assert.Empty(t, cfg.UpgradeURLFor("REPORTS_VIEW"))
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.API.Token = "secret"
	cfg.API.OAuth2.ClientSecret = "also-secret"

	r := cfg.Redacted()
	assert.Equal(t, "********", r.API.Token)
	assert.Equal(t, "********", r.API.OAuth2.ClientSecret)
	assert.Empty(t, r.Server.APITokenHash)
	assert.Equal(t, "secret", cfg.API.Token)
}

func TestEnvVar(t *testing.T) {
	assert.Equal(t, "CONSOLE_API_BASE_URL", EnvVar("api.base_url"))
	assert.Empty(t, EnvVar("unknown"))
}
