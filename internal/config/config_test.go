package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig drops yamlContent into a temp dir and returns its path.
func writeConfig(t *testing.T, yamlContent string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))
	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

upstream:
  base_url: https://dify.example.com/v1/
  blocking_timeout: 30s

relay:
  max_sessions: 8
  idle_timeout: 45s

metrics:
  enabled: false

apps:
  "42":
    name: research-assistant
    api_key: ${TEST_DIFY_KEY}
    domain: chat
    suggest_after_answer: true
`)

	t.Setenv("TEST_DIFY_KEY", "app-secret")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)

	// Trailing slash is trimmed so path joins never double up.
	assert.Equal(t, "https://dify.example.com/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Upstream.BlockingTimeout)
	assert.Equal(t, 8, cfg.Relay.MaxSessions)
	assert.Equal(t, 45*time.Second, cfg.Relay.IdleTimeout)
	assert.False(t, cfg.Metrics.Enabled)

	app, ok := cfg.Apps["42"]
	require.True(t, ok, "app 42 should exist")
	assert.Equal(t, "research-assistant", app.Name)
	assert.Equal(t, "app-secret", app.APIKey)
	assert.Equal(t, "chat", app.Domain)
	assert.True(t, app.SuggestAfterAnswer)
}

func TestLoadDefaults(t *testing.T) {
	configPath := writeConfig(t, `
upstream:
  base_url: https://dify.example.com/v1
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 120*time.Second, cfg.Upstream.BlockingTimeout)
	assert.Equal(t, 10*time.Second, cfg.Upstream.ConnectTimeout)
	assert.Equal(t, 256, cfg.Relay.MaxSessions)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 8080
  read_timeout: 30s
upstream:
  base_url: https://dify.example.com/v1
`)

	t.Setenv("DIFYRELAY_SERVER_PORT", "3000")
	t.Setenv("DIFYRELAY_UPSTREAM_BLOCKING_TIMEOUT", "5s")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Upstream.BlockingTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	configPath := writeConfig(t, `
relay:
  max_sessions: -1
  idle_timeout: -5s
apps:
  "1":
    api_key: ${TEST_DIFY_KEY_UNSET}
`)

	_, err := Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.base_url is required")
	assert.Contains(t, err.Error(), "relay.max_sessions must not be negative")
	assert.Contains(t, err.Error(), "relay.idle_timeout must not be negative")
	assert.Contains(t, err.Error(), "apps.1.api_key is empty")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config file")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.port", envKey("DIFYRELAY_SERVER_PORT"))
	assert.Equal(t, "server.read_timeout", envKey("DIFYRELAY_SERVER_READ_TIMEOUT"))
	assert.Equal(t, "metrics", envKey("DIFYRELAY_METRICS"))
}
