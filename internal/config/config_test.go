package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
app:
  env: production
dispatcher:
  tick_interval: 250ms
  default_region: US
defaults:
  max_retries: 2
  call_timeout: 45s
lines:
  - id: trunk-1
    extension: "1001"
    max_concurrent_calls: 3
    status: registered
  - id: trunk-2
    extension: "1002"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Env)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatcher.TickInterval)
	assert.Equal(t, "US", cfg.Dispatcher.DefaultRegion)
	assert.Equal(t, 2, cfg.Defaults.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Defaults.CallTimeout)
	assert.Equal(t, 5, cfg.Defaults.MaxConcurrentCalls, "unset values fall back to defaults")
	assert.Equal(t, "mock", cfg.CallBridge.ProviderName)

	require.Len(t, cfg.Lines, 2)
	assert.Equal(t, "trunk-1", cfg.Lines[0].ID)
	assert.Equal(t, 3, cfg.Lines[0].MaxConcurrentCalls)
	assert.Equal(t, "registered", cfg.Lines[0].Status)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BROADCAST_DEFAULTS_MAX_RETRIES", "4")
	t.Setenv("BROADCAST_CALL_BRIDGE_PROVIDER_NAME", "kafka")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Defaults.MaxRetries)
	assert.Equal(t, "kafka", cfg.CallBridge.ProviderName)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Dispatcher.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Defaults.CallTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "zero tick", mutate: func(c *Config) { c.Dispatcher.TickInterval = 0 }},
		{name: "negative retries", mutate: func(c *Config) { c.Defaults.MaxRetries = -1 }},
		{name: "no concurrency", mutate: func(c *Config) { c.Defaults.MaxConcurrentCalls = 0 }},
		{name: "duplicate line", mutate: func(c *Config) { c.Lines = append(c.Lines, c.Lines[0]) }},
		{name: "unknown provider", mutate: func(c *Config) { c.CallBridge.ProviderName = "sip" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sample))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
