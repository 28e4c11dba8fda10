package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendPebble, cfg.Storage.Backend)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
server_url: https://chat.example.com
profile: work
storage:
  backend: memory
connection:
  ping_interval: 5s
reconnect:
  max_attempts: 2
  initial_delay: 100ms
  max_delay: 1s
  multiplier: 3
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", cfg.ServerURL)
	assert.Equal(t, "work", cfg.Profile)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 5*time.Second, cfg.Connection.PingInterval)
	assert.Equal(t, 2, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Reconnect.InitialDelay)
	assert.Equal(t, float64(3), cfg.Reconnect.Multiplier)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Connection.WriteTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POLYCHAT_SERVER_URL", "http://10.0.0.1:9000")
	t.Setenv("POLYCHAT_STORAGE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("POLYCHAT_RECONNECT_MAX_ATTEMPTS", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:9000", cfg.ServerURL)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "cache:6379", cfg.Storage.RedisAddr)
	assert.Equal(t, "nats://bus:4222", cfg.Bridge.NATSURL)
	assert.Equal(t, 9, cfg.Reconnect.MaxAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad scheme", func(c *Config) { c.ServerURL = "ftp://host" }},
		{"no host", func(c *Config) { c.ServerURL = "http://" }},
		{"empty profile", func(c *Config) { c.Profile = "" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"pebble without path", func(c *Config) { c.Storage.Path = "" }},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }},
		{"multiplier below one", func(c *Config) { c.Reconnect.Multiplier = 0.5 }},
		{"inverted delays", func(c *Config) { c.Reconnect.MaxDelay = time.Millisecond }},
		{"zero event buffer", func(c *Config) { c.Connection.EventBuffer = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.Profile = "alice"
	cfg.Storage.Backend = BackendMemory
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Profile)
	assert.Equal(t, cfg.Reconnect, loaded.Reconnect)
}
