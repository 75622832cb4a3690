package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 120, cfg.Sessions.MemorySampleLimit)
	assert.Equal(t, "@every 1m", cfg.Sessions.SweepSchedule)
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
server:
  port: 9090
sessions:
  expiry_fallback_ms: 500
  sweep_schedule: ""
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Address, "unset fields keep their defaults")
	assert.Equal(t, 500, cfg.Sessions.ExpiryFallbackMs)
	assert.Empty(t, cfg.Sessions.SweepSchedule)
}

func TestValidate(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"defaults", func(*Config) {}, nil},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }, ErrStorageConfig},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, ErrStorageConfig},
		{"postgres without key", func(c *Config) {
			c.Storage.Backend = "postgres"
			c.Storage.PostgresDSN = "postgres://localhost/settings"
		}, ErrSecurityConfig},
		{"postgres with key", func(c *Config) {
			c.Storage.Backend = "postgres"
			c.Storage.PostgresDSN = "postgres://localhost/settings"
			c.Security.EncryptionKey = key
		}, nil},
		{"short key", func(c *Config) { c.Security.EncryptionKey = base64.StdEncoding.EncodeToString([]byte("short")) }, ErrSecurityConfig},
		{"bad cron", func(c *Config) { c.Sessions.SweepSchedule = "every minute" }, ErrInvalidCron},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Server.Port = 7000

	require.NoError(t, Save(cfg, path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, loaded.Server.Port)
}
