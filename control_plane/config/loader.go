package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration from environment defaults and then overlays
// the file at configPath, if any. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("%w: %v", ErrConfigNotFound, err)
		default:
			if err := decode(configPath, data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("%w: JSON parsing failed: %v", ErrInvalidFormat, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("%w: YAML parsing failed: %v", ErrInvalidFormat, err)
		}
	default:
		return fmt.Errorf("%w: unsupported config file format: %s", ErrInvalidFormat, filepath.Ext(path))
	}
	return nil
}

// Save writes the configuration as YAML.
func Save(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config serialization failed: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server == nil || c.Storage == nil || c.Security == nil || c.Sessions == nil ||
		c.Memory == nil || c.WebHooks == nil || c.Streaming == nil || c.Log == nil {
		return fmt.Errorf("%w: all configuration sections are required", ErrMissingRequired)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d", ErrInvalidValue, c.Server.Port)
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres backend requires storage.postgres_dsn", ErrStorageConfig)
		}
		if c.Security.EncryptionKey == "" {
			return fmt.Errorf("%w: durable storage requires security.encryption_key", ErrSecurityConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrStorageConfig, c.Storage.Backend)
	}

	for _, key := range append([]string{c.Security.EncryptionKey}, c.Security.PreviousEncryptionKeys...) {
		if key == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("%w: encryption keys must be base64 encoded 32 byte values", ErrSecurityConfig)
		}
	}
	if c.Security.JWTSecret != "" && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("%w: jwt_secret must be at least 32 characters", ErrSecurityConfig)
	}

	if c.Sessions.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Sessions.SweepSchedule); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCron, err)
		}
	}
	if c.Sessions.ExpiryFallbackMs < 0 {
		return fmt.Errorf("%w: sessions.expiry_fallback_ms must not be negative", ErrInvalidValue)
	}
	if c.WebHooks.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: webhooks.max_concurrent must be positive", ErrInvalidValue)
	}
	return nil
}
