package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root server configuration.
type Config struct {
	Server    *ServerConfig    `json:"server" yaml:"server"`
	Storage   *StorageConfig   `json:"storage" yaml:"storage"`
	Security  *SecurityConfig  `json:"security" yaml:"security"`
	Sessions  *SessionConfig   `json:"sessions" yaml:"sessions"`
	Memory    *MemoryConfig    `json:"memory" yaml:"memory"`
	WebHooks  *WebHookConfig   `json:"webhooks" yaml:"webhooks"`
	Streaming *StreamingConfig `json:"streaming" yaml:"streaming"`
	Log       *LogConfig       `json:"log" yaml:"log"`
}

type ServerConfig struct {
	Address            string   `json:"address" yaml:"address"`
	Port               int      `json:"port" yaml:"port"`
	ReadTimeoutSeconds int      `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	AllowedOrigins     []string `json:"allowed_origins" yaml:"allowed_origins"`
	Mode               string   `json:"mode" yaml:"mode"` // debug, release, test
}

func NewServerConfig() *ServerConfig {
	origins := []string{"*"}
	if v := os.Getenv("SETTINGSFORGE_ALLOWED_ORIGINS"); v != "" {
		origins = splitList(v)
	}
	return &ServerConfig{
		Address:            getEnv("SETTINGSFORGE_ADDRESS", "0.0.0.0"),
		Port:               getEnvInt("SETTINGSFORGE_PORT", 8080),
		ReadTimeoutSeconds: getEnvInt("SETTINGSFORGE_READ_TIMEOUT_SECONDS", 30),
		AllowedOrigins:     origins,
		Mode:               getEnv("GIN_MODE", "release"),
	}
}

// StorageConfig selects the repository backends.
// Backend "memory" keeps everything in process; "postgres" persists clients,
// webhooks, events and deferred imports. RedisAddr, when set, moves client
// run-session state into Redis.
type StorageConfig struct {
	Backend       string `json:"backend" yaml:"backend"`
	PostgresDSN   string `json:"postgres_dsn" yaml:"postgres_dsn"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
}

func NewStorageConfig() *StorageConfig {
	return &StorageConfig{
		Backend:       getEnv("SETTINGSFORGE_STORAGE", "memory"),
		PostgresDSN:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
	}
}

type SecurityConfig struct {
	// EncryptionKey is a base64 encoded 32 byte AES key.
	EncryptionKey string `json:"encryption_key" yaml:"encryption_key"`
	// PreviousEncryptionKeys are tried for decryption after a key rotation.
	PreviousEncryptionKeys []string `json:"previous_encryption_keys" yaml:"previous_encryption_keys"`
	JWTSecret              string   `json:"jwt_secret" yaml:"jwt_secret"`
	TokenTTLMinutes        int      `json:"token_ttl_minutes" yaml:"token_ttl_minutes"`
}

func NewSecurityConfig() *SecurityConfig {
	var previous []string
	if v := os.Getenv("SETTINGSFORGE_PREVIOUS_ENCRYPTION_KEYS"); v != "" {
		previous = splitList(v)
	}
	return &SecurityConfig{
		EncryptionKey:          getEnv("SETTINGSFORGE_ENCRYPTION_KEY", ""),
		PreviousEncryptionKeys: previous,
		JWTSecret:              getEnv("JWT_SECRET", ""),
		TokenTTLMinutes:        getEnvInt("SETTINGSFORGE_TOKEN_TTL_MINUTES", 24*60),
	}
}

type SessionConfig struct {
	// ExpiryFallbackMs is the minimum grace period before a session expires.
	ExpiryFallbackMs  int    `json:"expiry_fallback_ms" yaml:"expiry_fallback_ms"`
	MemorySampleLimit int    `json:"memory_sample_limit" yaml:"memory_sample_limit"`
	SweepSchedule     string `json:"sweep_schedule" yaml:"sweep_schedule"` // cron spec, empty disables
	HeartbeatRate     int    `json:"heartbeat_rate" yaml:"heartbeat_rate"`
	HeartbeatBurst    int    `json:"heartbeat_burst" yaml:"heartbeat_burst"`
	PerClientRate     int    `json:"per_client_rate" yaml:"per_client_rate"`
	PerClientBurst    int    `json:"per_client_burst" yaml:"per_client_burst"`
}

func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		ExpiryFallbackMs:  getEnvInt("SETTINGSFORGE_EXPIRY_FALLBACK_MS", 0),
		MemorySampleLimit: getEnvInt("SETTINGSFORGE_MEMORY_SAMPLE_LIMIT", 120),
		SweepSchedule:     getEnv("SETTINGSFORGE_SWEEP_SCHEDULE", "@every 1m"),
		HeartbeatRate:     getEnvInt("SETTINGSFORGE_HEARTBEAT_RATE", 100),
		HeartbeatBurst:    getEnvInt("SETTINGSFORGE_HEARTBEAT_BURST", 200),
		PerClientRate:     getEnvInt("SETTINGSFORGE_CLIENT_HEARTBEAT_RATE", 10),
		PerClientBurst:    getEnvInt("SETTINGSFORGE_CLIENT_HEARTBEAT_BURST", 20),
	}
}

func (c *SessionConfig) ExpiryFallback() time.Duration {
	return time.Duration(c.ExpiryFallbackMs) * time.Millisecond
}

type MemoryConfig struct {
	MinDataPoints       int `json:"min_data_points" yaml:"min_data_points"`
	DelayBeforeCheckSec int `json:"delay_before_check_seconds" yaml:"delay_before_check_seconds"`
}

func NewMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		MinDataPoints:       getEnvInt("SETTINGSFORGE_MEMORY_MIN_POINTS", 40),
		DelayBeforeCheckSec: getEnvInt("SETTINGSFORGE_MEMORY_DELAY_SECONDS", 600),
	}
}

type WebHookConfig struct {
	TimeoutSeconds   int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxConcurrent    int     `json:"max_concurrent" yaml:"max_concurrent"`
	RatePerSecond    float64 `json:"rate_per_second" yaml:"rate_per_second"`
	Burst            int     `json:"burst" yaml:"burst"`
	BreakerThreshold int     `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldownS int     `json:"breaker_cooldown_seconds" yaml:"breaker_cooldown_seconds"`
}

func NewWebHookConfig() *WebHookConfig {
	return &WebHookConfig{
		TimeoutSeconds:   getEnvInt("SETTINGSFORGE_WEBHOOK_TIMEOUT_SECONDS", 10),
		MaxConcurrent:    getEnvInt("SETTINGSFORGE_WEBHOOK_CONCURRENCY", 16),
		RatePerSecond:    getEnvFloat("SETTINGSFORGE_WEBHOOK_RATE", 50),
		Burst:            getEnvInt("SETTINGSFORGE_WEBHOOK_BURST", 100),
		BreakerThreshold: getEnvInt("SETTINGSFORGE_WEBHOOK_BREAKER_THRESHOLD", 5),
		BreakerCooldownS: getEnvInt("SETTINGSFORGE_WEBHOOK_BREAKER_COOLDOWN_SECONDS", 30),
	}
}

type StreamingConfig struct {
	NATSURL       string `json:"nats_url" yaml:"nats_url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

func NewStreamingConfig() *StreamingConfig {
	return &StreamingConfig{
		NATSURL:       getEnv("NATS_URL", ""),
		SubjectPrefix: getEnv("SETTINGSFORGE_SUBJECT_PREFIX", "settingsforge.events"),
	}
}

type LogConfig struct {
	Level       string `json:"level" yaml:"level"`
	File        string `json:"file" yaml:"file"`
	Development bool   `json:"development" yaml:"development"`
}

func NewLogConfig() *LogConfig {
	return &LogConfig{
		Level:       getEnv("LOG_LEVEL", "info"),
		File:        getEnv("LOG_FILE", "./logs/settingsforge.log"),
		Development: getEnvBool("LOG_DEVELOPMENT", false),
	}
}

// Default returns a configuration built from environment defaults only.
func Default() *Config {
	return &Config{
		Server:    NewServerConfig(),
		Storage:   NewStorageConfig(),
		Security:  NewSecurityConfig(),
		Sessions:  NewSessionConfig(),
		Memory:    NewMemoryConfig(),
		WebHooks:  NewWebHookConfig(),
		Streaming: NewStreamingConfig(),
		Log:       NewLogConfig(),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
