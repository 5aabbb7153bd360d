// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// KV backends selectable with CREDSYNC_KV_BACKEND.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr       string
	DBPath           string
	KVBackend        string
	FallbackPath     string
	RedisAddr        string
	SyncTimeout      time.Duration
	StagedTTL        time.Duration
	MasterPassphrase string
	RelayAddr        string
	RelayDBPath      string
	LogLevel         slog.Level
}

// HasFallback reports whether writes should fail over to a local bbolt file.
func (c *Config) HasFallback() bool {
	return c.FallbackPath != "" && c.KVBackend != BackendBolt
}

// Load reads configuration from environment variables and returns a validated Config.
// Every variable is optional: CREDSYNC_LISTEN_ADDR (127.0.0.1:8731),
// CREDSYNC_DB_PATH (credsync.db), CREDSYNC_KV_BACKEND (sqlite),
// CREDSYNC_FALLBACK_PATH (credsync-fallback.bolt, empty disables),
// CREDSYNC_REDIS_ADDR (127.0.0.1:6379), CREDSYNC_SYNC_TIMEOUT (15s),
// CREDSYNC_STAGED_TTL (24h), CREDSYNC_MASTER_PASSPHRASE (empty),
// CREDSYNC_RELAY_ADDR (127.0.0.1:8732), CREDSYNC_RELAY_DB_PATH
// (credsync-relay.db) and CREDSYNC_LOG_LEVEL (info).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       lookup("CREDSYNC_LISTEN_ADDR", "127.0.0.1:8731"),
		DBPath:           lookup("CREDSYNC_DB_PATH", "credsync.db"),
		FallbackPath:     lookup("CREDSYNC_FALLBACK_PATH", "credsync-fallback.bolt"),
		RedisAddr:        lookup("CREDSYNC_REDIS_ADDR", "127.0.0.1:6379"),
		MasterPassphrase: os.Getenv("CREDSYNC_MASTER_PASSPHRASE"),
		RelayAddr:        lookup("CREDSYNC_RELAY_ADDR", "127.0.0.1:8732"),
		RelayDBPath:      lookup("CREDSYNC_RELAY_DB_PATH", "credsync-relay.db"),
	}

	backend := strings.ToLower(lookup("CREDSYNC_KV_BACKEND", BackendSQLite))
	switch backend {
	case BackendSQLite, BackendBolt, BackendRedis:
		cfg.KVBackend = backend
	default:
		return nil, fmt.Errorf("CREDSYNC_KV_BACKEND must be one of sqlite, bolt, redis; got %q", backend)
	}

	var err error
	if cfg.SyncTimeout, err = duration("CREDSYNC_SYNC_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.StagedTTL, err = duration("CREDSYNC_STAGED_TTL", 24*time.Hour); err != nil {
		return nil, err
	}

	cfg.LogLevel = slog.LevelInfo
	if v, ok := os.LookupEnv("CREDSYNC_LOG_LEVEL"); ok && v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("CREDSYNC_LOG_LEVEL has invalid level %q: %w", v, err)
		}
	}

	return cfg, nil
}

func lookup(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %q", key, v)
	}
	return parsed, nil
}
