// Package config loads runtime configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	// HTTP
	ListenAddr string

	// Operational store
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Relational store
	PostgresDSN string

	// Engine
	LaneCapacity  int
	EventDeadline time.Duration

	// Synchroniser
	SyncInterval  time.Duration
	SyncBatchSize int
	SyncWatermark int

	// Startup connectivity checks
	HealthChecks HealthCheckConfig
}

// HealthCheckConfig governs startup connectivity behaviour. With FailFast the
// process exits on the first failed store check; otherwise it retries.
type HealthCheckConfig struct {
	FailFast   bool
	MaxRetries int
	RetryDelay time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		PostgresDSN: getEnv("POSTGRES_DSN",
			"host=localhost user=spotcore password=spotcore dbname=spotcore port=5432 sslmode=disable"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.LaneCapacity, err = getEnvInt("LANE_CAPACITY", 10_000); err != nil {
		return nil, err
	}
	if cfg.EventDeadline, err = getEnvDuration("EVENT_DEADLINE", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = getEnvDuration("SYNC_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SyncBatchSize, err = getEnvInt("SYNC_BATCH_SIZE", 500); err != nil {
		return nil, err
	}
	if cfg.SyncWatermark, err = getEnvInt("SYNC_WATERMARK", 500); err != nil {
		return nil, err
	}
	if cfg.HealthChecks.FailFast, err = getEnvBool("HEALTH_FAIL_FAST", false); err != nil {
		return nil, err
	}
	if cfg.HealthChecks.MaxRetries, err = getEnvInt("HEALTH_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.HealthChecks.RetryDelay, err = getEnvDuration("HEALTH_RETRY_DELAY", 3*time.Second); err != nil {
		return nil, err
	}

	if cfg.LaneCapacity < 1 {
		return nil, fmt.Errorf("LANE_CAPACITY must be positive")
	}
	if cfg.SyncBatchSize < 1 {
		return nil, fmt.Errorf("SYNC_BATCH_SIZE must be positive")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
