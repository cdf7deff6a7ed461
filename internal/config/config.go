package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mholetzko/permetix/internal/domain"
)

type Config struct {
	Server    ServerConfig
	Telemetry TelemetryConfig
	Stream    StreamConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	RabbitMQ  RabbitMQConfig
	S3        S3Config
	Seed      SeedConfig
}

type ServerConfig struct {
	Port     int
	LogLevel string
}

type TelemetryConfig struct {
	// Retention bounds how long buffered events and minute buckets
	// are kept. Independent of it, BufferCap hard-limits the element
	// count per event category.
	Retention time.Duration
	BufferCap int
}

type StreamConfig struct {
	// SnapshotInterval is the publisher tick.
	SnapshotInterval time.Duration
	// RecentLookback bounds the recent_events section of a snapshot.
	RecentLookback time.Duration
	// SessionQueueSize is the per-session outbound queue; a session
	// that falls this many snapshots behind is dropped.
	SessionQueueSize int
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Enabled  bool
}

type RedisConfig struct {
	Addr        string
	SnapshotTTL time.Duration
}

type RabbitMQConfig struct {
	URL string
}

type S3Config struct {
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

type SeedConfig struct {
	Enabled bool
	File    string
}

func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnvInt("PORT", 8080),
			LogLevel: getEnvString("LOG_LEVEL", "info"),
		},
		Telemetry: TelemetryConfig{
			Retention: getEnvDuration("EVENT_RETENTION", 6*time.Hour),
			BufferCap: getEnvInt("EVENT_BUFFER_CAP", 10000),
		},
		Stream: StreamConfig{
			SnapshotInterval: getEnvDuration("SNAPSHOT_INTERVAL", time.Second),
			RecentLookback:   getEnvDuration("RECENT_LOOKBACK", 10*time.Minute),
			SessionQueueSize: getEnvInt("SESSION_QUEUE_SIZE", 8),
		},
		Postgres: PostgresConfig{
			Host:     getEnvString("POSTGRES_HOST", ""),
			Port:     getEnvInt("POSTGRES_PORT", 5432),
			User:     getEnvString("POSTGRES_USER", "postgres"),
			Password: getEnvString("POSTGRES_PASSWORD", "postgres"),
			Database: getEnvString("POSTGRES_DB", "permetix"),
			SSLMode:  getEnvString("POSTGRES_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:        getEnvString("REDIS_ADDR", ""),
			SnapshotTTL: getEnvDuration("SNAPSHOT_TTL", 10*time.Second),
		},
		RabbitMQ: RabbitMQConfig{
			URL: getEnvString("RABBITMQ_URL", ""),
		},
		S3: S3Config{
			Region:          getEnvString("AWS_REGION", "us-east-1"),
			Bucket:          getEnvString("S3_BUCKET", ""),
			Endpoint:        getEnvString("S3_ENDPOINT", ""),
			AccessKeyID:     getEnvString("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnvString("AWS_SECRET_ACCESS_KEY", ""),
			Prefix:          getEnvString("S3_PREFIX", "series"),
		},
		Seed: SeedConfig{
			Enabled: getEnvBool("LICENSE_SEED", true),
			File:    getEnvString("SEED_FILE", ""),
		},
	}

	cfg.Postgres.Enabled = cfg.Postgres.Host != ""

	if cfg.Telemetry.BufferCap <= 0 {
		return nil, fmt.Errorf("EVENT_BUFFER_CAP must be positive")
	}
	if cfg.Stream.SessionQueueSize <= 0 {
		return nil, fmt.Errorf("SESSION_QUEUE_SIZE must be positive")
	}

	return cfg, nil
}

// SeedPools returns the pool catalogue to provision at startup: the
// contents of SEED_FILE when set, otherwise the built-in demo
// catalogue of automotive tooling licenses.
func (c *Config) SeedPools() ([]domain.PoolConfig, error) {
	if !c.Seed.Enabled {
		return nil, nil
	}
	if c.Seed.File == "" {
		return DefaultSeed(), nil
	}

	data, err := os.ReadFile(c.Seed.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var pools []domain.PoolConfig
	if err := json.Unmarshal(data, &pools); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return pools, nil
}

// DefaultSeed is the demo catalogue served when no seed file is
// configured.
func DefaultSeed() []domain.PoolConfig {
	return []domain.PoolConfig{
		{Tool: "Vector - DaVinci Configurator SE", Total: 20, Commit: 5, MaxOverage: 15, CommitPrice: 5000.0, OveragePrice: 500.0},
		{Tool: "Vector - DaVinci Configurator IDE", Total: 10, Commit: 10, MaxOverage: 0, CommitPrice: 3000.0, OveragePrice: 0.0},
		{Tool: "Greenhills - Multi 8.2", Total: 20, Commit: 5, MaxOverage: 15, CommitPrice: 8000.0, OveragePrice: 800.0},
		{Tool: "Vector - ASAP2 v20", Total: 20, Commit: 5, MaxOverage: 15, CommitPrice: 4000.0, OveragePrice: 400.0},
		{Tool: "Vector - DaVinci Teams", Total: 10, Commit: 10, MaxOverage: 0, CommitPrice: 2000.0, OveragePrice: 0.0},
		{Tool: "Vector - VTT", Total: 10, Commit: 10, MaxOverage: 0, CommitPrice: 2500.0, OveragePrice: 0.0},
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
