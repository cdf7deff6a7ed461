package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotKey = "permetix:snapshot:latest"

// SnapshotCache mirrors the most recently published snapshot into
// Redis so sidecar tooling (health probes, external dashboards) can
// read current state without holding a stream session. The TTL keeps
// a stale snapshot from outliving a dead server by more than a few
// ticks.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache connects to Redis and verifies the connection.
func NewSnapshotCache(addr string, ttl time.Duration) (*SnapshotCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &SnapshotCache{client: client, ttl: ttl}, nil
}

// StoreSnapshot overwrites the cached snapshot frame.
func (c *SnapshotCache) StoreSnapshot(ctx context.Context, frame []byte) error {
	if err := c.client.Set(ctx, snapshotKey, frame, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the cached snapshot frame, or nil when none
// is cached (server down or TTL expired).
func (c *SnapshotCache) LatestSnapshot(ctx context.Context) ([]byte, error) {
	frame, err := c.client.Get(ctx, snapshotKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached snapshot: %w", err)
	}
	return frame, nil
}

// Close closes the Redis connection.
func (c *SnapshotCache) Close() error {
	return c.client.Close()
}
