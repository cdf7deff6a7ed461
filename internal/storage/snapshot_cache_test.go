package storage_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mholetzko/permetix/internal/storage"
)

func TestSnapshotCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	cache, err := storage.NewSnapshotCache(mr.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("Failed to create snapshot cache: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()

	t.Run("Empty cache returns nil", func(t *testing.T) {
		frame, err := cache.LatestSnapshot(ctx)
		if err != nil {
			t.Fatalf("LatestSnapshot failed: %v", err)
		}
		if frame != nil {
			t.Errorf("Expected nil frame, got %q", frame)
		}
	})

	t.Run("Store then read back", func(t *testing.T) {
		want := []byte(`{"tools":[],"buffer_stats":{"total_events":0}}`)
		if err := cache.StoreSnapshot(ctx, want); err != nil {
			t.Fatalf("StoreSnapshot failed: %v", err)
		}

		got, err := cache.LatestSnapshot(ctx)
		if err != nil {
			t.Fatalf("LatestSnapshot failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Cached frame = %q, want %q", got, want)
		}
	})

	t.Run("Newer snapshot overwrites", func(t *testing.T) {
		first := []byte(`{"tick":1}`)
		second := []byte(`{"tick":2}`)
		if err := cache.StoreSnapshot(ctx, first); err != nil {
			t.Fatalf("StoreSnapshot failed: %v", err)
		}
		if err := cache.StoreSnapshot(ctx, second); err != nil {
			t.Fatalf("StoreSnapshot failed: %v", err)
		}

		got, err := cache.LatestSnapshot(ctx)
		if err != nil {
			t.Fatalf("LatestSnapshot failed: %v", err)
		}
		if !bytes.Equal(got, second) {
			t.Errorf("Cached frame = %q, want %q", got, second)
		}
	})

	t.Run("TTL expiry clears the snapshot", func(t *testing.T) {
		if err := cache.StoreSnapshot(ctx, []byte(`{"tick":3}`)); err != nil {
			t.Fatalf("StoreSnapshot failed: %v", err)
		}

		mr.FastForward(2 * time.Minute)

		frame, err := cache.LatestSnapshot(ctx)
		if err != nil {
			t.Fatalf("LatestSnapshot failed: %v", err)
		}
		if frame != nil {
			t.Errorf("Expected expired snapshot to be gone, got %q", frame)
		}
	})
}
