package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewTokenBucket(client, capacity, refill, time.Minute).WithClock(func() time.Time { return now })
	return b, &now
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "LIC-1")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "LIC-1")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "LIC-1")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	allowed, _, _ = bucket.Allow(ctx, "LIC-2")
	if !allowed {
		t.Fatalf("principals must not share a bucket")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, now := newBucket(t, 1, 2)

	if ok, _, _ := bucket.Allow(ctx, "LIC-1"); !ok {
		t.Fatalf("expected first token allowed")
	}
	if ok, _, _ := bucket.Allow(ctx, "LIC-1"); ok {
		t.Fatalf("expected empty bucket")
	}

	*now = now.Add(500 * time.Millisecond)
	if ok, _, err := bucket.Allow(ctx, "LIC-1"); err != nil || !ok {
		t.Fatalf("expected refilled token after half a second at 2/s, ok=%v err=%v", ok, err)
	}
}
