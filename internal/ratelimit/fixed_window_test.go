package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestFixedWindowLimiterRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(newRedisClient(t, mr), "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	if !limiter.Allow(ctx, "user-1") {
		t.Fatalf("first request should pass")
	}
	if !limiter.Allow(ctx, "user-1") {
		t.Fatalf("second request should pass")
	}
	if limiter.Allow(ctx, "user-1") {
		t.Fatalf("third request should be blocked")
	}
	if !limiter.Allow(ctx, "user-2") {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterNextWindowResets(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(newRedisClient(t, mr), "test:ratelimit", 1, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }
	ctx := context.Background()
	if !limiter.Allow(ctx, "user-1") || limiter.Allow(ctx, "user-1") {
		t.Fatalf("expected quota of one in first window")
	}
	limiter.now = func() time.Time { return base.Add(time.Minute) }
	if !limiter.Allow(ctx, "user-1") {
		t.Fatalf("next window should allow again")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(newRedisClient(t, mr), "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	mr.Close()
	if limiter.Allow(context.Background(), "user-1") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresClient(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter(nil, "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for missing redis client")
	}
}

func TestLocalLimiterBurstAndRefill(t *testing.T) {
	limiter, err := NewLocalLimiter(2, time.Minute)
	if err != nil {
		t.Fatalf("new local limiter: %v", err)
	}
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }
	ctx := context.Background()
	if !limiter.Allow(ctx, "user-1") || !limiter.Allow(ctx, "user-1") {
		t.Fatalf("burst of two should pass")
	}
	if limiter.Allow(ctx, "user-1") {
		t.Fatalf("third request should be blocked")
	}
	limiter.now = func() time.Time { return base.Add(30 * time.Second) }
	if !limiter.Allow(ctx, "user-1") {
		t.Fatalf("one token should refill after half a window")
	}
}

func TestLocalLimiterEvictsIdleKeys(t *testing.T) {
	limiter, err := NewLocalLimiter(1, time.Minute)
	if err != nil {
		t.Fatalf("new local limiter: %v", err)
	}
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }
	limiter.Allow(context.Background(), "user-1")
	limiter.now = func() time.Time { return base.Add(2 * idleBucketTTL) }
	limiter.Allow(context.Background(), "user-2")
	if _, ok := limiter.buckets["user-1"]; ok {
		t.Fatalf("idle bucket should be evicted")
	}
}
