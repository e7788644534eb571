package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, limit int) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := NewFixedWindowLimiter(client, "test:ratelimit", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter, mr
}

func TestFixedWindowLimiter(t *testing.T) {
	limiter, _ := newLimiter(t, 2)
	ctx := context.Background()

	first := limiter.Allow(ctx, "caller-1")
	if !first.Allowed || first.Remaining != 1 {
		t.Fatalf("first hit = %+v", first)
	}
	if d := limiter.Allow(ctx, "caller-1"); !d.Allowed || d.Remaining != 0 {
		t.Fatalf("second hit = %+v", d)
	}
	third := limiter.Allow(ctx, "caller-1")
	if third.Allowed {
		t.Fatalf("third hit should be blocked")
	}
	if third.RetryAfter <= 0 || third.RetryAfter > time.Minute {
		t.Fatalf("retry after = %v", third.RetryAfter)
	}
	if d := limiter.Allow(ctx, "caller-2"); !d.Allowed {
		t.Fatalf("other caller should have its own window")
	}
}

func TestFixedWindowLimiterFailClosed(t *testing.T) {
	limiter, mr := newLimiter(t, 1)
	mr.Close()
	if limiter.Allow(context.Background(), "caller-1").Allowed {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestNewFixedWindowLimiterValidates(t *testing.T) {
	if _, err := NewFixedWindowLimiter(nil, "", 1, time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := NewFixedWindowLimiter(client, "", 0, time.Second); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}
