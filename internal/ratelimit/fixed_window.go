// Package ratelimit provides a Redis-backed per-key fixed window limiter.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// FixedWindowLimiter counts hits per key in fixed windows shared by every
// process pointing at the same Redis.
type FixedWindowLimiter struct {
	limit   int
	window  time.Duration
	prefix  string
	timeout time.Duration
	client  redis.UniversalClient
	now     func() time.Time
}

// NewFixedWindowLimiter builds a limiter over an existing client.
func NewFixedWindowLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookledger:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:   limit,
		window:  window,
		prefix:  prefix,
		timeout: 2 * time.Second,
		client:  client,
		now:     time.Now,
	}, nil
}

// Allow records a hit for key. Redis failures deny the hit.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) Decision {
	if l == nil {
		return Decision{RetryAfter: time.Second}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil || len(res) != 2 {
		return Decision{RetryAfter: time.Second}
	}
	count, ttl := res[0], res[1]
	retry := time.Duration(ttl) * time.Millisecond
	if retry <= 0 {
		retry = l.window
	}
	if count > int64(l.limit) {
		return Decision{RetryAfter: retry}
	}
	return Decision{Allowed: true, Remaining: l.limit - int(count)}
}
