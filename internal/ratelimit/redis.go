package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter backed by Redis, for deployments
// running more than one stateless API instance.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "ratelimit:"}
}

// Check increments the key's window counter atomically in Redis. The window
// TTL is set on the first request and left untouched afterwards, matching the
// lazy fixed-window behavior of MemoryLimiter.
func (l *RedisLimiter) Check(ctx context.Context, key string, cfg Config) (Result, error) {
	res, err := windowScript.Run(ctx, l.client, []string{l.prefix + key}, cfg.Window.Milliseconds()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Result{}, fmt.Errorf("unexpected script result: %v", res)
	}
	count, _ := arr[0].(int64)
	ttlMS, _ := arr[1].(int64)
	if ttlMS < 0 {
		ttlMS = cfg.Window.Milliseconds()
	}

	resetAt := time.Now().Add(time.Duration(ttlMS) * time.Millisecond)
	if count > int64(cfg.MaxRequests) {
		return Result{
			Allowed:    false,
			Limit:      cfg.MaxRequests,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: time.Duration(ttlMS) * time.Millisecond,
		}, nil
	}
	return Result{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests - int(count),
		ResetAt:   resetAt,
	}, nil
}

var windowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {current, ttl}
`)
