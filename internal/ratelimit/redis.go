package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/querygate/querygate/internal/metrics"
)

// admitScript runs the window check atomically. The key expires with the
// window, so an expired key is the window reset.
var admitScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
if count > tonumber(ARGV[2]) then
  return {0, count, ttl}
end
return {1, count, ttl}
`)

// RedisLimiter implements Limiter on a shared Redis so every instance draws
// from the same budget. Redis failures fail open.
type RedisLimiter struct {
	client  *redis.Client
	prefix  string
	metrics *metrics.Collector
}

// NewRedisLimiter parses redisURL, connects and pings.
func NewRedisLimiter(ctx context.Context, redisURL string, c *metrics.Collector) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisLimiterFromClient(client, c), nil
}

// NewRedisLimiterFromClient wraps an existing client.
func NewRedisLimiterFromClient(client *redis.Client, c *metrics.Collector) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "ratelimit:", metrics: c}
}

// Admit applies rule to key.
func (l *RedisLimiter) Admit(ctx context.Context, key string, rule Rule) Decision {
	capacity := rule.Capacity()
	now := time.Now()

	res, err := admitScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		rule.Window.Milliseconds(), capacity,
	).Slice()
	if err != nil || len(res) != 3 {
		log.Warn().Err(err).Str("key", key).Msg("Redis rate limit check failed, failing open")
		return Decision{Allowed: true, Limit: capacity, Remaining: capacity, ResetAt: now.Add(rule.Window)}
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	ttlMs, _ := res[2].(int64)
	ttl := time.Duration(ttlMs) * time.Millisecond

	d := Decision{
		Allowed: allowed == 1,
		Limit:   capacity,
		ResetAt: now.Add(ttl),
	}
	if d.Allowed {
		d.Remaining = capacity - int(count)
	} else {
		d.RetryAfter = ttl
	}
	l.metrics.RecordAdmission(endpointOf(key), d.Allowed)
	return d
}

// Close releases the Redis connection pool.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
