package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLimiterFromClient(client, nil)
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestRedisLimiter_BurstThenDeny(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	rule := Rule{Limit: 5, Burst: 2, Window: 60 * time.Second}
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		d := l.Admit(ctx, "query:k", rule)
		require.True(t, d.Allowed, "admission %d", i+1)
		assert.Equal(t, 7-(i+1), d.Remaining)
	}

	d := l.Admit(ctx, "query:k", rule)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 60*time.Second)
}

func TestRedisLimiter_WindowExpires(t *testing.T) {
	l, mr := newTestRedisLimiter(t)
	rule := Rule{Limit: 1, Window: 10 * time.Second}
	ctx := context.Background()

	assert.True(t, l.Admit(ctx, "subscription:k", rule).Allowed)
	assert.False(t, l.Admit(ctx, "subscription:k", rule).Allowed)

	mr.FastForward(11 * time.Second)
	assert.True(t, l.Admit(ctx, "subscription:k", rule).Allowed)
}

func TestRedisLimiter_KeysArePrefixed(t *testing.T) {
	l, mr := newTestRedisLimiter(t)
	l.Admit(context.Background(), "query:alice", Rule{Limit: 3, Window: time.Minute})

	v, err := mr.Get("ratelimit:query:alice")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	l, mr := newTestRedisLimiter(t)
	mr.Close()

	d := l.Admit(context.Background(), "query:k", Rule{Limit: 1, Window: time.Minute})
	assert.True(t, d.Allowed)
}

func TestNewRedisLimiter_BadURL(t *testing.T) {
	_, err := NewRedisLimiter(context.Background(), "not-a-url://", nil)
	require.Error(t, err)
}
