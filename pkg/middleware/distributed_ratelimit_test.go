package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDistributedLimiter(t *testing.T, requests int) (*DistributedRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewDistributedRateLimiter(client, &RateLimitConfig{
		RequestsPerWindow: requests,
		WindowDuration:    time.Minute,
	}, "ratelimit:test"), mr
}

func TestDistributedRateLimiter_Allow(t *testing.T) {
	limiter, mr := newDistributedLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "user:u-1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := limiter.Allow(ctx, "user:u-1")
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := limiter.Remaining(ctx, "user:u-1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	ttl, err := limiter.TTL(ctx, "user:u-1")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl, "window must not slide with later hits")

	mr.FastForward(time.Minute)
	ok, err = limiter.Allow(ctx, "user:u-1")
	require.NoError(t, err)
	assert.True(t, ok, "new window")
}

func TestDistributedRateLimiter_Reset(t *testing.T) {
	limiter, _ := newDistributedLimiter(t, 1)
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "ip:192.0.2.1")
	require.NoError(t, err)
	require.NoError(t, limiter.Reset(ctx, "ip:192.0.2.1"))

	remaining, err := limiter.Remaining(ctx, "ip:192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestDistributedRateLimiter_RedisDown(t *testing.T) {
	limiter, mr := newDistributedLimiter(t, 1)
	mr.Close()

	_, err := limiter.Allow(context.Background(), "user:u-1")
	assert.Error(t, err)
}
