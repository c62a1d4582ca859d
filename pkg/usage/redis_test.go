package usage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/entitlements/pkg/plans"
)

func newRedisCounter(t testing.TB) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	mr.SetTime(testNow)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := NewRedisCounter(client, "")
	c.now = func() time.Time { return testNow }
	return c, mr
}

func TestRedisCounter_Key(t *testing.T) {
	c, _ := newRedisCounter(t)
	key := testKey()

	assert.Equal(t, "usage:7:api_calls:1772323200", c.key(key))
	assert.Equal(t, "redis", c.Backend())
}

func TestRedisCounter_Increment(t *testing.T) {
	ctx := context.Background()
	key := testKey()

	t.Run("counts up to the limit", func(t *testing.T) {
		c, mr := newRedisCounter(t)

		for i := int64(1); i <= 3; i++ {
			value, err := c.Increment(ctx, key, 1, 3)
			require.NoError(t, err)
			assert.Equal(t, i, value)
		}

		_, err := c.Increment(ctx, key, 1, 3)
		assert.ErrorIs(t, err, ErrLimitReached)

		got, err := mr.Get(c.key(key))
		require.NoError(t, err)
		assert.Equal(t, "3", got, "rejected increments leave the counter unchanged")
	})

	t.Run("delta larger than remaining", func(t *testing.T) {
		c, _ := newRedisCounter(t)

		_, err := c.Increment(ctx, key, 8, 10)
		require.NoError(t, err)

		_, err = c.Increment(ctx, key, 3, 10)
		assert.ErrorIs(t, err, ErrLimitReached)

		value, err := c.Increment(ctx, key, 2, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(10), value)
	})

	t.Run("unlimited", func(t *testing.T) {
		c, _ := newRedisCounter(t)

		value, err := c.Increment(ctx, key, 1_000_000, plans.Unlimited)
		require.NoError(t, err)
		assert.Equal(t, int64(1_000_000), value)
	})

	t.Run("zero limit", func(t *testing.T) {
		c, _ := newRedisCounter(t)

		_, err := c.Increment(ctx, key, 1, 0)
		assert.ErrorIs(t, err, ErrLimitReached)
	})

	t.Run("expires after the period", func(t *testing.T) {
		c, mr := newRedisCounter(t)

		_, err := c.Increment(ctx, key, 1, 10)
		require.NoError(t, err)

		ttl := mr.TTL(c.key(key))
		want := key.Period.End.Add(DefaultRedisGrace).Sub(testNow)
		assert.InDelta(t, want.Seconds(), ttl.Seconds(), 1)
	})

	t.Run("redis down", func(t *testing.T) {
		c, mr := newRedisCounter(t)
		mr.Close()

		_, err := c.Increment(ctx, key, 1, 10)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrLimitReached))
	})
}

func TestRedisCounter_StalePeriodKeepsKey(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCounter(t)

	stale := testKey()
	stale.Period = CalendarMonth(testNow.AddDate(0, -2, 0))

	_, err := c.Increment(ctx, stale, 1, 10)
	require.NoError(t, err)
	assert.True(t, mr.Exists(c.key(stale)))
	assert.InDelta(t, DefaultRedisGrace.Seconds(), mr.TTL(c.key(stale)).Seconds(), 1)
}

func TestRedisCounter_Get(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCounter(t)
	key := testKey()

	value, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, value)

	require.NoError(t, mr.Set(c.key(key), "17"))
	value, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(17), value)

	other := key
	other.Period = CalendarMonth(testNow.AddDate(0, 1, 0))
	value, err = c.Get(ctx, other)
	require.NoError(t, err)
	assert.Zero(t, value, "a new period starts from zero")
}

// N callers racing for the last unit of quota: exactly one wins
func TestRedisCounter_ConcurrentLastUnit(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCounter(t)
	key := testKey()
	require.NoError(t, mr.Set(c.key(key), "9"))

	const workers = 25
	var succeeded, rejected atomic.Int32

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := c.Increment(ctx, key, 1, 10)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrLimitReached):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(workers-1), rejected.Load())

	value, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), value)
}

func TestDefaultRedisGrace(t *testing.T) {
	assert.Equal(t, 24*time.Hour, DefaultRedisGrace)
}

func TestRedisCounter_WithGrace(t *testing.T) {
	c := NewRedisCounter(nil, "")
	assert.Equal(t, "usage", c.prefix)

	c.WithGrace(time.Hour)
	assert.Equal(t, time.Hour, c.grace)

	c.WithGrace(0)
	assert.Equal(t, time.Hour, c.grace)
}

func BenchmarkRedisCounter_Increment(b *testing.B) {
	c, _ := newRedisCounter(b)
	ctx := context.Background()
	key := testKey()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Increment(ctx, key, 1, plans.Unlimited); err != nil {
			b.Fatalf("Increment failed: %v", err)
		}
	}
}
