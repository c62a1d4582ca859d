package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/entitlements/pkg/plans"
)

// DefaultRedisGrace keeps counters readable for a while after their period
// ends so late reads of the previous period still answer
const DefaultRedisGrace = 24 * time.Hour

// incrementScript adds ARGV[1] to KEYS[1] unless the result would pass the
// limit in ARGV[2] (negative means unlimited). It returns -1 on rejection.
var incrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit >= 0 and current + delta > limit then
	return -1
end
local value = redis.call('INCRBY', KEYS[1], delta)
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return value
`)

// RedisCounter keeps counters in Redis. Each counter expires once its
// period is over.
type RedisCounter struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	now    func() time.Time
}

// NewRedisCounter creates a Redis backed counter. An empty prefix defaults
// to "usage".
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "usage"
	}
	return &RedisCounter{
		client: client,
		prefix: prefix,
		grace:  DefaultRedisGrace,
		now:    time.Now,
	}
}

// WithGrace sets how long counters outlive their period. Non-positive
// values are ignored.
func (c *RedisCounter) WithGrace(grace time.Duration) *RedisCounter {
	if grace > 0 {
		c.grace = grace
	}
	return c
}

// Backend implements Counter
func (c *RedisCounter) Backend() string {
	return "redis"
}

func (c *RedisCounter) key(key Key) string {
	return fmt.Sprintf("%s:%d:%s:%d", c.prefix, key.OrgID, key.Metric, key.Period.Start.Unix())
}

// Increment implements Counter
func (c *RedisCounter) Increment(ctx context.Context, key Key, delta int64, limit plans.Limit) (int64, error) {
	// A period that already ended still gets a live key; an expiry in the
	// past would delete the counter immediately
	expireAt := key.Period.End.Add(c.grace)
	if floor := c.now().Add(c.grace); expireAt.Before(floor) {
		expireAt = floor
	}

	value, err := incrementScript.Run(ctx, c.client, []string{c.key(key)}, delta, int64(limit), expireAt.UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment: %w", err)
	}
	if value < 0 {
		return 0, ErrLimitReached
	}
	return value, nil
}

// Get implements Counter
func (c *RedisCounter) Get(ctx context.Context, key Key) (int64, error) {
	value, err := c.client.Get(ctx, c.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}
