package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"behavior-guard/internal/client"
	"behavior-guard/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// slidingWindowScript admits a request if fewer than limit were admitted in
// the trailing window.
//
// KEYS[1] window key, ARGV[1] now ms, ARGV[2] window ms, ARGV[3] limit,
// ARGV[4] unique member. Returns {allowed, count}.
var slidingWindowScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], window)
  return {1, count + 1}
end
return {0, count}
`)

// RateLimitCache enforces sliding-window limits shared by every replica.
type RateLimitCache struct {
	client *client.RedisClient
	now    func() time.Time
}

func NewRateLimitCache(c *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: c, now: time.Now}
}

// WithClock overrides the time source.
func (c *RateLimitCache) WithClock(now func() time.Time) *RateLimitCache {
	c.now = now
	return c
}

// Allow records one attempt for key and reports whether it fits in the
// window, along with the number of admitted attempts in the window.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	res, err := c.client.RunScript(ctx, slidingWindowScript, []string{rateLimitPrefix + key},
		c.now().UnixMilli(), window.Milliseconds(), limit, uuid.NewString())
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, 0, fmt.Errorf("sliding window rate limit: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected sliding window result %v", res)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return allowed == 1, int(count), nil
}
