package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"behavior-guard/internal/client"
	"behavior-guard/internal/models"
	"behavior-guard/internal/util"
)

const lockoutPrefix = "lockout:"

// extendScript stores the lockout unless an existing one outlives it.
//
// KEYS[1] lockout key, ARGV[1] payload, ARGV[2] ttl ms. Returns 1 if written.
var extendScript = goredis.NewScript(`
local cur = redis.call('PTTL', KEYS[1])
if cur >= tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// LockoutCache keeps server-side capability lockouts. Expiry is enforced by
// the key TTL; the payload carries the absolute deadline for display.
type LockoutCache struct {
	client *client.RedisClient
	now    func() time.Time
}

func NewLockoutCache(c *client.RedisClient) *LockoutCache {
	return &LockoutCache{client: c, now: time.Now}
}

// WithClock overrides the time source; tests use it together with
// miniredis.SetTime.
func (c *LockoutCache) WithClock(now func() time.Time) *LockoutCache {
	c.now = now
	return c
}

func lockoutKey(userID, capability string) string {
	return lockoutPrefix + userID + ":" + capability
}

// Lock stores l. A shorter lock never truncates a longer active one; the
// returned bool is false in that case.
func (c *LockoutCache) Lock(ctx context.Context, l models.Lockout) (bool, error) {
	ttl := l.Until.Sub(c.now())
	if ttl <= 0 {
		return false, fmt.Errorf("lockout deadline %s is in the past", l.Until)
	}

	ctx, cancel := c.client.WithContext(ctx, 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(l)
	if err != nil {
		return false, err
	}
	res, err := c.client.RunScript(ctx, extendScript, []string{lockoutKey(l.UserID, l.Capability)},
		string(payload), ttl.Milliseconds())
	if err != nil {
		util.Error("Failed to set lockout",
			zap.String("user_id", l.UserID), zap.String("capability", l.Capability), zap.Error(err))
		return false, fmt.Errorf("failed to set lockout: %w", err)
	}
	written, _ := res.(int64)

	util.Info("Capability lockout",
		zap.String("user_id", l.UserID),
		zap.String("capability", l.Capability),
		zap.Time("until", l.Until),
		zap.Bool("written", written == 1))
	return written == 1, nil
}

// Check reports whether capability is locked and the whole minutes left,
// rounded up.
func (c *LockoutCache) Check(ctx context.Context, userID, capability string) (models.LockoutStatus, error) {
	status := models.LockoutStatus{Capability: capability}

	ctx, cancel := c.client.WithContext(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, lockoutKey(userID, capability))
	if errors.Is(err, goredis.Nil) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("failed to check lockout: %w", err)
	}

	var l models.Lockout
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		util.Warn("Corrupt lockout payload, treating as unlocked",
			zap.String("user_id", userID), zap.String("capability", capability), zap.Error(err))
		return status, nil
	}

	remaining := l.Until.Sub(c.now())
	if remaining <= 0 {
		return status, nil
	}
	status.Locked = true
	status.RemainingMinutes = int(math.Ceil(remaining.Minutes()))
	return status, nil
}

// Unlock removes a lockout early and reports whether one existed.
func (c *LockoutCache) Unlock(ctx context.Context, userID, capability string) (bool, error) {
	ctx, cancel := c.client.WithContext(ctx, 5*time.Second)
	defer cancel()
	n, err := c.client.Client.Del(ctx, lockoutKey(userID, capability)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove lockout: %w", err)
	}
	return n > 0, nil
}
