package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"behavior-guard/internal/client"
	"behavior-guard/internal/models"
	"behavior-guard/internal/util"
)

const (
	escalationPrefix = "escalation:"

	fieldCount       = "count"
	fieldForceLogout = "force_logout"
)

// recordScript applies one verdict to the warning counter in a single round
// trip so concurrent verdicts for a user can never lose an increment.
//
// KEYS[1] state hash
// ARGV[1] 1 if anomalous
// ARGV[2] max warnings
// ARGV[3] 1 to reset a non-terminal counter on a normal verdict
// ARGV[4] ttl in ms, 0 for none
//
// Returns {count, forceLogout, changed}.
var recordScript = goredis.NewScript(`
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
if count == nil or count < 0 or count ~= math.floor(count) then
  count = 0
end
local forced = redis.call('HGET', KEYS[1], 'force_logout') == '1'
local changed = 0
if not forced then
  if ARGV[1] == '1' then
    count = count + 1
    changed = 1
    if count >= tonumber(ARGV[2]) then
      forced = true
    end
  elseif ARGV[3] == '1' and count > 0 then
    count = 0
    changed = 1
  end
end
local f = 0
if forced then f = 1 end
redis.call('HSET', KEYS[1], 'count', count, 'force_logout', f)
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return {count, f, changed}
`)

// EscalationCache holds the per-user warning counter.
type EscalationCache struct {
	client        *client.RedisClient
	maxWarnings   int
	resetOnNormal bool
	ttl           time.Duration
}

func NewEscalationCache(c *client.RedisClient, maxWarnings int, resetOnNormal bool, ttl time.Duration) *EscalationCache {
	return &EscalationCache{
		client:        c,
		maxWarnings:   maxWarnings,
		resetOnNormal: resetOnNormal,
		ttl:           ttl,
	}
}

// Record applies a verdict and reports whether the stored state changed.
func (c *EscalationCache) Record(ctx context.Context, userID string, anomalous bool) (models.EscalationState, bool, error) {
	ctx, cancel := c.client.WithContext(ctx, 5*time.Second)
	defer cancel()

	res, err := c.client.RunScript(ctx, recordScript, []string{escalationPrefix + userID},
		boolArg(anomalous), c.maxWarnings, boolArg(c.resetOnNormal), c.ttl.Milliseconds())
	if err != nil {
		util.Error("Failed to record escalation verdict", zap.String("user_id", userID), zap.Error(err))
		return models.EscalationState{}, false, fmt.Errorf("failed to record escalation verdict: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return models.EscalationState{}, false, fmt.Errorf("unexpected escalation script reply %T", res)
	}
	count, _ := vals[0].(int64)
	forced, _ := vals[1].(int64)
	changed, _ := vals[2].(int64)

	state := models.EscalationState{UserID: userID, WarningCount: int(count), ForceLogout: forced == 1}
	util.Debug("Escalation verdict recorded",
		zap.String("user_id", userID),
		zap.Bool("anomalous", anomalous),
		zap.Int("warning_count", state.WarningCount),
		zap.Bool("force_logout", state.ForceLogout))
	return state, changed == 1, nil
}

// Get reads the state; a missing or corrupt counter reads as zero.
func (c *EscalationCache) Get(ctx context.Context, userID string) (models.EscalationState, error) {
	ctx, cancel := c.client.WithContext(ctx, 5*time.Second)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, escalationPrefix+userID)
	if err != nil {
		return models.EscalationState{}, fmt.Errorf("failed to read escalation state: %w", err)
	}

	state := models.EscalationState{UserID: userID}
	if n, err := strconv.Atoi(fields[fieldCount]); err == nil && n > 0 {
		state.WarningCount = n
	} else if fields[fieldCount] != "" && fields[fieldCount] != "0" {
		util.Warn("Corrupt escalation counter, treating as zero",
			zap.String("user_id", userID), zap.String("raw", fields[fieldCount]))
	}
	state.ForceLogout = fields[fieldForceLogout] == "1"
	return state, nil
}

// Reset clears the state, including a forced logout.
func (c *EscalationCache) Reset(ctx context.Context, userID string) error {
	ctx, cancel := c.client.WithContext(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, escalationPrefix+userID); err != nil {
		util.Error("Failed to reset escalation state", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to reset escalation state: %w", err)
	}
	return nil
}

func boolArg(b bool) int {
	if b {
		return 1
	}
	return 0
}
