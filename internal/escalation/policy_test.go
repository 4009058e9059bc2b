package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"behavior-guard/internal/client"
	"behavior-guard/internal/config"
	"behavior-guard/internal/models"
	rediscache "behavior-guard/internal/repository/redis"
)

type capturePublisher struct {
	mu        sync.Mutex
	decisions []models.Decision
}

func (c *capturePublisher) Publish(_ context.Context, d models.Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = append(c.decisions, d)
	return nil
}

func (c *capturePublisher) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.decisions))
	for _, d := range c.decisions {
		out = append(out, d.Type)
	}
	return out
}

type fixture struct {
	policy    *Policy
	publisher *capturePublisher
	now       *time.Time
}

func setupPolicy(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := client.WrapRedisClient(rdb)

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cfg := config.Defaults().Escalation

	pub := &capturePublisher{}
	policy := NewPolicy(
		rediscache.NewEscalationCache(rc, cfg.MaxWarnings, cfg.ResetOnNormal, cfg.StateTTL),
		rediscache.NewLockoutCache(rc).WithClock(clock),
		rediscache.NewNavigationCache(rc, cfg.StateTTL),
		pub, cfg, zaptest.NewLogger(t),
	).WithClock(clock)
	return fixture{policy: policy, publisher: pub, now: &now}
}

func TestPolicy_WarningStateMachine(t *testing.T) {
	f := setupPolicy(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		s, err := f.policy.RecordVerdict(ctx, "alice", true, 0.7)
		require.NoError(t, err)
		assert.Equal(t, i, s.WarningCount)
		assert.Equal(t, models.LevelWarned, Level(s))
	}

	s, err := f.policy.RecordVerdict(ctx, "alice", true, 0.7)
	require.NoError(t, err)
	assert.True(t, s.ForceLogout)
	assert.Equal(t, models.LevelForcedLogout, Level(s))

	// No further decisions while terminal.
	_, err = f.policy.RecordVerdict(ctx, "alice", false, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{models.DecisionWarning, models.DecisionWarning, models.DecisionForceLogout}, f.publisher.types())

	got, err := f.policy.Warnings(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.ForceLogout)

	require.NoError(t, f.policy.Reset(ctx, "alice"))
	got, err = f.policy.Warnings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.LevelNormal, Level(got))
	assert.Equal(t, models.DecisionReset, f.publisher.types()[3])
}

func TestPolicy_NormalVerdictClearsWarnings(t *testing.T) {
	f := setupPolicy(t)
	ctx := context.Background()

	_, err := f.policy.RecordVerdict(ctx, "bob", true, 0.6)
	require.NoError(t, err)
	_, err = f.policy.RecordVerdict(ctx, "bob", true, 0.6)
	require.NoError(t, err)
	s, err := f.policy.RecordVerdict(ctx, "bob", false, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.WarningCount)

	// Two more anomalies after the reset do not reach the third strike.
	_, err = f.policy.RecordVerdict(ctx, "bob", true, 0.6)
	require.NoError(t, err)
	s, err = f.policy.RecordVerdict(ctx, "bob", true, 0.6)
	require.NoError(t, err)
	assert.False(t, s.ForceLogout)
}

func TestPolicy_LockoutRules(t *testing.T) {
	tests := []struct {
		name        string
		anomalyType string
		confidence  float64
		wantMinutes int
	}{
		{"login above threshold", TypeLoginAnomaly, 0.95, 30},
		{"login at threshold", TypeLoginAnomaly, 0.9, 0},
		{"login below threshold", TypeLoginAnomaly, 0.85, 0},
		{"banking access", TypeBankingAccessAnomaly, 0.91, 30},
		{"multiple anomalies", TypeMultipleAnomalies, 0.85, 15},
		{"multiple anomalies low", TypeMultipleAnomalies, 0.8, 0},
		{"unknown type", "typing_anomaly", 0.99, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupPolicy(t)
			ctx := context.Background()

			status, err := f.policy.ApplyReport(ctx, "carol", tt.anomalyType, DefaultCapability, tt.confidence)
			require.NoError(t, err)

			check, err := f.policy.CheckLockout(ctx, "carol", DefaultCapability)
			require.NoError(t, err)
			if tt.wantMinutes == 0 {
				assert.Nil(t, status)
				assert.False(t, check.Locked)
				return
			}
			require.NotNil(t, status)
			assert.True(t, status.Locked)
			assert.Equal(t, tt.wantMinutes, status.RemainingMinutes)
			assert.Equal(t, *status, check)
			assert.Equal(t, []string{models.DecisionLockout}, f.publisher.types())
		})
	}
}

func TestPolicy_LockRejectsNonPositiveDuration(t *testing.T) {
	f := setupPolicy(t)
	_, err := f.policy.Lock(context.Background(), "dave", "transfers", 0, "manual")
	assert.Error(t, err)
}

func TestPolicy_TrackNavigation(t *testing.T) {
	f := setupPolicy(t)
	ctx := context.Background()

	res, err := f.policy.TrackNavigation(ctx, "erin", "transfers")
	require.NoError(t, err)
	assert.True(t, res.Anomalous, "never visited")

	*f.now = f.now.Add(time.Hour)
	res, err = f.policy.TrackNavigation(ctx, "erin", "transfers")
	require.NoError(t, err)
	assert.False(t, res.Anomalous, "recent second visit")
	assert.Equal(t, 1, res.Visit.Count)

	*f.now = f.now.Add(8 * 24 * time.Hour)
	res, err = f.policy.TrackNavigation(ctx, "erin", "transfers")
	require.NoError(t, err)
	assert.True(t, res.Anomalous, "two visits, stale for eight days")
	assert.Equal(t, "rarely visited section", res.Reason)

	*f.now = f.now.Add(8 * 24 * time.Hour)
	res, err = f.policy.TrackNavigation(ctx, "erin", "transfers")
	require.NoError(t, err)
	assert.False(t, res.Anomalous, "three prior visits is established")

	_, err = f.policy.Lock(ctx, "erin", DefaultCapability, 15*time.Minute, "manual")
	require.NoError(t, err)
	res, err = f.policy.TrackNavigation(ctx, "erin", "transfers")
	require.NoError(t, err)
	assert.True(t, res.Anomalous)
	assert.Equal(t, "access while locked out", res.Reason)
}

func TestPolicy_UnlockLiftsLockout(t *testing.T) {
	f := setupPolicy(t)
	ctx := context.Background()

	removed, err := f.policy.Unlock(ctx, "erin", "banking")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = f.policy.Lock(ctx, "erin", "banking", 30*time.Minute, "manual")
	require.NoError(t, err)

	removed, err = f.policy.Unlock(ctx, "erin", "banking")
	require.NoError(t, err)
	assert.True(t, removed)

	status, err := f.policy.CheckLockout(ctx, "erin", "banking")
	require.NoError(t, err)
	assert.False(t, status.Locked)
	assert.Equal(t, []string{models.DecisionLockout, models.DecisionUnlock}, f.publisher.types())
}
