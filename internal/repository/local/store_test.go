package local

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behavior-guard/internal/config"
	"behavior-guard/internal/encryption"
	"behavior-guard/internal/models"
	"behavior-guard/internal/repository"
)

func setupStore(t *testing.T, limit int) *Store {
	t.Helper()
	em, err := encryption.NewEncryptionManager(config.Defaults(), nil)
	require.NoError(t, err)

	s, err := Open(":memory:", limit, em)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func profileWithSpeed(speed float64) models.BehavioralProfile {
	p := models.BehavioralProfile{TypingSpeed: speed, TypingRhythm: []float64{100, 120}}
	p.Normalize()
	return p
}

func TestStore_GetPut(t *testing.T) {
	s := setupStore(t, 100)
	ctx := context.Background()

	_, err := s.Get(ctx, "alice")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.Put(ctx, "alice", profileWithSpeed(300), at))
	require.NoError(t, s.Put(ctx, "alice", profileWithSpeed(310), at.Add(time.Minute)))

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 310.0, got.Profile.TypingSpeed)
	assert.Equal(t, []float64{100, 120}, got.Profile.TypingRhythm)
	assert.NotNil(t, got.Profile.ScrollPattern)
	assert.True(t, got.UpdatedAt.Equal(at.Add(time.Minute)))

	_, err = s.Get(ctx, "bob")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStore_HistoryIsBoundedFIFO(t *testing.T) {
	s := setupStore(t, 5)
	ctx := context.Background()
	now := time.Now()

	for i := 1; i <= 8; i++ {
		require.NoError(t, s.AppendHistory(ctx, "alice", profileWithSpeed(float64(i)), now))
	}
	require.NoError(t, s.AppendHistory(ctx, "bob", profileWithSpeed(99), now))

	history, err := s.GetHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, h := range history {
		assert.Equal(t, float64(i+4), h.Profile.TypingSpeed, "oldest evicted first")
	}

	bob, err := s.GetHistory(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bob, 1)

	empty, err := s.GetHistory(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_UserIDsWithGlobCharacters(t *testing.T) {
	s := setupStore(t, 10)
	ctx := context.Background()

	require.NoError(t, s.AppendHistory(ctx, "a*", profileWithSpeed(1), time.Now()))
	require.NoError(t, s.AppendHistory(ctx, "a:b", profileWithSpeed(2), time.Now()))

	h, err := s.GetHistory(ctx, "a*")
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, 1.0, h[0].Profile.TypingSpeed)
}

func TestStore_AnomalyLog(t *testing.T) {
	s := setupStore(t, 10)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, models.AnomalyRecord{
			ID:              fmt.Sprintf("rec-%d", i),
			UserID:          "alice",
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
			IsAnomaly:       i%2 == 0,
			ConfidenceScore: float64(i * 10),
		}))
	}
	require.NoError(t, s.Append(ctx, models.AnomalyRecord{ID: "other", UserID: "bob", Timestamp: base}))

	recs, err := s.ListByUser(ctx, "alice", 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "rec-4", recs[0].ID, "newest first")
	assert.Equal(t, "rec-2", recs[2].ID)

	all, err := s.ListByUser(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, 30.0, all[1].ConfidenceScore)
}

func TestStore_SignificantEvents(t *testing.T) {
	s := setupStore(t, 10)
	ctx := context.Background()

	require.NoError(t, s.SaveSignificantEvents(ctx, "alice", nil))
	require.NoError(t, s.SaveSignificantEvents(ctx, "alice", []models.SignificantEvent{
		{Type: "form_submit", ElementID: "login", Timestamp: 1},
		{Type: "transfer_confirm", Timestamp: 2},
	}))

	require.NoError(t, s.SaveSignificantEvents(ctx, "bob", []models.SignificantEvent{{Type: "logout", Timestamp: 3}}))

	events, err := s.ListSignificantEvents(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "transfer_confirm", events[0].Type, "newest first")
	assert.Equal(t, "alice", events[1].UserID)

	latest, err := s.ListSignificantEvents(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "transfer_confirm", latest[0].Type)
}

func TestStore_HealthCheck(t *testing.T) {
	s := setupStore(t, 10)
	assert.NoError(t, s.HealthCheck(context.Background()))
}
