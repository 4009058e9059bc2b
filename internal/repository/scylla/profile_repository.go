package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"behavior-guard/internal/bucketing"
	"behavior-guard/internal/encryption"
	"behavior-guard/internal/models"
	"behavior-guard/internal/repository"
	"behavior-guard/internal/util"
)

// ProfileRepository stores baselines, history windows, anomaly records and
// significant events in ScyllaDB, partitioned by (user_bucket, user_id).
type ProfileRepository struct {
	client       *ScyllaClient
	buckets      *bucketing.BucketingManager
	sealer       repository.Sealer
	historyLimit int
}

var (
	_ repository.ProfileStore          = (*ProfileRepository)(nil)
	_ repository.AnomalyStore          = (*ProfileRepository)(nil)
	_ repository.SignificantEventStore = (*ProfileRepository)(nil)
)

func NewProfileRepository(client *ScyllaClient, buckets *bucketing.BucketingManager, sealer repository.Sealer, historyLimit int) *ProfileRepository {
	return &ProfileRepository{
		client:       client,
		buckets:      buckets,
		sealer:       sealer,
		historyLimit: historyLimit,
	}
}

func (r *ProfileRepository) query(ctx context.Context, prepared *gocql.Query, values ...interface{}) *gocql.Query {
	return r.client.Session.Query(prepared.Statement(), values...).WithContext(ctx)
}

func (r *ProfileRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func (r *ProfileRepository) Get(ctx context.Context, userID string) (*models.StoredProfile, error) {
	var sealed encryption.SealedPayload
	var updatedAt time.Time

	q := r.query(ctx, r.client.Prepared.GetProfile, r.buckets.GetUserBucket(userID), userID)
	err := r.client.ScanWithRetry(q, &sealed.Value, &sealed.EncryptedDEK, &sealed.KeyID, &sealed.Version, &updatedAt)
	if err == gocql.ErrNotFound {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		util.Error("Failed to get behavior profile", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get behavior profile: %w", err)
	}

	p, err := repository.OpenProfile(ctx, r.sealer, userID, &sealed)
	if err != nil {
		return nil, err
	}
	return &models.StoredProfile{UserID: userID, Profile: p, UpdatedAt: updatedAt}, nil
}

func (r *ProfileRepository) Put(ctx context.Context, userID string, profile models.BehavioralProfile, at time.Time) error {
	sealed, err := repository.SealProfile(ctx, r.sealer, userID, profile)
	if err != nil {
		return err
	}

	q := r.query(ctx, r.client.Prepared.PutProfile,
		r.buckets.GetUserBucket(userID), userID,
		sealed.Value, sealed.EncryptedDEK, sealed.KeyID, sealed.Version, at.UTC())
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		util.Error("Failed to store behavior profile", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to store behavior profile: %w", err)
	}
	return nil
}

// GetHistory reads the newest historyLimit rows and returns them oldest first.
func (r *ProfileRepository) GetHistory(ctx context.Context, userID string) ([]models.HistoricalProfile, error) {
	iter := r.query(ctx, r.client.Prepared.GetHistory,
		r.buckets.GetUserBucket(userID), userID, r.historyLimit).Iter()

	var (
		rows      []models.HistoricalProfile
		createdAt gocql.UUID
		sealed    encryption.SealedPayload
	)
	for iter.Scan(&createdAt, &sealed.Value, &sealed.EncryptedDEK, &sealed.KeyID, &sealed.Version) {
		s := sealed
		p, err := repository.OpenProfile(ctx, r.sealer, userID, &s)
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		rows = append(rows, models.HistoricalProfile{UserID: userID, Profile: p, CreatedAt: createdAt.Time()})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read behavior history: %w", err)
	}

	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// AppendHistory inserts the profile then deletes anything older than the
// newest historyLimit rows. Callers serialize per user, so the trim never
// races another append for the same partition.
func (r *ProfileRepository) AppendHistory(ctx context.Context, userID string, profile models.BehavioralProfile, at time.Time) error {
	sealed, err := repository.SealProfile(ctx, r.sealer, userID, profile)
	if err != nil {
		return err
	}
	bucket := r.buckets.GetUserBucket(userID)

	q := r.query(ctx, r.client.Prepared.InsertHistory,
		bucket, userID, gocql.UUIDFromTime(at), sealed.Value, sealed.EncryptedDEK, sealed.KeyID, sealed.Version)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		return fmt.Errorf("failed to append behavior history: %w", err)
	}

	iter := r.query(ctx, r.client.Prepared.ListHistoryKeys, bucket, userID).Iter()
	batch := r.client.Batch(gocql.UnloggedBatch).WithContext(ctx)
	var key gocql.UUID
	seen := 0
	for iter.Scan(&key) {
		seen++
		if seen > r.historyLimit {
			batch.Query(r.client.Prepared.DeleteHistory.Statement(), bucket, userID, key)
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to list behavior history: %w", err)
	}
	if batch.Size() == 0 {
		return nil
	}
	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to evict behavior history: %w", err)
	}
	util.Debug("Evicted behavior history", zap.String("user_id", userID), zap.Int("evicted", batch.Size()))
	return nil
}

func (r *ProfileRepository) Append(ctx context.Context, rec models.AnomalyRecord) error {
	q := r.query(ctx, r.client.Prepared.InsertAnomaly,
		r.buckets.GetUserBucket(rec.UserID), rec.UserID, gocql.UUIDFromTime(rec.Timestamp), rec.ID,
		rec.IsAnomaly, rec.ConfidenceScore, rec.Strategy, rec.Source, rec.Details)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		return fmt.Errorf("failed to append anomaly record: %w", err)
	}
	return nil
}

func (r *ProfileRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.AnomalyRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	iter := r.query(ctx, r.client.Prepared.ListAnomalies,
		r.buckets.GetUserBucket(userID), userID, limit).Iter()

	var (
		out        []models.AnomalyRecord
		recordedAt gocql.UUID
		rec        models.AnomalyRecord
	)
	for iter.Scan(&recordedAt, &rec.ID, &rec.IsAnomaly, &rec.ConfidenceScore, &rec.Strategy, &rec.Source, &rec.Details) {
		rec.UserID = userID
		rec.Timestamp = recordedAt.Time()
		out = append(out, rec)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list anomaly records: %w", err)
	}
	return out, nil
}

func (r *ProfileRepository) SaveSignificantEvents(ctx context.Context, userID string, events []models.SignificantEvent) error {
	if len(events) == 0 {
		return nil
	}
	bucket := r.buckets.GetUserBucket(userID)
	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	now := time.Now()
	for _, ev := range events {
		details, err := json.Marshal(ev.Details)
		if err != nil {
			return err
		}
		batch.Query(r.client.Prepared.InsertSigEvent.Statement(),
			bucket, userID, gocql.UUIDFromTime(now), ev.Type, ev.ElementID, string(details), ev.Timestamp)
	}
	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to save significant events: %w", err)
	}
	return nil
}

func (r *ProfileRepository) ListSignificantEvents(ctx context.Context, userID string, limit int) ([]models.SignificantEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	iter := r.query(ctx, r.client.Prepared.ListSigEvents,
		r.buckets.GetUserBucket(userID), userID, limit).Iter()

	var (
		out     []models.SignificantEvent
		ev      models.SignificantEvent
		details string
	)
	for iter.Scan(&ev.Type, &ev.ElementID, &details, &ev.Timestamp) {
		ev.UserID = userID
		ev.Details = nil
		if details != "" && details != "null" {
			ev.Details = json.RawMessage(details)
		}
		out = append(out, ev)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list significant events: %w", err)
	}
	return out, nil
}
