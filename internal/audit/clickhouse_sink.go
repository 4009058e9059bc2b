package audit

import (
	"context"
	"fmt"

	"behavior-guard/internal/models"
)

const clickhouseSchema = `
CREATE TABLE IF NOT EXISTS anomaly_records (
    id String,
    user_id String,
    recorded_at DateTime64(3, 'UTC'),
    is_anomaly UInt8,
    confidence_score Float64,
    strategy LowCardinality(String),
    source LowCardinality(String),
    details String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(recorded_at)
ORDER BY (user_id, recorded_at)`

const clickhouseInsert = `
INSERT INTO anomaly_records (
    id, user_id, recorded_at, is_anomaly, confidence_score, strategy, source, details
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// execer is the subset of client.ClickHouseClient the sink needs.
type execer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

// ClickHouseSink appends records to the analytics table.
type ClickHouseSink struct {
	conn execer
}

func NewClickHouseSink(conn execer) *ClickHouseSink {
	return &ClickHouseSink{conn: conn}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, clickhouseSchema); err != nil {
		return fmt.Errorf("create clickhouse anomaly table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, rec models.AnomalyRecord) error {
	var anomalous uint8
	if rec.IsAnomaly {
		anomalous = 1
	}
	return s.conn.Exec(ctx, clickhouseInsert,
		rec.ID, rec.UserID, rec.Timestamp.UTC(), anomalous, rec.ConfidenceScore,
		rec.Strategy, rec.Source, rec.Details)
}
