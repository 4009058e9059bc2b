package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"behavior-guard/internal/config"
	"behavior-guard/internal/util"
)

// Schema is applied by the migration job; it is kept here next to the
// statements that depend on it.
const Schema = `
CREATE TABLE IF NOT EXISTS behavior_profiles (
    user_bucket int, user_id text,
    payload text, encrypted_dek text, key_id text, version text,
    updated_at timestamp,
    PRIMARY KEY ((user_bucket, user_id))
);
CREATE TABLE IF NOT EXISTS behavior_history (
    user_bucket int, user_id text, created_at timeuuid,
    payload text, encrypted_dek text, key_id text, version text,
    PRIMARY KEY ((user_bucket, user_id), created_at)
) WITH CLUSTERING ORDER BY (created_at DESC);
CREATE TABLE IF NOT EXISTS anomaly_records (
    user_bucket int, user_id text, recorded_at timeuuid, id text,
    is_anomaly boolean, confidence_score double, strategy text, source text, details text,
    PRIMARY KEY ((user_bucket, user_id), recorded_at)
) WITH CLUSTERING ORDER BY (recorded_at DESC);
CREATE TABLE IF NOT EXISTS significant_events (
    user_bucket int, user_id text, event_time timeuuid,
    event_type text, element_id text, details text, client_ts bigint,
    PRIMARY KEY ((user_bucket, user_id), event_time)
) WITH CLUSTERING ORDER BY (event_time DESC);`

// PreparedStatements holds prepared statements that are actually used by the repository
type PreparedStatements struct {
	PutProfile      *gocql.Query
	GetProfile      *gocql.Query
	InsertHistory   *gocql.Query
	GetHistory      *gocql.Query
	ListHistoryKeys *gocql.Query
	DeleteHistory   *gocql.Query
	InsertAnomaly   *gocql.Query
	ListAnomalies   *gocql.Query
	InsertSigEvent  *gocql.Query
	ListSigEvents   *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.PutProfile = s.Session.Query(`
        INSERT INTO behavior_profiles (
            user_bucket, user_id, payload, encrypted_dek, key_id, version, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetProfile = s.Session.Query(`
        SELECT payload, encrypted_dek, key_id, version, updated_at
        FROM behavior_profiles WHERE user_bucket = ? AND user_id = ?`)

	prepared.InsertHistory = s.Session.Query(`
        INSERT INTO behavior_history (
            user_bucket, user_id, created_at, payload, encrypted_dek, key_id, version
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetHistory = s.Session.Query(`
        SELECT created_at, payload, encrypted_dek, key_id, version
        FROM behavior_history WHERE user_bucket = ? AND user_id = ? LIMIT ?`)

	prepared.ListHistoryKeys = s.Session.Query(`
        SELECT created_at FROM behavior_history WHERE user_bucket = ? AND user_id = ?`)

	prepared.DeleteHistory = s.Session.Query(`
        DELETE FROM behavior_history WHERE user_bucket = ? AND user_id = ? AND created_at = ?`)

	prepared.InsertAnomaly = s.Session.Query(`
        INSERT INTO anomaly_records (
            user_bucket, user_id, recorded_at, id, is_anomaly, confidence_score,
            strategy, source, details
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.ListAnomalies = s.Session.Query(`
        SELECT recorded_at, id, is_anomaly, confidence_score, strategy, source, details
        FROM anomaly_records WHERE user_bucket = ? AND user_id = ? LIMIT ?`)

	prepared.InsertSigEvent = s.Session.Query(`
        INSERT INTO significant_events (
            user_bucket, user_id, event_time, event_type, element_id, details, client_ts
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.ListSigEvents = s.Session.Query(`
        SELECT event_type, element_id, details, client_ts
        FROM significant_events WHERE user_bucket = ? AND user_id = ? LIMIT ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if err == gocql.ErrNotFound {
				return err
			}
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
