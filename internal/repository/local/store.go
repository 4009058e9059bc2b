// Package local is the embedded single-node backend built on buntdb. It backs
// profiles, history, the anomaly log and significant events when no Scylla
// cluster is configured, and is what the tests run against.
package local

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/buntdb"
	"go.uber.org/zap"

	"behavior-guard/internal/encryption"
	"behavior-guard/internal/models"
	"behavior-guard/internal/repository"
	"behavior-guard/internal/util"
)

const (
	profileTable   = "profile"
	historyTable   = "history"
	sequenceTable  = "seq"
	anomalyTable   = "anomaly"
	sigEventTable  = "sigevent"
)

type storedRow struct {
	Sealed *encryption.SealedPayload `json:"sealed"`
	At     time.Time                 `json:"at"`
}

type Store struct {
	path         string
	db           *buntdb.DB
	sealer       repository.Sealer
	historyLimit int
}

var (
	_ repository.ProfileStore          = (*Store)(nil)
	_ repository.AnomalyStore          = (*Store)(nil)
	_ repository.SignificantEventStore = (*Store)(nil)
)

// Open opens (or creates) the database at path; ":memory:" keeps it in RAM.
func Open(path string, historyLimit int, sealer repository.Sealer) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb %s: %w", path, err)
	}

	s := &Store{path: path, db: db, sealer: sealer, historyLimit: historyLimit}
	if path != ":memory:" {
		if err := db.Shrink(); err != nil && !errors.Is(err, buntdb.ErrShrinkInProcess) {
			util.Warn("buntdb shrink failed", zap.String("path", path), zap.Error(err))
		}
	}
	util.Info("Embedded store opened", zap.String("path", path), zap.Int("history_limit", historyLimit))
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Len()
		return err
	})
}

func (s *Store) Get(ctx context.Context, userID string) (*models.StoredProfile, error) {
	var row storedRow
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key(profileTable, userID))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), &row)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	p, err := repository.OpenProfile(ctx, s.sealer, userID, row.Sealed)
	if err != nil {
		return nil, err
	}
	return &models.StoredProfile{UserID: userID, Profile: p, UpdatedAt: row.At}, nil
}

func (s *Store) Put(ctx context.Context, userID string, profile models.BehavioralProfile, at time.Time) error {
	val, err := s.encode(ctx, userID, profile, at)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key(profileTable, userID), val, nil)
		return err
	})
}

func (s *Store) GetHistory(ctx context.Context, userID string) ([]models.HistoricalProfile, error) {
	var rows []storedRow
	err := s.db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.AscendKeys(key(historyTable, userID)+":*", func(_, val string) bool {
			var row storedRow
			if decodeErr = json.Unmarshal([]byte(val), &row); decodeErr != nil {
				return false
			}
			rows = append(rows, row)
			return true
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	history := make([]models.HistoricalProfile, 0, len(rows))
	for _, row := range rows {
		p, err := repository.OpenProfile(ctx, s.sealer, userID, row.Sealed)
		if err != nil {
			return nil, err
		}
		history = append(history, models.HistoricalProfile{UserID: userID, Profile: p, CreatedAt: row.At})
	}
	return history, nil
}

func (s *Store) AppendHistory(ctx context.Context, userID string, profile models.BehavioralProfile, at time.Time) error {
	val, err := s.encode(ctx, userID, profile, at)
	if err != nil {
		return err
	}

	prefix := key(historyTable, userID)
	return s.db.Update(func(tx *buntdb.Tx) error {
		seq, err := nextSeq(tx, prefix)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(prefix+":"+seq, val, nil); err != nil {
			return err
		}

		var keys []string
		if err := tx.AscendKeys(prefix+":*", func(k, _ string) bool {
			keys = append(keys, k)
			return true
		}); err != nil {
			return err
		}
		for len(keys) > s.historyLimit {
			if _, err := tx.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		return nil
	})
}

func (s *Store) Append(ctx context.Context, rec models.AnomalyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	k := fmt.Sprintf("%s:%020d:%s", key(anomalyTable, rec.UserID), rec.Timestamp.UnixNano(), rec.ID)
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(k, string(raw), nil)
		return err
	})
}

func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]models.AnomalyRecord, error) {
	var out []models.AnomalyRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.DescendKeys(key(anomalyTable, userID)+":*", func(_, val string) bool {
			var rec models.AnomalyRecord
			if decodeErr = json.Unmarshal([]byte(val), &rec); decodeErr != nil {
				return false
			}
			out = append(out, rec)
			return limit <= 0 || len(out) < limit
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	return out, nil
}

func (s *Store) SaveSignificantEvents(ctx context.Context, userID string, events []models.SignificantEvent) error {
	if len(events) == 0 {
		return nil
	}
	prefix := key(sigEventTable, userID)
	return s.db.Update(func(tx *buntdb.Tx) error {
		for _, ev := range events {
			ev.UserID = userID
			raw, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			seq, err := nextSeq(tx, prefix)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(prefix+":"+seq, string(raw), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListSignificantEvents returns up to limit of a user's significant events,
// newest first.
func (s *Store) ListSignificantEvents(ctx context.Context, userID string, limit int) ([]models.SignificantEvent, error) {
	var out []models.SignificantEvent
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendKeys(key(sigEventTable, userID)+":*", func(_, val string) bool {
			var ev models.SignificantEvent
			if json.Unmarshal([]byte(val), &ev) == nil {
				out = append(out, ev)
			}
			return limit <= 0 || len(out) < limit
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list significant events: %w", err)
	}
	return out, nil
}

func (s *Store) encode(ctx context.Context, userID string, p models.BehavioralProfile, at time.Time) (string, error) {
	sealed, err := repository.SealProfile(ctx, s.sealer, userID, p)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(storedRow{Sealed: sealed, At: at.UTC()})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// nextSeq returns a zero-padded, per-prefix monotonic sequence so keys sort
// in insertion order.
func nextSeq(tx *buntdb.Tx, prefix string) (string, error) {
	counterKey := sequenceTable + ":" + prefix
	n := uint64(0)
	if val, err := tx.Get(counterKey); err == nil {
		n, _ = strconv.ParseUint(val, 10, 64)
	} else if !errors.Is(err, buntdb.ErrNotFound) {
		return "", err
	}
	n++
	if _, _, err := tx.Set(counterKey, strconv.FormatUint(n, 10), nil); err != nil {
		return "", err
	}
	return fmt.Sprintf("%020d", n), nil
}

// key hex-encodes the user id so ids containing ':' or glob characters
// cannot bleed into another user's key range.
func key(table, userID string) string {
	return table + ":" + hex.EncodeToString([]byte(userID))
}
