// Package audit fans anomaly records out to the primary store and the
// analytics sinks, and publishes escalation decisions.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"behavior-guard/internal/metrics"
	"behavior-guard/internal/models"
	"behavior-guard/internal/repository"
)

const (
	defaultSinkTimeout = 5 * time.Second
	maxPendingWrites   = 512
)

// Sink receives a copy of every anomaly record. Sinks are best-effort.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec models.AnomalyRecord) error
}

// Log is the anomaly trail. The primary store is written synchronously;
// sinks are written in the background with their own deadline and never
// hold up the caller. Reads go to the primary store only.
type Log struct {
	primary     repository.AnomalyStore
	sinks       []Sink
	sinkTimeout time.Duration
	pending     errgroup.Group
	logger      *zap.Logger
}

func NewLog(primary repository.AnomalyStore, logger *zap.Logger, sinks ...Sink) *Log {
	l := &Log{primary: primary, sinks: sinks, sinkTimeout: defaultSinkTimeout, logger: logger}
	l.pending.SetLimit(maxPendingWrites)
	return l
}

// WithSinkTimeout bounds each background sink write.
func (l *Log) WithSinkTimeout(d time.Duration) *Log {
	l.sinkTimeout = d
	return l
}

// Append stores rec in the primary store and queues it for every sink. Only
// a primary store failure is returned; sink writes that cannot be queued are
// dropped and counted.
func (l *Log) Append(ctx context.Context, rec models.AnomalyRecord) error {
	for _, s := range l.sinks {
		queued := l.pending.TryGo(func() error {
			l.write(context.WithoutCancel(ctx), s, rec)
			return nil
		})
		if !queued {
			metrics.AuditFailures.WithLabelValues(s.Name()).Inc()
			l.logger.Warn("Audit sink backlog full, record dropped",
				zap.String("sink", s.Name()),
				zap.String("record_id", rec.ID))
		}
	}

	if err := l.primary.Append(ctx, rec); err != nil {
		metrics.AuditFailures.WithLabelValues("primary").Inc()
		l.logger.Error("Anomaly record not persisted",
			zap.String("user_id", rec.UserID),
			zap.String("record_id", rec.ID),
			zap.Error(err))
		return fmt.Errorf("append anomaly record: %w", err)
	}
	return nil
}

func (l *Log) write(ctx context.Context, s Sink, rec models.AnomalyRecord) {
	ctx, cancel := context.WithTimeout(ctx, l.sinkTimeout)
	defer cancel()
	if err := s.Write(ctx, rec); err != nil {
		metrics.AuditFailures.WithLabelValues(s.Name()).Inc()
		l.logger.Warn("Audit sink write failed",
			zap.String("sink", s.Name()),
			zap.String("record_id", rec.ID),
			zap.Error(err))
	}
}

// Flush waits for queued sink writes. Call it before closing sink clients.
func (l *Log) Flush() {
	_ = l.pending.Wait()
}

func (l *Log) ListByUser(ctx context.Context, userID string, limit int) ([]models.AnomalyRecord, error) {
	return l.primary.ListByUser(ctx, userID, limit)
}
