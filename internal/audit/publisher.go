package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"behavior-guard/internal/models"
)

// Publisher tells the session layer about escalation decisions.
type Publisher interface {
	Publish(ctx context.Context, d models.Decision) error
}

// producer is the subset of client.KafkaProducer used here.
type producer interface {
	Produce(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaPublisher keys messages by user so one user's decisions stay ordered.
type KafkaPublisher struct {
	producer producer
}

func NewKafkaPublisher(p producer) *KafkaPublisher {
	return &KafkaPublisher{producer: p}
}

func (p *KafkaPublisher) Publish(ctx context.Context, d models.Decision) error {
	value, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	headers := map[string]string{"decision-type": d.Type}
	if err := p.producer.Produce(ctx, []byte(d.UserID), value, headers); err != nil {
		return fmt.Errorf("publish %s decision: %w", d.Type, err)
	}
	return nil
}

// LogPublisher is used when Kafka is disabled.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, d models.Decision) error {
	p.logger.Info("Escalation decision",
		zap.String("user_id", d.UserID),
		zap.String("type", d.Type),
		zap.Int("warning_count", d.WarningCount),
		zap.Bool("force_logout", d.ForceLogout),
		zap.String("capability", d.Capability))
	return nil
}
