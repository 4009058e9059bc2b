// Package repository defines the persistence boundaries of the behavior
// pipeline. Backends live in the scylla, local and redis subpackages.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"behavior-guard/internal/encryption"
	"behavior-guard/internal/models"
)

var ErrNotFound = errors.New("not found")

// ProfileStore holds the single accepted baseline and the bounded FIFO history
// window per user.
type ProfileStore interface {
	// Get returns ErrNotFound when the user has no baseline yet.
	Get(ctx context.Context, userID string) (*models.StoredProfile, error)
	Put(ctx context.Context, userID string, profile models.BehavioralProfile, at time.Time) error
	// GetHistory returns the window oldest first.
	GetHistory(ctx context.Context, userID string) ([]models.HistoricalProfile, error)
	// AppendHistory pushes profile and evicts the oldest entries beyond the limit.
	AppendHistory(ctx context.Context, userID string, profile models.BehavioralProfile, at time.Time) error
	HealthCheck(ctx context.Context) error
}

// AnomalyStore is the append-only audit trail.
type AnomalyStore interface {
	Append(ctx context.Context, rec models.AnomalyRecord) error
	// ListByUser returns the newest records first.
	ListByUser(ctx context.Context, userID string, limit int) ([]models.AnomalyRecord, error)
}

// SignificantEventStore keeps client-flagged interactions.
type SignificantEventStore interface {
	SaveSignificantEvents(ctx context.Context, userID string, events []models.SignificantEvent) error
	// ListSignificantEvents returns the newest events first; limit <= 0 means all.
	ListSignificantEvents(ctx context.Context, userID string, limit int) ([]models.SignificantEvent, error)
}

// Sealer encrypts profile payloads at rest.
type Sealer interface {
	Seal(ctx context.Context, userID string, plaintext []byte) (*encryption.SealedPayload, error)
	Open(ctx context.Context, userID string, p *encryption.SealedPayload) ([]byte, error)
}

// SealProfile serializes and seals a profile for storage.
func SealProfile(ctx context.Context, s Sealer, userID string, p models.BehavioralProfile) (*encryption.SealedPayload, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal profile: %w", err)
	}
	return s.Seal(ctx, userID, raw)
}

// OpenProfile reverses SealProfile.
func OpenProfile(ctx context.Context, s Sealer, userID string, sealed *encryption.SealedPayload) (models.BehavioralProfile, error) {
	var p models.BehavioralProfile
	raw, err := s.Open(ctx, userID, sealed)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("unmarshal profile: %w", err)
	}
	p.Normalize()
	return p, nil
}
