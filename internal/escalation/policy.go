// Package escalation turns verdicts into warnings, forced logouts and
// capability lockouts. All state is server-side; clients only render it.
package escalation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"behavior-guard/internal/audit"
	"behavior-guard/internal/config"
	"behavior-guard/internal/metrics"
	"behavior-guard/internal/models"
)

// DefaultCapability is locked when a report names none.
const DefaultCapability = "banking"

// Reported anomaly types with lockout rules attached.
const (
	TypeLoginAnomaly         = "login_anomaly"
	TypeBankingAccessAnomaly = "banking_access_anomaly"
	TypeMultipleAnomalies    = "multiple_anomalies"
)

// LockoutRule locks a capability when a report of Type arrives with
// confidence strictly above MinConfidence.
type LockoutRule struct {
	Type          string
	MinConfidence float64
	Duration      time.Duration
}

var DefaultLockoutRules = []LockoutRule{
	{Type: TypeLoginAnomaly, MinConfidence: 0.9, Duration: 30 * time.Minute},
	{Type: TypeBankingAccessAnomaly, MinConfidence: 0.9, Duration: 30 * time.Minute},
	{Type: TypeMultipleAnomalies, MinConfidence: 0.8, Duration: 15 * time.Minute},
}

type StateStore interface {
	Record(ctx context.Context, userID string, anomalous bool) (models.EscalationState, bool, error)
	Get(ctx context.Context, userID string) (models.EscalationState, error)
	Reset(ctx context.Context, userID string) error
}

type LockoutStore interface {
	Lock(ctx context.Context, l models.Lockout) (bool, error)
	Check(ctx context.Context, userID, capability string) (models.LockoutStatus, error)
	Unlock(ctx context.Context, userID, capability string) (bool, error)
}

type NavigationStore interface {
	Visit(ctx context.Context, userID, section string, at time.Time) (models.NavigationVisit, error)
}

// NavigationResult is the outcome of one section visit.
type NavigationResult struct {
	Visit     models.NavigationVisit `json:"visit"`
	Anomalous bool                   `json:"anomalous"`
	Reason    string                 `json:"reason,omitempty"`
}

type Policy struct {
	states     StateStore
	lockouts   LockoutStore
	navigation NavigationStore
	publisher  audit.Publisher
	cfg        config.EscalationConfig
	rules      []LockoutRule
	now        func() time.Time
	logger     *zap.Logger
}

func NewPolicy(states StateStore, lockouts LockoutStore, navigation NavigationStore,
	publisher audit.Publisher, cfg config.EscalationConfig, logger *zap.Logger) *Policy {
	return &Policy{
		states:     states,
		lockouts:   lockouts,
		navigation: navigation,
		publisher:  publisher,
		cfg:        cfg,
		rules:      DefaultLockoutRules,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock overrides the time source used for lockout deadlines and
// navigation staleness.
func (p *Policy) WithClock(now func() time.Time) *Policy {
	p.now = now
	return p
}

// Level maps a state onto the warning state machine.
func Level(s models.EscalationState) models.EscalationLevel {
	switch {
	case s.ForceLogout:
		return models.LevelForcedLogout
	case s.WarningCount > 0:
		return models.LevelWarned
	default:
		return models.LevelNormal
	}
}

// RecordVerdict advances the warning state machine with one continuous
// monitoring verdict and publishes a decision when the state changes.
func (p *Policy) RecordVerdict(ctx context.Context, userID string, anomalous bool, confidence float64) (models.EscalationState, error) {
	state, changed, err := p.states.Record(ctx, userID, anomalous)
	if err != nil {
		return models.EscalationState{}, err
	}
	if !changed {
		return state, nil
	}

	level := Level(state)
	metrics.EscalationTransitions.WithLabelValues(string(level)).Inc()

	d := models.Decision{
		UserID:       userID,
		WarningCount: state.WarningCount,
		ForceLogout:  state.ForceLogout,
		Confidence:   confidence,
		At:           p.now().UTC(),
	}
	switch level {
	case models.LevelForcedLogout:
		d.Type = models.DecisionForceLogout
		p.logger.Warn("Forcing logout after repeated anomalies",
			zap.String("user_id", userID), zap.Int("warning_count", state.WarningCount))
	case models.LevelWarned:
		d.Type = models.DecisionWarning
	default:
		d.Type = models.DecisionReset
	}
	p.publish(ctx, d)
	return state, nil
}

// Warnings returns the current state without changing it.
func (p *Policy) Warnings(ctx context.Context, userID string) (models.EscalationState, error) {
	return p.states.Get(ctx, userID)
}

// Reset is the administrative exit from ForcedLogout.
func (p *Policy) Reset(ctx context.Context, userID string) error {
	if err := p.states.Reset(ctx, userID); err != nil {
		return err
	}
	metrics.EscalationTransitions.WithLabelValues(string(models.LevelNormal)).Inc()
	p.publish(ctx, models.Decision{UserID: userID, Type: models.DecisionReset, At: p.now().UTC()})
	return nil
}

// Lock locks capability for d. An existing longer lockout is kept.
func (p *Policy) Lock(ctx context.Context, userID, capability string, d time.Duration, reason string) (models.LockoutStatus, error) {
	if d <= 0 {
		return models.LockoutStatus{}, fmt.Errorf("lockout duration must be positive, got %s", d)
	}
	l := models.Lockout{
		UserID:     userID,
		Capability: capability,
		Until:      p.now().Add(d),
		Reason:     reason,
	}
	written, err := p.lockouts.Lock(ctx, l)
	if err != nil {
		return models.LockoutStatus{}, err
	}
	if written {
		metrics.LockoutsIssued.WithLabelValues(capability).Inc()
		p.publish(ctx, models.Decision{
			UserID:      userID,
			Type:        models.DecisionLockout,
			Capability:  capability,
			LockedUntil: l.Until.UTC(),
			At:          p.now().UTC(),
		})
	}
	return p.lockouts.Check(ctx, userID, capability)
}

// Unlock lifts a lockout early. It reports false when nothing was locked.
func (p *Policy) Unlock(ctx context.Context, userID, capability string) (bool, error) {
	removed, err := p.lockouts.Unlock(ctx, userID, capability)
	if err != nil || !removed {
		return false, err
	}
	p.publish(ctx, models.Decision{
		UserID:     userID,
		Type:       models.DecisionUnlock,
		Capability: capability,
		At:         p.now().UTC(),
	})
	return true, nil
}

func (p *Policy) CheckLockout(ctx context.Context, userID, capability string) (models.LockoutStatus, error) {
	return p.lockouts.Check(ctx, userID, capability)
}

// RuleFor returns the lockout rule matching a report, if any.
func (p *Policy) RuleFor(anomalyType string, confidence float64) (LockoutRule, bool) {
	for _, r := range p.rules {
		if r.Type == anomalyType && confidence > r.MinConfidence {
			return r, true
		}
	}
	return LockoutRule{}, false
}

// ApplyReport locks capability when a rule matches. The returned status is
// nil when no rule fired.
func (p *Policy) ApplyReport(ctx context.Context, userID, anomalyType, capability string, confidence float64) (*models.LockoutStatus, error) {
	rule, ok := p.RuleFor(anomalyType, confidence)
	if !ok {
		return nil, nil
	}
	status, err := p.Lock(ctx, userID, capability, rule.Duration, anomalyType)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// TrackNavigation records a section visit and judges it against the user's
// prior history for that section.
func (p *Policy) TrackNavigation(ctx context.Context, userID, section string) (NavigationResult, error) {
	now := p.now()
	visit, err := p.navigation.Visit(ctx, userID, section, now)
	if err != nil {
		return NavigationResult{}, err
	}
	res := NavigationResult{Visit: visit}

	lock, err := p.lockouts.Check(ctx, userID, DefaultCapability)
	if err != nil {
		return NavigationResult{}, err
	}

	switch {
	case lock.Locked:
		res.Anomalous, res.Reason = true, "access while locked out"
	case visit.Count == 0:
		res.Anomalous, res.Reason = true, "first visit to section"
	case visit.Count < p.cfg.NavigationMinVisits && now.Sub(visit.LastVisited) > p.cfg.NavigationStaleAfter:
		res.Anomalous, res.Reason = true, "rarely visited section"
	}
	return res, nil
}

func (p *Policy) publish(ctx context.Context, d models.Decision) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, d); err != nil {
		metrics.AuditFailures.WithLabelValues("decisions").Inc()
		p.logger.Warn("Failed to publish escalation decision",
			zap.String("user_id", d.UserID), zap.String("type", d.Type), zap.Error(err))
	}
}
