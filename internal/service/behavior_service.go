package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"behavior-guard/internal/capture"
	"behavior-guard/internal/escalation"
	"behavior-guard/internal/keylock"
	"behavior-guard/internal/metrics"
	"behavior-guard/internal/models"
	"behavior-guard/internal/repository"
	"behavior-guard/internal/scoring"
	"behavior-guard/internal/synthesis"
	"behavior-guard/internal/util"
)

const (
	defaultReportConfidence = 0.9
	defaultListLimit        = 50
	maxListLimit            = 1000
	maxLockMinutes          = 24 * 60
	maxIdentifierLength     = 64
)

// AnomalyLog is the audit trail as the service sees it.
type AnomalyLog interface {
	Append(ctx context.Context, rec models.AnomalyRecord) error
	ListByUser(ctx context.Context, userID string, limit int) ([]models.AnomalyRecord, error)
}

// AnomalySearcher backs security review search; optional.
type AnomalySearcher interface {
	Search(ctx context.Context, userID string, minConfidence float64, size int) ([]models.AnomalyRecord, error)
}

// SubmitResult is returned for every continuous-monitoring submission.
type SubmitResult struct {
	RecordID   string                 `json:"recordId"`
	Verdict    scoring.Verdict        `json:"verdict"`
	Escalation models.EscalationState `json:"escalation"`
	Level      models.EscalationLevel `json:"level"`
}

// VerifyResult is the outcome of a login-time check.
type VerifyResult struct {
	RecordID     string           `json:"recordId"`
	IsFirstLogin bool             `json:"isFirstLogin"`
	IsAnomaly    bool             `json:"isAnomaly"`
	Confidence   float64          `json:"confidence"`
	Verdict      *scoring.Verdict `json:"verdict,omitempty"`
}

// WarningStatus is what the client renders for the warning counter.
type WarningStatus struct {
	WarningCount int                    `json:"warningCount"`
	ForceLogout  bool                   `json:"forceLogout"`
	Level        models.EscalationLevel `json:"level"`
}

// AnomalyReport is a client- or upstream-reported anomaly. Confidence is 0-1;
// nil means the default of 0.9.
type AnomalyReport struct {
	Type       string   `json:"type" validate:"required,max=64"`
	Details    string   `json:"details" validate:"max=2048"`
	Confidence *float64 `json:"confidenceScore,omitempty" validate:"omitempty,gte=0,lte=1"`
	Capability string   `json:"capability,omitempty" validate:"omitempty,max=64"`
}

type ReportResult struct {
	RecordID string                `json:"recordId"`
	Lockout  *models.LockoutStatus `json:"lockout,omitempty"`
}

type NavigationResult struct {
	escalation.NavigationResult
	RecordID string `json:"recordId,omitempty"`
}

// BehaviorService runs the pipeline: synthesis, scoring, persistence and
// escalation. Operations for one user are serialized; different users
// proceed in parallel.
type BehaviorService struct {
	profiles    repository.ProfileStore
	events      repository.SignificantEventStore
	anomalies   AnomalyLog
	searcher    AnomalySearcher
	scorer      *scoring.Scorer
	policy      *escalation.Policy
	locks       *keylock.Locker
	validate    *validator.Validate
	doubleClick time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

func NewBehaviorService(
	profiles repository.ProfileStore,
	events repository.SignificantEventStore,
	anomalies AnomalyLog,
	scorer *scoring.Scorer,
	policy *escalation.Policy,
	doubleClick time.Duration,
	logger *zap.Logger,
) *BehaviorService {
	return &BehaviorService{
		profiles:    profiles,
		events:      events,
		anomalies:   anomalies,
		scorer:      scorer,
		policy:      policy,
		locks:       keylock.New(),
		validate:    validator.New(),
		doubleClick: doubleClick,
		now:         time.Now,
		logger:      logger,
	}
}

// WithSearcher enables SearchAnomalies.
func (s *BehaviorService) WithSearcher(searcher AnomalySearcher) *BehaviorService {
	s.searcher = searcher
	return s
}

// WithClock overrides the time source for record timestamps.
func (s *BehaviorService) WithClock(now func() time.Time) *BehaviorService {
	s.now = now
	return s
}

// SubmitProfile scores a continuous-monitoring profile against the user's
// history, records the verdict and drives the warning counter. Only normal
// profiles join the history, so anomalies cannot drift the baseline.
func (s *BehaviorService) SubmitProfile(ctx context.Context, userID string, profile models.BehavioralProfile, significant []models.SignificantEvent, at time.Time) (*SubmitResult, error) {
	if err := s.checkUserID(userID); err != nil {
		return nil, err
	}
	profile.Normalize()
	if err := s.checkProfile(profile); err != nil {
		return nil, err
	}
	for i := range significant {
		if err := s.validate.Struct(significant[i]); err != nil {
			return nil, fmt.Errorf("%w: significant event %d: %v", ErrValidation, i, err)
		}
		significant[i].UserID = userID
	}
	if at.IsZero() {
		at = s.now()
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	if len(significant) > 0 {
		if err := s.events.SaveSignificantEvents(ctx, userID, significant); err != nil {
			metrics.AuditFailures.WithLabelValues("significant_events").Inc()
			s.logger.Warn("Failed to store significant events",
				zap.String("user_id", userID), zap.Int("count", len(significant)), zap.Error(err))
		}
	}

	start := time.Now()
	history, err := s.profiles.GetHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: read history: %v", ErrStorage, err)
	}
	window := make([]models.BehavioralProfile, len(history))
	for i, h := range history {
		window[i] = h.Profile
	}

	verdict, err := s.scorer.Score(scoring.ZScoreEnsemble, scoring.Input{Candidate: profile, History: window})
	if err != nil {
		return nil, err
	}
	s.observe(verdict, start)

	res := &SubmitResult{Verdict: verdict}
	res.RecordID = s.record(ctx, userID, models.SourceMonitor, verdict, at)

	if !verdict.IsAnomaly {
		if err := s.profiles.AppendHistory(ctx, userID, profile, at); err != nil {
			return nil, fmt.Errorf("%w: append history: %v", ErrStorage, err)
		}
	}

	// Degraded verdicts carry no signal in either direction.
	if verdict.Degraded {
		state, err := s.policy.Warnings(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: read escalation: %v", ErrStorage, err)
		}
		res.Escalation = state
	} else {
		state, err := s.policy.RecordVerdict(ctx, userID, verdict.IsAnomaly, verdict.Confidence)
		if err != nil {
			return nil, fmt.Errorf("%w: record escalation: %v", ErrStorage, err)
		}
		res.Escalation = state
	}
	res.Level = escalation.Level(res.Escalation)

	if verdict.IsAnomaly {
		s.logger.Warn("Behavioral anomaly detected",
			zap.String("user_id", userID),
			zap.Float64("confidence", verdict.Confidence),
			zap.Int("warning_count", res.Escalation.WarningCount),
			zap.Bool("force_logout", res.Escalation.ForceLogout))
	}
	return res, nil
}

// SubmitEvents synthesizes a raw event window and submits the profile.
func (s *BehaviorService) SubmitEvents(ctx context.Context, userID string, batch models.EventBatch, significant []models.SignificantEvent, trigger models.CollectionType, at time.Time) (*SubmitResult, error) {
	if err := s.validate.Struct(batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if at.IsZero() {
		at = s.now()
	}
	profile := synthesis.Synthesize(capture.Normalize(batch, s.doubleClick), at.UnixMilli())
	if trigger != "" {
		profile.CollectionType = trigger
	}
	return s.SubmitProfile(ctx, userID, profile, significant, at)
}

// SubmitCapture adapts the service to capture.SubmitFunc.
func (s *BehaviorService) SubmitCapture(ctx context.Context, sub capture.Submission) error {
	_, err := s.SubmitEvents(ctx, sub.UserID, sub.Batch, sub.SignificantEvents, sub.Trigger, sub.At)
	return err
}

// VerifyCapture adapts the service to capture.VerifyFunc for login sessions.
func (s *BehaviorService) VerifyCapture(ctx context.Context, sub capture.Submission) (any, error) {
	if err := s.validate.Struct(sub.Batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	at := sub.At
	if at.IsZero() {
		at = s.now()
	}
	profile := synthesis.Synthesize(capture.Normalize(sub.Batch, s.doubleClick), at.UnixMilli())
	profile.CollectionType = models.CollectionLogin
	return s.VerifyBehavior(ctx, sub.UserID, profile)
}

// VerifyBehavior checks a login-time profile against the stored baseline.
// The first verification stores the baseline; afterwards only normal
// candidates replace it.
func (s *BehaviorService) VerifyBehavior(ctx context.Context, userID string, candidate models.BehavioralProfile) (*VerifyResult, error) {
	if err := s.checkUserID(userID); err != nil {
		return nil, err
	}
	candidate.Normalize()
	candidate.CollectionType = models.CollectionLogin
	if err := s.checkProfile(candidate); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	at := s.now()
	baseline, err := s.profiles.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		if err := s.profiles.Put(ctx, userID, candidate, at); err != nil {
			return nil, fmt.Errorf("%w: store baseline: %v", ErrStorage, err)
		}
		verdict := scoring.Verdict{Strategy: scoring.Similarity, Degraded: true, Reason: scoring.FirstTimeReason}
		s.observe(verdict, time.Now())
		return &VerifyResult{
			RecordID:     s.record(ctx, userID, models.SourceLogin, verdict, at),
			IsFirstLogin: true,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read baseline: %v", ErrStorage, err)
	}

	start := time.Now()
	verdict, err := s.scorer.Score(scoring.Similarity, scoring.Input{Candidate: candidate, Baseline: &baseline.Profile})
	if err != nil {
		return nil, err
	}
	s.observe(verdict, start)

	res := &VerifyResult{
		RecordID:   s.record(ctx, userID, models.SourceLogin, verdict, at),
		IsAnomaly:  verdict.IsAnomaly,
		Confidence: verdict.Confidence,
		Verdict:    &verdict,
	}
	if !verdict.IsAnomaly {
		if err := s.profiles.Put(ctx, userID, candidate, at); err != nil {
			return nil, fmt.Errorf("%w: update baseline: %v", ErrStorage, err)
		}
	} else {
		s.logger.Warn("Login behavior does not match baseline",
			zap.String("user_id", userID),
			zap.Float64("similarity", verdict.Similarity))
	}
	return res, nil
}

func (s *BehaviorService) CheckWarnings(ctx context.Context, userID string) (*WarningStatus, error) {
	if err := s.checkUserID(userID); err != nil {
		return nil, err
	}
	state, err := s.policy.Warnings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &WarningStatus{
		WarningCount: state.WarningCount,
		ForceLogout:  state.ForceLogout,
		Level:        escalation.Level(state),
	}, nil
}

func (s *BehaviorService) CheckLockout(ctx context.Context, userID, capability string) (*models.LockoutStatus, error) {
	if err := s.checkIdentifiers(userID, capability); err != nil {
		return nil, err
	}
	status, err := s.policy.CheckLockout(ctx, userID, capability)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &status, nil
}

// Lock locks a capability for minutes (1 to 1440).
func (s *BehaviorService) Lock(ctx context.Context, userID, capability string, minutes int, reason string) (*models.LockoutStatus, error) {
	if err := s.checkIdentifiers(userID, capability); err != nil {
		return nil, err
	}
	if minutes < 1 || minutes > maxLockMinutes {
		return nil, fmt.Errorf("%w: minutes must be between 1 and %d", ErrValidation, maxLockMinutes)
	}
	status, err := s.policy.Lock(ctx, userID, capability, time.Duration(minutes)*time.Minute, util.SanitizeInput(reason))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &status, nil
}

// ReportAnomaly records an externally detected anomaly and applies the
// lockout rules to it.
func (s *BehaviorService) ReportAnomaly(ctx context.Context, userID string, report AnomalyReport) (*ReportResult, error) {
	if err := s.checkUserID(userID); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(report); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if util.ContainsSuspicious(report.Type) {
		return nil, fmt.Errorf("%w: invalid anomaly type", ErrValidation)
	}
	capability := report.Capability
	if capability == "" {
		capability = escalation.DefaultCapability
	}
	if err := s.checkIdentifiers(userID, capability); err != nil {
		return nil, err
	}
	confidence := defaultReportConfidence
	if report.Confidence != nil {
		confidence = *report.Confidence
	}

	rec := models.AnomalyRecord{
		ID:              uuid.NewString(),
		UserID:          userID,
		Timestamp:       s.now().UTC(),
		IsAnomaly:       true,
		ConfidenceScore: confidence * 100,
		Strategy:        report.Type,
		Source:          models.SourceReported,
		Details:         report.Type + ": " + util.SanitizeInput(report.Details),
	}
	s.append(ctx, rec)

	lock, err := s.policy.ApplyReport(ctx, userID, report.Type, capability, confidence)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &ReportResult{RecordID: rec.ID, Lockout: lock}, nil
}

// TrackNavigation records a section visit; anomalous visits are audited.
func (s *BehaviorService) TrackNavigation(ctx context.Context, userID, section string) (*NavigationResult, error) {
	if err := s.checkIdentifiers(userID, section); err != nil {
		return nil, err
	}
	res, err := s.policy.TrackNavigation(ctx, userID, section)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	out := &NavigationResult{NavigationResult: res}
	if res.Anomalous {
		rec := models.AnomalyRecord{
			ID:        uuid.NewString(),
			UserID:    userID,
			Timestamp: s.now().UTC(),
			IsAnomaly: true,
			Strategy:  "navigation",
			Source:    models.SourceNavigation,
			Details:   fmt.Sprintf("%s: %s", section, res.Reason),
		}
		s.append(ctx, rec)
		out.RecordID = rec.ID
	}
	return out, nil
}

// ResetEscalation clears a user's warnings, including a forced logout.
func (s *BehaviorService) ResetEscalation(ctx context.Context, userID string) error {
	if err := s.checkUserID(userID); err != nil {
		return err
	}
	err := s.locks.With(userID, func() error {
		return s.policy.Reset(ctx, userID)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.logger.Info("Escalation reset", zap.String("user_id", userID))
	return nil
}

// Unlock lifts a capability lockout before it expires. It returns
// ErrNotFound when the capability is not locked.
func (s *BehaviorService) Unlock(ctx context.Context, userID, capability string) error {
	if err := s.checkIdentifiers(userID, capability); err != nil {
		return err
	}
	var removed bool
	err := s.locks.With(userID, func() error {
		var err error
		removed, err = s.policy.Unlock(ctx, userID, capability)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !removed {
		return fmt.Errorf("%w: %s is not locked", ErrNotFound, capability)
	}
	s.logger.Info("Lockout lifted", zap.String("user_id", userID), zap.String("capability", capability))
	return nil
}

// ListSignificantEvents returns a user's flagged interactions, newest first.
func (s *BehaviorService) ListSignificantEvents(ctx context.Context, userID string, limit int) ([]models.SignificantEvent, error) {
	if err := s.checkUserID(userID); err != nil {
		return nil, err
	}
	events, err := s.events.ListSignificantEvents(ctx, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if events == nil {
		events = []models.SignificantEvent{}
	}
	return events, nil
}

// ListAnomalies returns the newest records first.
func (s *BehaviorService) ListAnomalies(ctx context.Context, userID string, limit int) ([]models.AnomalyRecord, error) {
	if err := s.checkUserID(userID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	recs, err := s.anomalies.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if recs == nil {
		recs = []models.AnomalyRecord{}
	}
	return recs, nil
}

// SearchAnomalies queries the review index for a user's anomalies at or above
// minConfidence (0-100).
func (s *BehaviorService) SearchAnomalies(ctx context.Context, userID string, minConfidence float64, limit int) ([]models.AnomalyRecord, error) {
	if s.searcher == nil {
		return nil, ErrUnavailable
	}
	if err := s.checkUserID(userID); err != nil {
		return nil, err
	}
	if minConfidence < 0 || minConfidence > 100 {
		return nil, fmt.Errorf("%w: minConfidence must be within 0-100", ErrValidation)
	}
	recs, err := s.searcher.Search(ctx, userID, minConfidence, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return recs, nil
}

// record writes the verdict's audit entry and returns its id.
func (s *BehaviorService) record(ctx context.Context, userID, source string, v scoring.Verdict, at time.Time) string {
	rec := models.AnomalyRecord{
		ID:              uuid.NewString(),
		UserID:          userID,
		Timestamp:       at.UTC(),
		IsAnomaly:       v.IsAnomaly,
		ConfidenceScore: v.ConfidencePercent(),
		Strategy:        v.Strategy.String(),
		Source:          source,
		Details:         v.Details(),
	}
	s.append(ctx, rec)
	return rec.ID
}

// append is best-effort; the log itself counts and logs failures.
func (s *BehaviorService) append(ctx context.Context, rec models.AnomalyRecord) {
	if err := s.anomalies.Append(ctx, rec); err != nil {
		s.logger.Debug("Anomaly record append failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func (s *BehaviorService) observe(v scoring.Verdict, start time.Time) {
	strategy := v.Strategy.String()
	metrics.Verdicts.WithLabelValues(strategy, metrics.Outcome(v.IsAnomaly, v.Degraded)).Inc()
	metrics.ScoringDuration.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
}

func (s *BehaviorService) checkUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if len(userID) > 128 {
		return fmt.Errorf("%w: user id too long", ErrValidation)
	}
	return nil
}

// checkIdentifiers validates the user id and path-style identifiers such as
// capability and section names.
func (s *BehaviorService) checkIdentifiers(userID string, ids ...string) error {
	if err := s.checkUserID(userID); err != nil {
		return err
	}
	for _, id := range ids {
		if id == "" || len(id) > maxIdentifierLength || util.ContainsSuspicious(id) {
			return fmt.Errorf("%w: invalid identifier %q", ErrValidation, id)
		}
	}
	return nil
}

func (s *BehaviorService) checkProfile(p models.BehavioralProfile) error {
	scalars := map[string]float64{
		"typingSpeed":     p.TypingSpeed,
		"mouseSpeed":      p.MouseSpeed,
		"clickFrequency":  p.ClickFrequency,
		"doubleClickRate": p.DoubleClickRate,
		"idleTime":        p.IdleTime,
		"sessionDuration": p.SessionDuration,
		"focusTime":       p.FocusTime,
		"entropy":         p.Entropy,
	}
	for name, v := range scalars {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrValidation, name)
		}
	}
	for _, seq := range [][]float64{
		p.TypingRhythm, p.KeyHoldTimes, p.MouseVelocities,
		p.MouseAcceleration, p.ClickIntervals, p.ScrollPattern,
	} {
		for _, v := range seq {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: sequence contains a non-finite value", ErrValidation)
			}
		}
	}
	if err := s.validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
