// Package scoring compares a candidate profile against a user's baseline or
// historical window and produces an anomaly verdict.
package scoring

import (
	"errors"
	"fmt"
	"strings"

	"behavior-guard/internal/config"
	"behavior-guard/internal/models"
)

var (
	ErrMissingBaseline = errors.New("similarity scoring requires a baseline profile")
	ErrUnknownStrategy = errors.New("unknown scoring strategy")
	ErrInvalidWeights  = errors.New("similarity weights must sum to 1")
)

// Strategy selects how a candidate is judged. Each call path picks one
// explicitly: login verification uses Similarity, continuous monitoring uses
// ZScoreEnsemble.
type Strategy int

const (
	Similarity Strategy = iota
	ZScoreEnsemble
)

func (s Strategy) String() string {
	switch s {
	case Similarity:
		return "similarity"
	case ZScoreEnsemble:
		return "zscore_ensemble"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// FirstTimeReason marks a verdict produced without any history to compare to.
const FirstTimeReason = "first-time behavior"

// Input carries what a strategy reads. Baseline is required for Similarity,
// History for ZScoreEnsemble.
type Input struct {
	Candidate models.BehavioralProfile
	Baseline  *models.BehavioralProfile
	History   []models.BehavioralProfile
}

// MetricScore is one z-score channel of the ensemble.
type MetricScore struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"stdDev"`
	Z         float64 `json:"z"`
	Anomalous bool    `json:"anomalous"`
}

// Verdict is the outcome of one scoring call. Confidence is in [0,1].
// Degraded verdicts (no history, zero variance everywhere) are never anomalous.
type Verdict struct {
	Strategy   Strategy           `json:"-"`
	IsAnomaly  bool               `json:"isAnomaly"`
	Confidence float64            `json:"confidence"`
	Similarity float64            `json:"similarity,omitempty"`
	Components map[string]float64 `json:"components,omitempty"`
	Metrics    []MetricScore      `json:"metrics,omitempty"`
	Degraded   bool               `json:"degraded,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// ConfidencePercent is the 0-100 form stored on anomaly records.
func (v Verdict) ConfidencePercent() float64 {
	return v.Confidence * 100
}

// Details renders a short human-readable explanation for the audit trail.
func (v Verdict) Details() string {
	if v.Reason != "" && len(v.Metrics) == 0 && len(v.Components) == 0 {
		return v.Reason
	}

	var b strings.Builder
	switch v.Strategy {
	case Similarity:
		fmt.Fprintf(&b, "similarity=%.3f", v.Similarity)
		for _, name := range componentOrder {
			if c, ok := v.Components[name]; ok {
				fmt.Fprintf(&b, " %s=%.3f", name, c)
			}
		}
	case ZScoreEnsemble:
		var flagged []string
		for _, m := range v.Metrics {
			fmt.Fprintf(&b, "%s z=%.2f ", m.Name, m.Z)
			if m.Anomalous {
				flagged = append(flagged, m.Name)
			}
		}
		if len(flagged) > 0 {
			fmt.Fprintf(&b, "anomalous=[%s]", strings.Join(flagged, ","))
		}
	}
	if v.Reason != "" {
		fmt.Fprintf(&b, " (%s)", v.Reason)
	}
	return strings.TrimSpace(b.String())
}

// Scorer holds the thresholds and weights loaded from config. It is safe for
// concurrent use; it keeps no state between calls.
type Scorer struct {
	similarityThreshold  float64
	weights              Weights
	zThreshold           float64
	minAnomalousMetrics  int
	maxRhythmDeltaMs     float64
	maxVelocityDelta     float64
	confidenceMultiplier float64
}

func NewScorer(cfg config.ScoringConfig) (*Scorer, error) {
	w, err := WeightsForPreset(cfg.WeightPreset)
	if err != nil {
		return nil, err
	}
	return &Scorer{
		similarityThreshold:  cfg.SimilarityThreshold,
		weights:              w,
		zThreshold:           cfg.ZScoreThreshold,
		minAnomalousMetrics:  cfg.MinAnomalousMetrics,
		maxRhythmDeltaMs:     cfg.MaxRhythmDeltaMs,
		maxVelocityDelta:     cfg.MaxVelocityDelta,
		confidenceMultiplier: cfg.ConfidenceMultiplier,
	}, nil
}

// Score runs the requested strategy.
func (s *Scorer) Score(strategy Strategy, in Input) (Verdict, error) {
	switch strategy {
	case Similarity:
		if in.Baseline == nil {
			return Verdict{}, ErrMissingBaseline
		}
		return s.similarity(in.Candidate, *in.Baseline), nil
	case ZScoreEnsemble:
		return s.zscore(in.Candidate, in.History), nil
	default:
		return Verdict{}, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(strategy))
	}
}

// Weights exposes the active similarity weights.
func (s *Scorer) Weights() Weights {
	return s.weights
}
