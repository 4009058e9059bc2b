package scoring

import (
	"math"

	"behavior-guard/internal/models"
	"behavior-guard/internal/stats"
)

type metric struct {
	name  string
	value func(models.BehavioralProfile) float64
}

// ensembleMetrics is the fixed channel set of the z-score gate.
var ensembleMetrics = []metric{
	{"typingSpeed", func(p models.BehavioralProfile) float64 { return p.TypingSpeed }},
	{"mouseSpeed", func(p models.BehavioralProfile) float64 { return p.MouseSpeed }},
	{"clickFrequency", func(p models.BehavioralProfile) float64 { return p.ClickFrequency }},
	{"focusTime", func(p models.BehavioralProfile) float64 { return p.FocusTime }},
}

func (s *Scorer) zscore(candidate models.BehavioralProfile, history []models.BehavioralProfile) Verdict {
	if len(history) == 0 {
		return Verdict{
			Strategy: ZScoreEnsemble,
			Degraded: true,
			Reason:   FirstTimeReason,
		}
	}

	scores := make([]MetricScore, 0, len(ensembleMetrics))
	sumZ := 0.0
	anomalous := 0
	zeroVariance := 0

	for _, m := range ensembleMetrics {
		values := make([]float64, len(history))
		for i, h := range history {
			values[i] = m.value(h)
		}
		ms := MetricScore{
			Name:   m.name,
			Value:  m.value(candidate),
			Mean:   stats.Mean(values),
			StdDev: stats.StdDev(values),
		}
		// Undefined deviation never counts against the user.
		if ms.StdDev > 0 {
			ms.Z = stats.Finite(math.Abs(ms.Value-ms.Mean) / ms.StdDev)
			ms.Anomalous = ms.Z > s.zThreshold
		} else {
			zeroVariance++
		}
		if ms.Anomalous {
			anomalous++
		}
		sumZ += ms.Z
		scores = append(scores, ms)
	}

	percent := math.Min(sumZ/float64(len(ensembleMetrics))*s.confidenceMultiplier, 100)
	v := Verdict{
		Strategy:   ZScoreEnsemble,
		IsAnomaly:  anomalous >= s.minAnomalousMetrics,
		Confidence: stats.Clamp(percent/100, 0, 1),
		Metrics:    scores,
	}
	if zeroVariance == len(ensembleMetrics) {
		v.Degraded = true
		v.Reason = "zero variance in history"
	}
	return v
}
