package scoring

import (
	"math"

	"behavior-guard/internal/models"
	"behavior-guard/internal/stats"
)

func (s *Scorer) similarity(candidate, baseline models.BehavioralProfile) Verdict {
	w := s.weights
	components := map[string]float64{}
	total := 0.0

	add := func(name string, weight float64, compute func() float64) {
		if weight == 0 {
			return
		}
		c := stats.Clamp(stats.Finite(compute()), 0, 1)
		components[name] = c
		total += c * weight
	}

	add(componentTypingSpeed, w.TypingSpeed, func() float64 {
		return ratioSimilarity(candidate.TypingSpeed, baseline.TypingSpeed, 1)
	})
	add(componentTypingRhythm, w.TypingRhythm, func() float64 {
		return prefixSimilarity(candidate.TypingRhythm, baseline.TypingRhythm, s.maxRhythmDeltaMs)
	})
	add(componentMouse, w.Mouse, func() float64 {
		return prefixSimilarity(candidate.MouseVelocities, baseline.MouseVelocities, s.maxVelocityDelta)
	})
	add(componentAcceleration, w.Acceleration, func() float64 {
		a, b := stats.Mean(candidate.MouseAcceleration), stats.Mean(baseline.MouseAcceleration)
		return 1 - math.Abs(a-b)/math.Max(math.Max(math.Abs(a), math.Abs(b)), 0.1)
	})
	add(componentClick, w.Click, func() float64 {
		rate := 1 - math.Abs(candidate.DoubleClickRate-baseline.DoubleClickRate)
		timing := prefixSimilarity(candidate.ClickIntervals, baseline.ClickIntervals, s.maxRhythmDeltaMs)
		return 0.5*stats.Clamp(rate, 0, 1) + 0.5*timing
	})
	add(componentEntropy, w.Entropy, func() float64 {
		return 1 - math.Abs(candidate.Entropy-baseline.Entropy)
	})
	add(componentSignature, w.Signature, func() float64 {
		if candidate.Signature == baseline.Signature {
			return 1
		}
		return 0.5
	})

	score := stats.Clamp(total, 0, 1)
	return Verdict{
		Strategy:   Similarity,
		IsAnomaly:  score < s.similarityThreshold,
		Confidence: 1 - score,
		Similarity: score,
		Components: components,
	}
}

// ratioSimilarity is 1 - |a-b| / max(a, b, floor).
func ratioSimilarity(a, b, floor float64) float64 {
	return 1 - math.Abs(a-b)/math.Max(math.Max(a, b), floor)
}

// prefixSimilarity averages |a[i]-b[i]| over the overlapping prefix and maps
// it to 1 - avg/norm. Two empty sequences match; one empty sequence does not.
func prefixSimilarity(a, b []float64, norm float64) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		if len(a) == 0 && len(b) == 0 {
			return 1
		}
		return 0
	}
	diff := 0.0
	for i := 0; i < n; i++ {
		diff += math.Abs(a[i] - b[i])
	}
	return stats.Clamp(1-stats.SafeDiv(diff/float64(n), norm), 0, 1)
}
