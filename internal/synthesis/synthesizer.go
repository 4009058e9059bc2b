// Package synthesis reduces a raw capture window into a BehavioralProfile.
package synthesis

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"behavior-guard/internal/models"
	"behavior-guard/internal/stats"
)

const (
	// ScrollNoiseFloor is the minimum |Δy| in pixels counted as a scroll step.
	ScrollNoiseFloor = 5.0

	// FocusGapMs is the largest inter-event gap still treated as active use.
	FocusGapMs = 2000

	// Entropy normalizers: variances at or above these saturate their channel.
	rhythmVarianceScale   = 1000.0
	velocityVarianceScale = 10.0
	clickVarianceScale    = 10000.0
)

// Synthesize computes the profile for batch as seen at now (Unix ms). It is a
// pure function: the batch is copied before sorting and the same input always
// yields the same profile.
func Synthesize(batch models.EventBatch, now int64) models.BehavioralProfile {
	moves := sortedMoves(batch.Moves)
	keys := sortedKeys(batch.Keys)
	clicks := sortedClicks(batch.Clicks)

	p := models.BehavioralProfile{
		TypingRhythm:      []float64{},
		KeyHoldTimes:      []float64{},
		MouseVelocities:   []float64{},
		MouseAcceleration: []float64{},
		ClickIntervals:    []float64{},
		ScrollPattern:     []float64{},
		CollectionType:    models.CollectionPeriodic,
	}

	keyTimes := make([]int64, len(keys))
	for i, k := range keys {
		keyTimes[i] = k.DownT
		p.KeyHoldTimes = append(p.KeyHoldTimes, float64(k.HoldTime()))
	}
	p.TypingSpeed = perMinute(keyTimes)
	p.TypingRhythm = intervals(keyTimes)

	p.MouseSpeed, p.MouseVelocities, p.MouseAcceleration = mouseDynamics(moves)
	p.ScrollPattern = scrollPattern(moves)

	clickTimes := make([]int64, len(clicks))
	doubles := 0
	for i, c := range clicks {
		clickTimes[i] = c.T
		if c.DoubleClick {
			doubles++
		}
	}
	p.ClickFrequency = perMinute(clickTimes)
	p.ClickIntervals = intervals(clickTimes)
	if len(clicks) > 0 {
		p.DoubleClickRate = float64(doubles) / float64(len(clicks))
	}

	merged := mergeTimes(moves, keyTimes, clickTimes)
	if len(merged) > 0 {
		p.IdleTime = stats.NonNegative(float64(now - merged[len(merged)-1]))
		p.SessionDuration = stats.NonNegative(float64(now - merged[0]))
		p.FocusTime = focusTime(merged)
	}

	p.Entropy = Entropy(p)
	p.Signature = Signature(p)
	return p
}

// perMinute is count × 60000 / span, the rate used for typing speed and click
// frequency. Fewer than two samples or a zero span yields 0.
func perMinute(times []int64) float64 {
	if len(times) < 2 {
		return 0
	}
	span := float64(times[len(times)-1] - times[0])
	return stats.NonNegative(stats.SafeDiv(float64(len(times))*60000, span))
}

func intervals(times []int64) []float64 {
	out := make([]float64, 0, max(len(times)-1, 0))
	for i := 1; i < len(times); i++ {
		out = append(out, float64(times[i]-times[i-1]))
	}
	return out
}

// mouseDynamics returns the overall speed (px/ms), the per-segment velocities
// and the acceleration at each interior sample.
func mouseDynamics(moves []models.MouseMove) (float64, []float64, []float64) {
	velocities := []float64{}
	accel := []float64{}
	if len(moves) < 2 {
		return 0, velocities, accel
	}

	total := 0.0
	for i := 1; i < len(moves); i++ {
		d := math.Hypot(moves[i].X-moves[i-1].X, moves[i].Y-moves[i-1].Y)
		total += d
		velocities = append(velocities, stats.SafeDiv(d, float64(moves[i].T-moves[i-1].T)))
	}
	elapsed := float64(moves[len(moves)-1].T - moves[0].T)
	speed := stats.NonNegative(stats.SafeDiv(total, elapsed))

	// velocities[i] covers moves[i]..moves[i+1]; interior sample i sits
	// between velocities[i-1] and velocities[i].
	for i := 1; i < len(moves)-1; i++ {
		dt := float64(moves[i+1].T - moves[i-1].T)
		accel = append(accel, stats.SafeDiv(velocities[i]-velocities[i-1], dt))
	}
	return speed, velocities, accel
}

func scrollPattern(moves []models.MouseMove) []float64 {
	out := []float64{}
	for i := 1; i < len(moves); i++ {
		dy := moves[i].Y - moves[i-1].Y
		if math.Abs(dy) > ScrollNoiseFloor {
			out = append(out, stats.Finite(dy))
		}
	}
	return out
}

func focusTime(merged []int64) float64 {
	total := 0.0
	for i := 1; i < len(merged); i++ {
		if gap := merged[i] - merged[i-1]; gap <= FocusGapMs {
			total += float64(gap)
		}
	}
	return total
}

// Entropy is the mean of three saturating variance channels (typing rhythm,
// pointer velocity, click intervals), in [0,1].
func Entropy(p models.BehavioralProfile) float64 {
	e := 0.0
	if len(p.TypingRhythm) > 1 {
		e += math.Min(stats.Variance(p.TypingRhythm)/rhythmVarianceScale, 1)
	}
	if len(p.MouseVelocities) > 1 {
		e += math.Min(stats.Variance(p.MouseVelocities)/velocityVarianceScale, 1)
	}
	if len(p.ClickIntervals) > 0 {
		e += math.Min(stats.Variance(p.ClickIntervals)/clickVarianceScale, 1)
	}
	return stats.Clamp(stats.Finite(e/3), 0, 1)
}

// Signature renders the behavioral DNA string: typing speed, the first five
// rhythm intervals, pointer speed and the first three click intervals.
func Signature(p models.BehavioralProfile) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(int64(p.TypingSpeed*10), 16))
	b.WriteByte('-')
	b.WriteString(joinInts(p.TypingRhythm, 5, 0))
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(int64(p.MouseSpeed*100), 16))
	b.WriteByte('-')
	b.WriteString(joinInts(p.ClickIntervals, 3, 1000))
	return b.String()
}

func joinInts(values []float64, limit int, mod int64) string {
	parts := make([]string, 0, limit)
	for i, v := range values {
		if i == limit {
			break
		}
		n := int64(math.Floor(v))
		if mod > 0 {
			n %= mod
		}
		parts = append(parts, strconv.FormatInt(n, 10))
	}
	return strings.Join(parts, "-")
}

func mergeTimes(moves []models.MouseMove, keyTimes, clickTimes []int64) []int64 {
	merged := make([]int64, 0, len(moves)+len(keyTimes)+len(clickTimes))
	for _, m := range moves {
		merged = append(merged, m.T)
	}
	merged = append(merged, keyTimes...)
	merged = append(merged, clickTimes...)
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	return merged
}

func sortedMoves(in []models.MouseMove) []models.MouseMove {
	out := append([]models.MouseMove(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].T < out[j].T })
	return out
}

func sortedKeys(in []models.KeyStroke) []models.KeyStroke {
	out := append([]models.KeyStroke(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DownT < out[j].DownT })
	return out
}

func sortedClicks(in []models.Click) []models.Click {
	out := append([]models.Click(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].T < out[j].T })
	return out
}
