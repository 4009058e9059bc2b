// Package capture accumulates raw interaction events per session and turns
// them into time-ordered batches for synthesis.
package capture

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"behavior-guard/internal/metrics"
	"behavior-guard/internal/models"
)

// Recorder buffers events pushed by the host environment. Push never blocks:
// when the buffer is full the event is dropped and counted.
type Recorder struct {
	events      chan models.RawEvent
	doubleClick time.Duration
	dropped     atomic.Int64
}

func NewRecorder(bufferSize int, doubleClickThreshold time.Duration) *Recorder {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Recorder{
		events:      make(chan models.RawEvent, bufferSize),
		doubleClick: doubleClickThreshold,
	}
}

// Push enqueues ev and reports whether it was accepted.
func (r *Recorder) Push(ev models.RawEvent) bool {
	if ev == nil {
		return false
	}
	select {
	case r.events <- ev:
		return true
	default:
		r.dropped.Add(1)
		metrics.EventsDropped.Inc()
		return false
	}
}

// Drain empties whatever is buffered right now into a normalized batch.
func (r *Recorder) Drain() models.EventBatch {
	var batch models.EventBatch
	for {
		select {
		case ev := <-r.events:
			switch e := ev.(type) {
			case models.MouseMove:
				batch.Moves = append(batch.Moves, e)
			case models.KeyStroke:
				batch.Keys = append(batch.Keys, e)
			case models.Click:
				batch.Clicks = append(batch.Clicks, e)
			}
		default:
			return Normalize(batch, r.doubleClick)
		}
	}
}

func (r *Recorder) Buffered() int {
	return len(r.events)
}

func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Normalize returns a copy of batch with every sequence sorted by time and
// each click within threshold of the previous click tagged as a double-click.
func Normalize(batch models.EventBatch, threshold time.Duration) models.EventBatch {
	out := models.EventBatch{
		Moves:  append([]models.MouseMove{}, batch.Moves...),
		Keys:   append([]models.KeyStroke{}, batch.Keys...),
		Clicks: append([]models.Click{}, batch.Clicks...),
	}
	sort.SliceStable(out.Moves, func(i, j int) bool { return out.Moves[i].T < out.Moves[j].T })
	sort.SliceStable(out.Keys, func(i, j int) bool { return out.Keys[i].DownT < out.Keys[j].DownT })
	sort.SliceStable(out.Clicks, func(i, j int) bool { return out.Clicks[i].T < out.Clicks[j].T })

	limit := threshold.Milliseconds()
	for i := 1; i < len(out.Clicks); i++ {
		if out.Clicks[i].T-out.Clicks[i-1].T <= limit {
			out.Clicks[i].DoubleClick = true
		}
	}
	return out
}

// Capture runs a one-shot window: it waits for d (or ctx cancellation) and
// returns everything recorded so far. On cancellation the partial batch is
// returned together with ctx.Err().
func Capture(ctx context.Context, r *Recorder, d time.Duration) (models.EventBatch, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return r.Drain(), nil
	case <-ctx.Done():
		return r.Drain(), ctx.Err()
	}
}
