package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"behavior-guard/internal/metrics"
	"behavior-guard/internal/models"
)

// Submission is one monitoring window handed to the synthesis pipeline.
type Submission struct {
	SessionID         string
	UserID            string
	Batch             models.EventBatch
	SignificantEvents []models.SignificantEvent
	Trigger           models.CollectionType
	At                time.Time
}

// SubmitFunc synthesizes and scores a submission.
type SubmitFunc func(ctx context.Context, sub Submission) error

// VerifyFunc scores a one-shot login window and returns the verdict to show
// the client.
type VerifyFunc func(ctx context.Context, sub Submission) (any, error)

// Mode selects how a session turns buffered events into submissions.
type Mode string

const (
	// ModeMonitor submits a window on every interval tick.
	ModeMonitor Mode = "monitor"
	// ModeLogin captures one fixed-duration window and verifies it.
	ModeLogin Mode = "login"
)

// Outcome is the result of a login capture.
type Outcome struct {
	Result      any       `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Events      int       `json:"events"`
	CompletedAt time.Time `json:"completedAt"`
}

// Monitor drives continuous capture for one session. Ticks fire on an interval
// or immediately when a significant event is flagged; at most one submission
// is in flight and a tick that finds one running is skipped, never queued.
type Monitor struct {
	sessionID string
	userID    string
	mode      Mode
	recorder  *Recorder
	interval  time.Duration
	submit    SubmitFunc
	verify    VerifyFunc
	logger    *zap.Logger
	now       func() time.Time

	inFlight atomic.Bool
	wake     chan struct{}
	lastSeen atomic.Int64

	mu      sync.Mutex
	pending []models.SignificantEvent
	outcome *Outcome

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running sync.WaitGroup

	submitted atomic.Int64
	skipped   atomic.Int64
}

func NewMonitor(sessionID, userID string, recorder *Recorder, interval time.Duration, submit SubmitFunc, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		sessionID: sessionID,
		userID:    userID,
		mode:      ModeMonitor,
		recorder:  recorder,
		interval:  interval,
		submit:    submit,
		logger:    logger.With(zap.String("session_id", sessionID), zap.String("user_id", userID)),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
	m.touch()
	return m
}

// NewLoginMonitor builds a session that records for window and then hands the
// whole window to verify once.
func NewLoginMonitor(sessionID, userID string, recorder *Recorder, window time.Duration, verify VerifyFunc, logger *zap.Logger) *Monitor {
	m := NewMonitor(sessionID, userID, recorder, window, nil, logger)
	m.mode = ModeLogin
	m.verify = verify
	return m
}

// WithClock overrides the time source for submissions and idle tracking.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	m.touch()
	return m
}

func (m *Monitor) SessionID() string { return m.sessionID }
func (m *Monitor) UserID() string    { return m.userID }
func (m *Monitor) Mode() Mode        { return m.mode }

// Buffered returns the events waiting for the next window.
func (m *Monitor) Buffered() int { return m.recorder.Buffered() }

// Dropped returns how many events the recorder rejected.
func (m *Monitor) Dropped() int64 { return m.recorder.Dropped() }

func (m *Monitor) touch() {
	m.lastSeen.Store(m.now().UnixNano())
}

// IdleSince returns when the client last pushed anything.
func (m *Monitor) IdleSince() time.Time {
	return time.Unix(0, m.lastSeen.Load())
}

// Outcome returns the login verdict once the window has been verified.
func (m *Monitor) Outcome() (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcome == nil {
		return Outcome{}, false
	}
	return *m.outcome, true
}

// Push forwards a raw event to the session recorder without blocking.
func (m *Monitor) Push(ev models.RawEvent) bool {
	m.touch()
	return m.recorder.Push(ev)
}

// Flag records a significant event and requests an immediate tick.
func (m *Monitor) Flag(ev models.SignificantEvent) {
	m.touch()
	m.mu.Lock()
	m.pending = append(m.pending, ev)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start launches the tick loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	if m.mode == ModeLogin {
		go m.captureOnce(ctx, m.done)
		return
	}
	go m.loop(ctx, m.done)
}

// captureOnce records one login window. Ending the session early verifies
// whatever was captured up to that point.
func (m *Monitor) captureOnce(ctx context.Context, done chan struct{}) {
	defer close(done)

	batch, err := Capture(ctx, m.recorder, m.interval)
	if err != nil {
		m.logger.Debug("login capture ended early", zap.Error(err))
	}

	m.mu.Lock()
	significant := m.pending
	m.pending = nil
	m.mu.Unlock()

	out := &Outcome{Events: batch.Len()}
	if batch.Len() == 0 {
		out.Error = "no events captured"
		metrics.MonitorTicks.WithLabelValues("empty").Inc()
	} else {
		res, err := m.verify(context.WithoutCancel(ctx), Submission{
			SessionID:         m.sessionID,
			UserID:            m.userID,
			Batch:             batch,
			SignificantEvents: significant,
			Trigger:           models.CollectionLogin,
			At:                m.now(),
		})
		if err != nil {
			m.logger.Error("login verification failed", zap.Int("events", batch.Len()), zap.Error(err))
			out.Error = err.Error()
		} else {
			out.Result = res
			m.submitted.Add(1)
			metrics.MonitorTicks.WithLabelValues("submitted").Inc()
		}
	}
	out.CompletedAt = m.now()

	m.mu.Lock()
	m.outcome = out
	m.mu.Unlock()
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx, models.CollectionPeriodic)
		case <-m.wake:
			m.Tick(ctx, models.CollectionActivity)
		}
	}
}

// Tick drains the recorder and submits the window asynchronously. It returns
// false when the tick was skipped because a submission is still in flight or
// there was nothing to submit.
func (m *Monitor) Tick(ctx context.Context, trigger models.CollectionType) bool {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.skipped.Add(1)
		metrics.MonitorTicks.WithLabelValues("skipped").Inc()
		m.logger.Debug("monitor tick skipped, submission in flight")
		return false
	}

	batch := m.recorder.Drain()
	m.mu.Lock()
	significant := m.pending
	m.pending = nil
	m.mu.Unlock()

	if batch.Len() == 0 && len(significant) == 0 {
		m.inFlight.Store(false)
		metrics.MonitorTicks.WithLabelValues("empty").Inc()
		return false
	}

	sub := Submission{
		SessionID:         m.sessionID,
		UserID:            m.userID,
		Batch:             batch,
		SignificantEvents: significant,
		Trigger:           trigger,
		At:                m.now(),
	}

	m.running.Add(1)
	go func() {
		defer m.running.Done()
		defer m.inFlight.Store(false)

		// A window already drained must be stored even if the session ends now.
		if err := m.submit(context.WithoutCancel(ctx), sub); err != nil {
			m.logger.Error("monitor submission failed",
				zap.String("trigger", string(trigger)),
				zap.Int("events", batch.Len()),
				zap.Error(err))
			return
		}
		m.submitted.Add(1)
		metrics.MonitorTicks.WithLabelValues("submitted").Inc()
	}()
	return true
}

// Stop ends the tick loop and waits for an in-flight submission to finish.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.running.Wait()
}

// Flush submits whatever is buffered and waits for it, regardless of the
// tick loop state. A login session has nothing to flush once stopped.
func (m *Monitor) Flush(ctx context.Context) {
	if m.mode == ModeLogin {
		return
	}
	m.running.Wait()
	m.Tick(ctx, models.CollectionPeriodic)
	m.running.Wait()
}

// Stats returns how many windows were submitted and how many ticks were skipped.
func (m *Monitor) Stats() (submitted, skipped int64) {
	return m.submitted.Load(), m.skipped.Load()
}
