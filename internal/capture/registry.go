package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"behavior-guard/internal/config"
	"behavior-guard/internal/metrics"
)

var (
	ErrSessionNotFound  = errors.New("monitoring session not found")
	ErrSessionForbidden = errors.New("monitoring session belongs to another user")
	ErrTooManySessions  = errors.New("too many open monitoring sessions")
	ErrLoginUnavailable = errors.New("login capture is not configured")
)

// Registry owns one Monitor per active session. Monitors are created on
// session start and torn down on session end, on idle expiry, or at shutdown.
type Registry struct {
	cfg    config.CaptureConfig
	submit SubmitFunc
	verify VerifyFunc
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Monitor
	perUser  map[string]int
}

func NewRegistry(cfg config.CaptureConfig, submit SubmitFunc, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		submit:   submit,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Monitor),
		perUser:  make(map[string]int),
	}
}

// WithVerifier enables login sessions.
func (r *Registry) WithVerifier(verify VerifyFunc) *Registry {
	r.verify = verify
	return r
}

// WithClock overrides the time source used for idle tracking.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Start creates and starts a continuous monitor for userID. The monitor
// outlives the request that created it; ctx only carries values.
func (r *Registry) Start(ctx context.Context, userID string) (*Monitor, error) {
	sessionID := uuid.NewString()
	rec := NewRecorder(r.cfg.BufferSize, r.cfg.DoubleClickThreshold)
	m := NewMonitor(sessionID, userID, rec, r.cfg.MonitorInterval, r.submit, r.logger).WithClock(r.now)
	if err := r.register(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// StartLogin creates a one-shot session that records for the configured
// login window and then verifies it against the user's baseline.
func (r *Registry) StartLogin(ctx context.Context, userID string) (*Monitor, error) {
	if r.verify == nil {
		return nil, ErrLoginUnavailable
	}
	sessionID := uuid.NewString()
	rec := NewRecorder(r.cfg.BufferSize, r.cfg.DoubleClickThreshold)
	m := NewLoginMonitor(sessionID, userID, rec, r.cfg.OneShotDuration, r.verify, r.logger).WithClock(r.now)
	if err := r.register(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Registry) register(ctx context.Context, m *Monitor) error {
	r.mu.Lock()
	if limit := r.cfg.MaxSessionsPerUser; limit > 0 && r.perUser[m.UserID()] >= limit {
		r.mu.Unlock()
		return ErrTooManySessions
	}
	r.sessions[m.SessionID()] = m
	r.perUser[m.UserID()]++
	r.mu.Unlock()

	m.Start(context.WithoutCancel(ctx))
	metrics.ActiveSessions.Inc()
	r.logger.Info("monitoring session started",
		zap.String("session_id", m.SessionID()),
		zap.String("user_id", m.UserID()),
		zap.String("mode", string(m.Mode())))
	return nil
}

// Get returns the session monitor if it exists and belongs to userID.
func (r *Registry) Get(sessionID, userID string) (*Monitor, error) {
	r.mu.Lock()
	m, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.UserID() != userID {
		return nil, ErrSessionForbidden
	}
	return m, nil
}

// Stop tears the session down, flushing a final window first. Of two
// concurrent calls for the same session only one succeeds.
func (r *Registry) Stop(ctx context.Context, sessionID, userID string) error {
	r.mu.Lock()
	m, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if m.UserID() != userID {
		r.mu.Unlock()
		return ErrSessionForbidden
	}
	r.remove(m)
	r.mu.Unlock()

	r.teardown(ctx, m, "stopped")
	return nil
}

// remove drops m from the indexes. Callers hold r.mu.
func (r *Registry) remove(m *Monitor) {
	delete(r.sessions, m.SessionID())
	if r.perUser[m.UserID()] <= 1 {
		delete(r.perUser, m.UserID())
	} else {
		r.perUser[m.UserID()]--
	}
}

func (r *Registry) teardown(ctx context.Context, m *Monitor, reason string) {
	m.Stop()
	m.Flush(context.WithoutCancel(ctx))
	metrics.ActiveSessions.Dec()

	submitted, skipped := m.Stats()
	r.logger.Info("monitoring session "+reason,
		zap.String("session_id", m.SessionID()),
		zap.Int64("submitted", submitted),
		zap.Int64("skipped", skipped))
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reap tears down every session with no client activity for the configured
// idle timeout and returns how many it removed.
func (r *Registry) Reap(ctx context.Context) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var idle []*Monitor
	for _, m := range r.sessions {
		if m.IdleSince().Before(cutoff) {
			idle = append(idle, m)
			r.remove(m)
		}
	}
	r.mu.Unlock()

	for _, m := range idle {
		r.teardown(ctx, m, "expired")
	}
	return len(idle)
}

// RunReaper calls Reap periodically until ctx is cancelled.
func (r *Registry) RunReaper(ctx context.Context) {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Reap(ctx); n > 0 {
				r.logger.Info("idle monitoring sessions expired", zap.Int("count", n))
			}
		}
	}
}

// Shutdown stops every monitor and submits its final window. It returns
// ctx.Err() if the flushes do not finish in time; submissions already
// started keep running against the stores.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Monitor)
	r.perUser = make(map[string]int)
	r.mu.Unlock()

	var g errgroup.Group
	for _, m := range sessions {
		g.Go(func() error {
			r.teardown(ctx, m, "stopped at shutdown")
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
