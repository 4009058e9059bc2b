package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"behavior-guard/internal/config"
	"behavior-guard/internal/models"
)

func TestRecorder_PushDropsWhenFull(t *testing.T) {
	r := NewRecorder(2, 300*time.Millisecond)

	assert.True(t, r.Push(models.MouseMove{T: 1}))
	assert.True(t, r.Push(models.MouseMove{T: 2}))
	assert.False(t, r.Push(models.MouseMove{T: 3}))
	assert.False(t, r.Push(nil))

	assert.Equal(t, int64(1), r.Dropped())
	assert.Equal(t, 2, r.Buffered())

	batch := r.Drain()
	assert.Len(t, batch.Moves, 2)
	assert.Zero(t, r.Buffered())
}

func TestRecorder_DrainSortsAndTagsDoubleClicks(t *testing.T) {
	r := NewRecorder(16, 300*time.Millisecond)
	r.Push(models.Click{T: 1000})
	r.Push(models.KeyStroke{Key: "b", DownT: 50, UpT: 90})
	r.Push(models.Click{T: 500})
	r.Push(models.Click{T: 1250})
	r.Push(models.KeyStroke{Key: "a", DownT: 10, UpT: 40})
	r.Push(models.MouseMove{X: 1, T: 20})

	batch := r.Drain()

	require.Len(t, batch.Clicks, 3)
	assert.Equal(t, []int64{500, 1000, 1250}, []int64{batch.Clicks[0].T, batch.Clicks[1].T, batch.Clicks[2].T})
	assert.False(t, batch.Clicks[0].DoubleClick)
	assert.False(t, batch.Clicks[1].DoubleClick)
	assert.True(t, batch.Clicks[2].DoubleClick)

	require.Len(t, batch.Keys, 2)
	assert.Equal(t, "a", batch.Keys[0].Key)
	assert.Len(t, batch.Moves, 1)
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	in := models.EventBatch{Clicks: []models.Click{{T: 300}, {T: 100}}}
	out := Normalize(in, 300*time.Millisecond)

	assert.Equal(t, int64(300), in.Clicks[0].T)
	assert.Equal(t, int64(100), out.Clicks[0].T)
	assert.True(t, out.Clicks[1].DoubleClick)
}

func TestCapture_ResolvesAfterDuration(t *testing.T) {
	r := NewRecorder(8, 300*time.Millisecond)
	go func() {
		r.Push(models.KeyStroke{Key: "x", DownT: 1, UpT: 2})
	}()

	batch, err := Capture(context.Background(), r, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, batch.Keys, 1)
}

func TestCapture_Cancelled(t *testing.T) {
	r := NewRecorder(8, 300*time.Millisecond)
	r.Push(models.Click{T: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := Capture(ctx, r, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, batch.Clicks, 1)
}

func TestMonitor_SkipsTickWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan Submission, 4)
	submit := func(ctx context.Context, sub Submission) error {
		started <- sub
		<-release
		return nil
	}

	rec := NewRecorder(16, 300*time.Millisecond)
	m := NewMonitor("s1", "u1", rec, time.Hour, submit, zaptest.NewLogger(t))

	m.Push(models.MouseMove{T: 1})
	require.True(t, m.Tick(context.Background(), models.CollectionPeriodic))
	<-started

	m.Push(models.MouseMove{T: 2})
	assert.False(t, m.Tick(context.Background(), models.CollectionPeriodic))
	assert.False(t, m.Tick(context.Background(), models.CollectionPeriodic))

	close(release)
	m.Stop()

	submitted, skipped := m.Stats()
	assert.Equal(t, int64(1), submitted)
	assert.Equal(t, int64(2), skipped)
	// The skipped window stays buffered for the next tick.
	assert.Equal(t, 1, rec.Buffered())
}

func TestMonitor_EmptyWindowIsNotSubmitted(t *testing.T) {
	called := false
	m := NewMonitor("s1", "u1", NewRecorder(4, 0), time.Hour, func(context.Context, Submission) error {
		called = true
		return nil
	}, nil)

	assert.False(t, m.Tick(context.Background(), models.CollectionPeriodic))
	m.Stop()
	assert.False(t, called)
}

func TestMonitor_SignificantEventTriggersImmediateTick(t *testing.T) {
	got := make(chan Submission, 1)
	m := NewMonitor("s1", "u1", NewRecorder(16, 300*time.Millisecond), time.Hour,
		func(_ context.Context, sub Submission) error {
			got <- sub
			return nil
		}, zaptest.NewLogger(t))

	m.Start(context.Background())
	defer m.Stop()

	m.Push(models.Click{T: 10})
	m.Flag(models.SignificantEvent{Type: "transfer_confirm", Timestamp: 11})

	select {
	case sub := <-got:
		assert.Equal(t, models.CollectionActivity, sub.Trigger)
		require.Len(t, sub.SignificantEvents, 1)
		assert.Equal(t, "transfer_confirm", sub.SignificantEvents[0].Type)
		assert.Len(t, sub.Batch.Clicks, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("significant event did not trigger a tick")
	}
}

func TestMonitor_PeriodicTicks(t *testing.T) {
	var mu sync.Mutex
	count := 0
	m := NewMonitor("s1", "u1", NewRecorder(64, 0), 10*time.Millisecond,
		func(context.Context, Submission) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		}, nil)

	m.Start(context.Background())
	for i := 0; i < 5; i++ {
		m.Push(models.MouseMove{T: int64(i)})
		time.Sleep(20 * time.Millisecond)
	}
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, count, 1)
}

func TestRegistry_Lifecycle(t *testing.T) {
	cfg := config.Defaults().Capture
	cfg.MonitorInterval = time.Hour

	var mu sync.Mutex
	var subs []Submission
	reg := NewRegistry(cfg, func(_ context.Context, sub Submission) error {
		mu.Lock()
		subs = append(subs, sub)
		mu.Unlock()
		return nil
	}, zaptest.NewLogger(t))

	m, err := reg.Start(context.Background(), "alice")
	require.NoError(t, err)
	require.NotEmpty(t, m.SessionID())
	assert.Equal(t, 1, reg.Len())

	_, err = reg.Get(m.SessionID(), "mallory")
	assert.ErrorIs(t, err, ErrSessionForbidden)
	_, err = reg.Get("missing", "alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, err := reg.Get(m.SessionID(), "alice")
	require.NoError(t, err)
	got.Push(models.KeyStroke{Key: "a", DownT: 1, UpT: 5})

	require.NoError(t, reg.Stop(context.Background(), m.SessionID(), "alice"))
	assert.Zero(t, reg.Len())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, subs, 1, "final window flushed on stop")
	assert.Equal(t, "alice", subs[0].UserID)
	assert.Len(t, subs[0].Batch.Keys, 1)

	assert.ErrorIs(t, reg.Stop(context.Background(), m.SessionID(), "alice"), ErrSessionNotFound)
}

type submissionLog struct {
	mu   sync.Mutex
	subs []Submission
}

func (l *submissionLog) submit(_ context.Context, sub Submission) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, sub)
	return nil
}

func (l *submissionLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func TestRegistry_ShutdownFlushesBufferedEvents(t *testing.T) {
	cfg := config.Defaults().Capture
	cfg.MonitorInterval = time.Hour
	log := &submissionLog{}
	reg := NewRegistry(cfg, log.submit, zaptest.NewLogger(t))

	for _, user := range []string{"alice", "bob"} {
		m, err := reg.Start(context.Background(), user)
		require.NoError(t, err)
		m.Push(models.KeyStroke{Key: "a", DownT: 1, UpT: 5})
		m.Push(models.KeyStroke{Key: "b", DownT: 9, UpT: 14})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reg.Shutdown(ctx))

	assert.Zero(t, reg.Len())
	require.Equal(t, 2, log.len(), "one final window per session")
	for _, sub := range log.subs {
		assert.Len(t, sub.Batch.Keys, 2)
	}
}

func TestRegistry_ShutdownHonoursDeadline(t *testing.T) {
	cfg := config.Defaults().Capture
	cfg.MonitorInterval = time.Hour
	release := make(chan struct{})
	defer close(release)
	reg := NewRegistry(cfg, func(context.Context, Submission) error {
		<-release
		return nil
	}, zaptest.NewLogger(t))

	m, err := reg.Start(context.Background(), "alice")
	require.NoError(t, err)
	m.Push(models.MouseMove{T: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, reg.Shutdown(ctx), context.DeadlineExceeded)
}

func TestRegistry_ConcurrentStopSucceedsOnce(t *testing.T) {
	cfg := config.Defaults().Capture
	cfg.MonitorInterval = time.Hour
	log := &submissionLog{}
	reg := NewRegistry(cfg, log.submit, zaptest.NewLogger(t))

	m, err := reg.Start(context.Background(), "alice")
	require.NoError(t, err)
	m.Push(models.MouseMove{T: 1})

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- reg.Stop(context.Background(), m.SessionID(), "alice")
		}()
	}
	wg.Wait()
	close(errs)

	var ok, notFound int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrSessionNotFound):
			notFound++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, notFound)
	assert.Equal(t, 1, log.len())
}

func TestRegistry_PerUserSessionCap(t *testing.T) {
	cfg := config.Defaults().Capture
	cfg.MonitorInterval = time.Hour
	cfg.MaxSessionsPerUser = 2
	reg := NewRegistry(cfg, (&submissionLog{}).submit, zaptest.NewLogger(t))
	ctx := context.Background()
	t.Cleanup(func() { _ = reg.Shutdown(ctx) })

	first, err := reg.Start(ctx, "alice")
	require.NoError(t, err)
	_, err = reg.Start(ctx, "alice")
	require.NoError(t, err)

	_, err = reg.Start(ctx, "alice")
	assert.ErrorIs(t, err, ErrTooManySessions)
	_, err = reg.Start(ctx, "bob")
	assert.NoError(t, err, "the cap is per user")

	require.NoError(t, reg.Stop(ctx, first.SessionID(), "alice"))
	_, err = reg.Start(ctx, "alice")
	assert.NoError(t, err)
}

func TestRegistry_ReapExpiresIdleSessions(t *testing.T) {
	cfg := config.Defaults().Capture
	cfg.MonitorInterval = time.Hour
	cfg.IdleTimeout = 10 * time.Minute

	var mu sync.Mutex
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	log := &submissionLog{}
	reg := NewRegistry(cfg, log.submit, zaptest.NewLogger(t)).WithClock(clock)
	ctx := context.Background()

	idle, err := reg.Start(ctx, "alice")
	require.NoError(t, err)
	idle.Push(models.MouseMove{T: 1})
	active, err := reg.Start(ctx, "bob")
	require.NoError(t, err)

	advance(8 * time.Minute)
	active.Push(models.MouseMove{T: 2})
	assert.Zero(t, reg.Reap(ctx))

	advance(5 * time.Minute)
	assert.Equal(t, 1, reg.Reap(ctx))
	assert.Equal(t, 1, reg.Len())
	_, err = reg.Get(idle.SessionID(), "alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 1, log.len(), "expired session flushed its window")

	_, err = reg.Get(active.SessionID(), "bob")
	assert.NoError(t, err)
	require.NoError(t, reg.Shutdown(ctx))
}

func TestRegistry_LoginSessionVerifiesOneWindow(t *testing.T) {
	cfg := config.Defaults().Capture
	cfg.OneShotDuration = 50 * time.Millisecond

	var mu sync.Mutex
	var got []Submission
	reg := NewRegistry(cfg, nil, zaptest.NewLogger(t)).WithVerifier(func(_ context.Context, sub Submission) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, sub)
		return "verified", nil
	})
	ctx := context.Background()

	m, err := reg.StartLogin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ModeLogin, m.Mode())
	m.Push(models.KeyStroke{Key: "p", DownT: 1, UpT: 60})
	m.Flag(models.SignificantEvent{Type: "login_submit"})

	require.Eventually(t, func() bool {
		_, done := m.Outcome()
		return done
	}, 2*time.Second, 10*time.Millisecond)

	out, _ := m.Outcome()
	assert.Equal(t, "verified", out.Result)
	assert.Equal(t, 1, out.Events)
	assert.Empty(t, out.Error)

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, models.CollectionLogin, got[0].Trigger)
	assert.Len(t, got[0].SignificantEvents, 1)
	mu.Unlock()

	// Stopping a finished login session submits nothing further.
	require.NoError(t, reg.Stop(ctx, m.SessionID(), "alice"))
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestRegistry_LoginSessionStoppedEarlyVerifiesPartialWindow(t *testing.T) {
	cfg := config.Defaults().Capture
	cfg.OneShotDuration = time.Hour

	calls := 0
	reg := NewRegistry(cfg, nil, zaptest.NewLogger(t)).WithVerifier(func(context.Context, Submission) (any, error) {
		calls++
		return nil, nil
	})
	ctx := context.Background()

	empty, err := reg.StartLogin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, reg.Stop(ctx, empty.SessionID(), "alice"))
	out, done := empty.Outcome()
	require.True(t, done)
	assert.Equal(t, "no events captured", out.Error)
	assert.Zero(t, calls)

	m, err := reg.StartLogin(ctx, "alice")
	require.NoError(t, err)
	m.Push(models.MouseMove{T: 1})
	require.NoError(t, reg.Stop(ctx, m.SessionID(), "alice"))
	_, done = m.Outcome()
	assert.True(t, done)
	assert.Equal(t, 1, calls)
}

func TestRegistry_LoginRequiresVerifier(t *testing.T) {
	reg := NewRegistry(config.Defaults().Capture, nil, zaptest.NewLogger(t))
	_, err := reg.StartLogin(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrLoginUnavailable)
}
