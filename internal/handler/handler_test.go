package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"behavior-guard/internal/audit"
	"behavior-guard/internal/capture"
	"behavior-guard/internal/client"
	"behavior-guard/internal/config"
	"behavior-guard/internal/encryption"
	"behavior-guard/internal/escalation"
	"behavior-guard/internal/models"
	"behavior-guard/internal/repository/local"
	rediscache "behavior-guard/internal/repository/redis"
	"behavior-guard/internal/service"
)

const adminRole = "security_admin"

type apiEnv struct {
	cfg      *config.Config
	store    *local.Store
	registry *capture.Registry
	server   *httptest.Server
}

func setupAPI(t *testing.T, mutate func(*config.Config)) *apiEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.Auth.JWTSecret = "test-secret-with-enough-entropy"
	cfg.Capture.MonitorInterval = time.Hour
	if mutate != nil {
		mutate(cfg)
	}
	logger := zaptest.NewLogger(t)

	em, err := encryption.NewEncryptionManager(cfg, nil)
	require.NoError(t, err)
	store, err := local.Open(":memory:", cfg.Scoring.HistoryLimit, em)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := client.WrapRedisClient(rdb)

	policy := escalation.NewPolicy(
		rediscache.NewEscalationCache(rc, cfg.Escalation.MaxWarnings, cfg.Escalation.ResetOnNormal, cfg.Escalation.StateTTL),
		rediscache.NewLockoutCache(rc),
		rediscache.NewNavigationCache(rc, 0),
		audit.NewLogPublisher(logger),
		cfg.Escalation, logger,
	)

	factory := service.NewServiceFactory(cfg, store, store, audit.NewLog(store, logger), nil, policy, logger)
	svc, err := factory.BehaviorService()
	require.NoError(t, err)

	registry := capture.NewRegistry(cfg.Capture, svc.SubmitCapture, logger).WithVerifier(svc.VerifyCapture)
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })

	router := NewRouter(RouterDeps{
		Config:   cfg,
		Behavior: NewBehaviorHandler(svc, logger),
		Sessions: NewSessionHandler(registry, logger),
		Health: map[string]HealthCheck{
			"redis":   rc.HealthCheck,
			"storage": store.HealthCheck,
		},
		Logger: logger,

		ReportLimiter: rediscache.NewRateLimitCache(rc),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &apiEnv{cfg: cfg, store: store, registry: registry, server: server}
}

func (e *apiEnv) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	tok, err := IssueToken(e.cfg.Auth, userID, roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out Response
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// data re-decodes the envelope payload into v.
func data(t *testing.T, r Response, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(r.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestAuthentication(t *testing.T) {
	env := setupAPI(t, nil)

	resp, _ := env.do(t, http.MethodGet, "/api/v1/behavior/warnings", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/behavior/warnings", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	foreign := *env.cfg
	foreign.Auth.Issuer = "someone-else"
	tok, err := IssueToken(foreign.Auth, "user-1", nil, time.Hour)
	require.NoError(t, err)
	resp, _ = env.do(t, http.MethodGet, "/api/v1/behavior/warnings", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := IssueToken(env.cfg.Auth, "user-1", nil, -time.Minute)
	require.NoError(t, err)
	resp, _ = env.do(t, http.MethodGet, "/api/v1/behavior/warnings", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/v1/behavior/warnings", env.token(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status service.WarningStatus
	data(t, body, &status)
	assert.Equal(t, 0, status.WarningCount)
	assert.Equal(t, models.LevelNormal, status.Level)
}

func TestSubmitProfile(t *testing.T) {
	env := setupAPI(t, nil)
	tok := env.token(t, "user-1")

	resp, body := env.do(t, http.MethodPost, "/api/v1/behavior/profiles", tok, map[string]interface{}{
		"profile": models.BehavioralProfile{TypingSpeed: 300, MouseSpeed: 50, ClickFrequency: 20},
		"significantEvents": []models.SignificantEvent{
			{Type: "transfer_confirm", ElementID: "btn-confirm", Timestamp: 1700000000000},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Error)
	assert.True(t, body.Success)

	var res service.SubmitResult
	data(t, body, &res)
	assert.NotEmpty(t, res.RecordID)
	assert.True(t, res.Verdict.Degraded)
	assert.False(t, res.Verdict.IsAnomaly)

	recs, err := env.store.ListByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, res.RecordID, recs[0].ID)

	events, err := env.store.ListSignificantEvents(context.Background(), "user-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "user-1", events[0].UserID)

	resp, body = env.do(t, http.MethodGet, "/api/v1/anomalies?limit=5", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body.Meta)
	assert.Equal(t, 1, body.Meta.Total)
}

func TestValidationErrors(t *testing.T) {
	env := setupAPI(t, nil)
	tok := env.token(t, "user-1")

	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{"malformed json", "/api/v1/behavior/profiles", `{"profile":`},
		{"unknown field", "/api/v1/behavior/profiles", `{"profile":{},"admin":true}`},
		{"negative scalar", "/api/v1/behavior/profiles", map[string]interface{}{
			"profile": map[string]interface{}{"typingSpeed": -1},
		}},
		{"entropy out of range", "/api/v1/behavior/verify", map[string]interface{}{"entropy": 1.5}},
		{"unknown trigger", "/api/v1/behavior/events", map[string]interface{}{"trigger": "cron"}},
		{"lock too long", "/api/v1/lockouts/banking", map[string]interface{}{"minutes": 5000}},
		{"confidence above one", "/api/v1/anomalies/report", map[string]interface{}{
			"type": "login_anomaly", "confidenceScore": 1.2,
		}},
		{"script in type", "/api/v1/anomalies/report", map[string]interface{}{"type": "<script>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, tt.path, tok, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.False(t, body.Success)
			assert.NotEmpty(t, body.Error)
		})
	}

	resp, _ := env.do(t, http.MethodGet, "/api/v1/anomalies?limit=many", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReportAnomalyLocksCapability(t *testing.T) {
	env := setupAPI(t, nil)
	tok := env.token(t, "user-1")

	resp, body := env.do(t, http.MethodPost, "/api/v1/anomalies/report", tok, map[string]interface{}{
		"type":            escalation.TypeLoginAnomaly,
		"details":         "impossible travel",
		"confidenceScore": 0.95,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body.Error)
	var res service.ReportResult
	data(t, body, &res)
	require.NotNil(t, res.Lockout)
	assert.True(t, res.Lockout.Locked)
	assert.Equal(t, 30, res.Lockout.RemainingMinutes)

	resp, body = env.do(t, http.MethodGet, "/api/v1/lockouts/banking", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status models.LockoutStatus
	data(t, body, &status)
	assert.True(t, status.Locked)

	resp, body = env.do(t, http.MethodGet, "/api/v1/lockouts/transfers", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data(t, body, &status)
	assert.False(t, status.Locked)
}

func TestNavigation(t *testing.T) {
	env := setupAPI(t, nil)
	tok := env.token(t, "user-1")

	resp, body := env.do(t, http.MethodPost, "/api/v1/navigation/statements", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Error)
	var res service.NavigationResult
	data(t, body, &res)
	assert.True(t, res.Anomalous)
	assert.NotEmpty(t, res.RecordID)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	env := setupAPI(t, nil)
	ctx := context.Background()

	user := env.token(t, "user-1")
	admin := env.token(t, "analyst-7", adminRole)

	for i := 0; i < 3; i++ {
		resp, body := env.do(t, http.MethodPost, "/api/v1/anomalies/report", user, map[string]interface{}{
			"type": "session_anomaly",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, body.Error)
	}

	resp, _ := env.do(t, http.MethodPost, "/api/v1/admin/users/user-1/escalation/reset", user, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/v1/admin/users/user-1/escalation/reset", admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, body.Error)

	resp, body = env.do(t, http.MethodGet, "/api/v1/admin/users/user-1/anomalies", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []models.AnomalyRecord
	data(t, body, &recs)
	assert.Len(t, recs, 3)

	// No review index is configured.
	resp, _ = env.do(t, http.MethodGet, "/api/v1/admin/users/user-1/anomalies/search?minConfidence=50", admin, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	stored, err := env.store.ListByUser(ctx, "analyst-7", 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRateLimit(t *testing.T) {
	env := setupAPI(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = 0.001
		cfg.Server.RateBurst = 2
	})
	tok := env.token(t, "user-1")

	for i := 0; i < 2; i++ {
		resp, _ := env.do(t, http.MethodGet, "/api/v1/behavior/warnings", tok, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := env.do(t, http.MethodGet, "/api/v1/behavior/warnings", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// Buckets are per user.
	resp, _ = env.do(t, http.MethodGet, "/api/v1/behavior/warnings", env.token(t, "user-2"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReportLimit(t *testing.T) {
	env := setupAPI(t, func(cfg *config.Config) {
		cfg.Server.ReportLimit = 2
		cfg.Server.ReportWindow = time.Hour
	})
	tok := env.token(t, "user-1")
	report := map[string]interface{}{"type": "session_anomaly", "confidenceScore": 0.1}

	for i := 0; i < 2; i++ {
		resp, body := env.do(t, http.MethodPost, "/api/v1/anomalies/report", tok, report)
		require.Equal(t, http.StatusCreated, resp.StatusCode, body.Error)
	}
	resp, _ := env.do(t, http.MethodPost, "/api/v1/anomalies/report", tok, report)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3600", resp.Header.Get("Retry-After"))

	// Other routes are unaffected.
	resp, _ = env.do(t, http.MethodGet, "/api/v1/behavior/warnings", tok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	recs, err := env.store.ListByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSessionLifecycle(t *testing.T) {
	env := setupAPI(t, nil)
	tok := env.token(t, "user-1")

	resp, body := env.do(t, http.MethodPost, "/api/v1/sessions", tok, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var session sessionResponse
	data(t, body, &session)
	require.NotEmpty(t, session.SessionID)
	assert.Equal(t, capture.ModeMonitor, session.Mode)
	assert.Equal(t, 1, env.registry.Len())

	path := "/api/v1/sessions/" + session.SessionID
	resp, body = env.do(t, http.MethodPost, path+"/events", tok, map[string]interface{}{
		"moves":  []models.MouseMove{{X: 0, Y: 0, T: 1000}, {X: 30, Y: 40, T: 1100}},
		"keys":   []models.KeyStroke{{Key: "a", DownT: 1200, UpT: 1280}},
		"clicks": []models.Click{{X: 30, Y: 40, Button: 0, T: 1300}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body.Error)
	var pushed pushEventsResponse
	data(t, body, &pushed)
	assert.Equal(t, 4, pushed.Accepted)
	assert.Zero(t, pushed.Dropped)

	// Another user cannot touch the session.
	resp, _ = env.do(t, http.MethodPost, path+"/events", env.token(t, "user-2"), map[string]interface{}{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, path, tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, env.registry.Len())

	// Stop flushes the buffered window through the pipeline.
	recs, err := env.store.ListByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SourceMonitor, recs[0].Source)

	resp, _ = env.do(t, http.MethodDelete, path, tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoginSessionVerifiesCapturedWindow(t *testing.T) {
	env := setupAPI(t, func(cfg *config.Config) {
		cfg.Capture.OneShotDuration = 100 * time.Millisecond
	})
	tok := env.token(t, "user-1")

	resp, body := env.do(t, http.MethodPost, "/api/v1/sessions", tok, map[string]string{"mode": "login"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body.Error)
	var session sessionResponse
	data(t, body, &session)
	assert.Equal(t, capture.ModeLogin, session.Mode)

	path := "/api/v1/sessions/" + session.SessionID
	resp, body = env.do(t, http.MethodPost, path+"/events", tok, map[string]interface{}{
		"moves": []models.MouseMove{{X: 0, Y: 0, T: 1000}, {X: 30, Y: 40, T: 1100}},
		"keys": []models.KeyStroke{
			{Key: "p", DownT: 1200, UpT: 1280},
			{Key: "w", DownT: 1400, UpT: 1470},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body.Error)

	var status sessionStatus
	require.Eventually(t, func() bool {
		resp, body := env.do(t, http.MethodGet, path, tok, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		data(t, body, &status)
		return status.Completed
	}, 5*time.Second, 20*time.Millisecond)

	require.NotNil(t, status.Outcome)
	assert.Empty(t, status.Outcome.Error)
	assert.Equal(t, 4, status.Outcome.Events)
	var verdict service.VerifyResult
	raw, err := json.Marshal(status.Outcome.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &verdict))
	assert.True(t, verdict.IsFirstLogin)

	recs, err := env.store.ListByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SourceLogin, recs[0].Source)

	resp, _ = env.do(t, http.MethodDelete, path, tok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/v1/sessions", tok, map[string]string{"mode": "replay"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body.Error)
}

func TestSessionCapPerUser(t *testing.T) {
	env := setupAPI(t, func(cfg *config.Config) {
		cfg.Capture.MaxSessionsPerUser = 1
	})
	tok := env.token(t, "user-1")

	resp, _ := env.do(t, http.MethodPost, "/api/v1/sessions", tok, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/v1/sessions", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/v1/sessions", env.token(t, "user-2"), nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAdminUnlockAndSignificantEvents(t *testing.T) {
	env := setupAPI(t, nil)
	user := env.token(t, "user-1")
	admin := env.token(t, "analyst-7", adminRole)

	resp, body := env.do(t, http.MethodPost, "/api/v1/lockouts/banking", user, map[string]interface{}{
		"minutes": 30,
		"reason":  "suspicious transfer",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Error)

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/admin/users/user-1/lockouts/banking", user, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = env.do(t, http.MethodDelete, "/api/v1/admin/users/user-1/lockouts/banking", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Error)

	resp, body = env.do(t, http.MethodGet, "/api/v1/lockouts/banking", user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status models.LockoutStatus
	data(t, body, &status)
	assert.False(t, status.Locked)

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/admin/users/user-1/lockouts/banking", admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/v1/behavior/profiles", user, map[string]interface{}{
		"profile": models.BehavioralProfile{TypingSpeed: 300, MouseSpeed: 50},
		"significantEvents": []models.SignificantEvent{
			{Type: "transfer_confirm", ElementID: "btn-confirm", Timestamp: 1700000000000},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Error)

	resp, body = env.do(t, http.MethodGet, "/api/v1/admin/users/user-1/significant-events?limit=10", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Error)
	var events []models.SignificantEvent
	data(t, body, &events)
	require.Len(t, events, 1)
	assert.Equal(t, "transfer_confirm", events[0].Type)
	require.NotNil(t, body.Meta)
	assert.Equal(t, 1, body.Meta.Total)
}

func TestSessionStream(t *testing.T) {
	env := setupAPI(t, nil)
	tok := env.token(t, "user-1")

	resp, body := env.do(t, http.MethodPost, "/api/v1/sessions", tok, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var session sessionResponse
	data(t, body, &session)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		"/api/v1/sessions/" + session.SessionID + "/stream?access_token=" + tok
	conn, wsResp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, wsResp.StatusCode)

	frames := []StreamEvent{
		{Type: "mousemove", X: 0, Y: 0, T: 1000},
		{Type: "mousemove", X: 30, Y: 40, T: 1100},
		{Type: "keystroke", Key: "a", DownT: 1200, UpT: 1290},
		{Type: "click", X: 30, Y: 40, T: 1300},
	}
	for _, f := range frames {
		require.NoError(t, conn.WriteJSON(f))
	}

	require.NoError(t, conn.WriteJSON(StreamEvent{Type: "bogus"}))
	var reply streamReply
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)

	// A significant event triggers an immediate tick.
	require.NoError(t, conn.WriteJSON(StreamEvent{
		Type:  "significant",
		Event: &models.SignificantEvent{Type: "transfer_confirm", Timestamp: 1400},
	}))

	require.Eventually(t, func() bool {
		recs, err := env.store.ListByUser(context.Background(), "user-1", 10)
		return err == nil && len(recs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	events, err := env.store.ListSignificantEvents(context.Background(), "user-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "transfer_confirm", events[0].Type)
}

func TestStreamRejectsForeignSession(t *testing.T) {
	env := setupAPI(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/v1/sessions", env.token(t, "user-1"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var session sessionResponse
	data(t, body, &session)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		"/api/v1/sessions/" + session.SessionID + "/stream?access_token=" + env.token(t, "user-2")
	_, wsResp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, wsResp)
	assert.Equal(t, http.StatusForbidden, wsResp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := setupAPI(t, nil)

	resp, _ := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthReportsFailingComponent(t *testing.T) {
	h := healthHandler(map[string]HealthCheck{
		"ok":     func(context.Context) error { return nil },
		"broken": func(context.Context) error { return errors.New("connection refused") },
	}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["ok"])
	assert.Equal(t, "connection refused", components["broken"])
}

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{service.ErrValidation, http.StatusBadRequest},
		{service.ErrNotFound, http.StatusNotFound},
		{capture.ErrSessionNotFound, http.StatusNotFound},
		{capture.ErrSessionForbidden, http.StatusForbidden},
		{capture.ErrTooManySessions, http.StatusTooManyRequests},
		{capture.ErrLoginUnavailable, http.StatusNotImplemented},
		{service.ErrUnavailable, http.StatusNotImplemented},
		{service.ErrStorage, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, getStatusCode(tt.err), tt.err.Error())
	}
}
