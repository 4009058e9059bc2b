package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"behavior-guard/internal/capture"
	"behavior-guard/internal/models"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxStreamFrame = 64 << 10
)

// SessionHandler manages continuous-monitoring sessions. Events arrive
// either as HTTP batches or over a websocket stream.
type SessionHandler struct {
	registry *capture.Registry
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewSessionHandler(registry *capture.Registry, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// Origin is enforced by CORS and the bearer token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// RegisterRoutes registers the session routes except the stream, which the
// router mounts outside the request timeout.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.Start)
	r.Get("/sessions/{sessionID}", h.Status)
	r.Delete("/sessions/{sessionID}", h.Stop)
	r.Post("/sessions/{sessionID}/events", h.PushEvents)
}

// StreamEvent is one websocket frame. Type selects which fields apply.
type StreamEvent struct {
	Type string `json:"type"`

	X           float64 `json:"x,omitempty"`
	Y           float64 `json:"y,omitempty"`
	T           int64   `json:"t,omitempty"`
	Button      int     `json:"button,omitempty"`
	DoubleClick bool    `json:"doubleClick,omitempty"`

	Key   string `json:"key,omitempty"`
	DownT int64  `json:"downT,omitempty"`
	UpT   int64  `json:"upT,omitempty"`

	Event *models.SignificantEvent `json:"event,omitempty"`
}

const streamSignificant = "significant"

// streamReply is sent back only when the server has something to report.
type streamReply struct {
	Type    string `json:"type"`
	Dropped int    `json:"dropped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Apply routes the frame to the monitor. It reports false when a raw event
// was dropped because the session buffer was full.
func (e StreamEvent) Apply(m *capture.Monitor) (bool, error) {
	switch models.EventKind(e.Type) {
	case models.EventMouseMove:
		return m.Push(models.MouseMove{X: e.X, Y: e.Y, T: e.T}), nil
	case models.EventKeyStroke:
		return m.Push(models.KeyStroke{Key: e.Key, DownT: e.DownT, UpT: e.UpT}), nil
	case models.EventClick:
		return m.Push(models.Click{X: e.X, Y: e.Y, Button: e.Button, T: e.T, DoubleClick: e.DoubleClick}), nil
	}
	if e.Type == streamSignificant {
		if e.Event == nil || e.Event.Type == "" {
			return true, errors.New("significant frame without event")
		}
		m.Flag(*e.Event)
		return true, nil
	}
	return true, fmt.Errorf("unknown frame type %q", e.Type)
}

type startSessionRequest struct {
	Mode capture.Mode `json:"mode"`
}

type sessionResponse struct {
	SessionID string       `json:"sessionId"`
	Mode      capture.Mode `json:"mode"`
}

// sessionStatus reports capture progress. Login sessions carry the verdict
// once the window has been verified.
type sessionStatus struct {
	SessionID string           `json:"sessionId"`
	Mode      capture.Mode     `json:"mode"`
	Buffered  int              `json:"buffered"`
	Dropped   int64            `json:"dropped"`
	Submitted int64            `json:"submitted"`
	Skipped   int64            `json:"skipped"`
	Completed bool             `json:"completed,omitempty"`
	Outcome   *capture.Outcome `json:"outcome,omitempty"`
}

type pushEventsRequest struct {
	models.EventBatch
	SignificantEvents []models.SignificantEvent `json:"significantEvents,omitempty"`
}

type pushEventsResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// Start handles POST /sessions. An empty body starts continuous monitoring;
// {"mode":"login"} starts a one-shot login capture.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		respondWithError(w, h.logger, http.StatusUnauthorized, errNoIdentity, "Authentication required")
		return
	}
	var req startSessionRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	var (
		m   *capture.Monitor
		err error
	)
	switch req.Mode {
	case "", capture.ModeMonitor:
		m, err = h.registry.Start(r.Context(), id.UserID)
	case capture.ModeLogin:
		m, err = h.registry.StartLogin(r.Context(), id.UserID)
	default:
		respondWithError(w, h.logger, http.StatusBadRequest, fmt.Errorf("unknown mode %q", req.Mode), "Invalid session mode")
		return
	}
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Failed to start session")
		return
	}
	respondWithJSON(w, h.logger, http.StatusCreated,
		successResponse(sessionResponse{SessionID: m.SessionID(), Mode: m.Mode()}, "Monitoring started"))
}

// Status handles GET /sessions/{sessionID}
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitor(w, r)
	if !ok {
		return
	}
	submitted, skipped := m.Stats()
	status := sessionStatus{
		SessionID: m.SessionID(),
		Mode:      m.Mode(),
		Buffered:  m.Buffered(),
		Dropped:   m.Dropped(),
		Submitted: submitted,
		Skipped:   skipped,
	}
	if out, done := m.Outcome(); done {
		status.Completed = true
		status.Outcome = &out
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(status, ""))
}

// Stop handles DELETE /sessions/{sessionID}
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		respondWithError(w, h.logger, http.StatusUnauthorized, errNoIdentity, "Authentication required")
		return
	}
	if err := h.registry.Stop(r.Context(), chi.URLParam(r, "sessionID"), id.UserID); err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Failed to stop session")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Monitoring stopped"))
}

// PushEvents handles POST /sessions/{sessionID}/events
func (h *SessionHandler) PushEvents(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitor(w, r)
	if !ok {
		return
	}
	var req pushEventsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	var res pushEventsResponse
	count := func(accepted bool) {
		if accepted {
			res.Accepted++
		} else {
			res.Dropped++
		}
	}
	for _, ev := range req.Moves {
		count(m.Push(ev))
	}
	for _, ev := range req.Keys {
		count(m.Push(ev))
	}
	for _, ev := range req.Clicks {
		count(m.Push(ev))
	}
	for _, ev := range req.SignificantEvents {
		m.Flag(ev)
	}
	respondWithJSON(w, h.logger, http.StatusAccepted, successResponse(res, ""))
}

// Stream handles GET /sessions/{sessionID}/stream
func (h *SessionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitor(w, r)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxStreamFrame)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	dropped := 0
	for {
		var ev StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Event stream closed unexpectedly",
					zap.String("session_id", m.SessionID()), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		accepted, err := ev.Apply(m)
		if err != nil {
			if werr := write(streamReply{Type: "error", Error: err.Error()}); werr != nil {
				return
			}
			continue
		}
		if !accepted {
			dropped++
			// Report backpressure once per burst.
			if dropped == 1 {
				if err := write(streamReply{Type: "dropped", Dropped: dropped}); err != nil {
					return
				}
			}
			continue
		}
		dropped = 0
	}
}

func (h *SessionHandler) monitor(w http.ResponseWriter, r *http.Request) (*capture.Monitor, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		respondWithError(w, h.logger, http.StatusUnauthorized, errNoIdentity, "Authentication required")
		return nil, false
	}
	m, err := h.registry.Get(chi.URLParam(r, "sessionID"), id.UserID)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Session unavailable")
		return nil, false
	}
	return m, true
}

