package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"behavior-guard/internal/models"
	"behavior-guard/internal/service"
)

var errNoIdentity = errors.New("no authenticated user")

// BehaviorHandler handles behavioral submissions, verification and
// escalation queries. The acting user always comes from the token.
type BehaviorHandler struct {
	svc         *service.BehaviorService
	reportLimit func(http.Handler) http.Handler
	logger      *zap.Logger
}

func NewBehaviorHandler(svc *service.BehaviorService, logger *zap.Logger) *BehaviorHandler {
	return &BehaviorHandler{
		svc:    svc,
		logger: logger,
	}
}

// WithReportLimit wraps the anomaly report route.
func (h *BehaviorHandler) WithReportLimit(mw func(http.Handler) http.Handler) *BehaviorHandler {
	h.reportLimit = mw
	return h
}

// RegisterRoutes registers all behavior routes
func (h *BehaviorHandler) RegisterRoutes(r chi.Router) {
	r.Route("/behavior", func(r chi.Router) {
		r.Post("/profiles", h.SubmitProfile)
		r.Post("/events", h.SubmitEvents)
		r.Post("/verify", h.Verify)
		r.Get("/warnings", h.CheckWarnings)
	})
	r.Get("/lockouts/{capability}", h.CheckLockout)
	r.Post("/lockouts/{capability}", h.Lock)
	report := http.Handler(http.HandlerFunc(h.ReportAnomaly))
	if h.reportLimit != nil {
		report = h.reportLimit(report)
	}
	r.Method(http.MethodPost, "/anomalies/report", report)
	r.Get("/anomalies", h.ListAnomalies)
	r.Post("/navigation/{section}", h.TrackNavigation)
}

// RegisterAdminRoutes registers the security review routes.
func (h *BehaviorHandler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/users/{userID}/escalation/reset", h.ResetEscalation)
	r.Get("/users/{userID}/anomalies", h.AdminListAnomalies)
	r.Get("/users/{userID}/anomalies/search", h.SearchAnomalies)
	r.Get("/users/{userID}/significant-events", h.ListSignificantEvents)
	r.Delete("/users/{userID}/lockouts/{capability}", h.Unlock)
}

type submitProfileRequest struct {
	Profile           models.BehavioralProfile  `json:"profile"`
	SignificantEvents []models.SignificantEvent `json:"significantEvents,omitempty"`
	Timestamp         int64                     `json:"timestamp,omitempty"`
}

type submitEventsRequest struct {
	models.EventBatch
	SignificantEvents []models.SignificantEvent `json:"significantEvents,omitempty"`
	Trigger           models.CollectionType     `json:"trigger,omitempty"`
	Timestamp         int64                     `json:"timestamp,omitempty"`
}

type lockRequest struct {
	Minutes int    `json:"minutes"`
	Reason  string `json:"reason,omitempty"`
}

// SubmitProfile handles POST /behavior/profiles
func (h *BehaviorHandler) SubmitProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req submitProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.svc.SubmitProfile(r.Context(), userID, req.Profile, req.SignificantEvents, msTime(req.Timestamp))
	if err != nil {
		h.fail(w, err, "Failed to submit profile")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, "Profile scored"))
}

// SubmitEvents handles POST /behavior/events
func (h *BehaviorHandler) SubmitEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req submitEventsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	switch req.Trigger {
	case "", models.CollectionPeriodic, models.CollectionActivity, models.CollectionLogin:
	default:
		respondWithError(w, h.logger, http.StatusBadRequest, fmt.Errorf("unknown trigger %q", req.Trigger), "Invalid request body")
		return
	}

	res, err := h.svc.SubmitEvents(r.Context(), userID, req.EventBatch, req.SignificantEvents, req.Trigger, msTime(req.Timestamp))
	if err != nil {
		h.fail(w, err, "Failed to submit events")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, "Events scored"))
}

// Verify handles POST /behavior/verify
func (h *BehaviorHandler) Verify(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var profile models.BehavioralProfile
	if err := decodeJSON(w, r, &profile); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.svc.VerifyBehavior(r.Context(), userID, profile)
	if err != nil {
		h.fail(w, err, "Failed to verify behavior")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, ""))
}

// CheckWarnings handles GET /behavior/warnings
func (h *BehaviorHandler) CheckWarnings(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.CheckWarnings(r.Context(), userID)
	if err != nil {
		h.fail(w, err, "Failed to read warnings")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, ""))
}

// CheckLockout handles GET /lockouts/{capability}
func (h *BehaviorHandler) CheckLockout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.CheckLockout(r.Context(), userID, chi.URLParam(r, "capability"))
	if err != nil {
		h.fail(w, err, "Failed to check lockout")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, ""))
}

// Lock handles POST /lockouts/{capability}
func (h *BehaviorHandler) Lock(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req lockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.svc.Lock(r.Context(), userID, chi.URLParam(r, "capability"), req.Minutes, req.Reason)
	if err != nil {
		h.fail(w, err, "Failed to lock capability")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, "Capability locked"))
}

// ReportAnomaly handles POST /anomalies/report
func (h *BehaviorHandler) ReportAnomaly(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req service.AnomalyReport
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.svc.ReportAnomaly(r.Context(), userID, req)
	if err != nil {
		h.fail(w, err, "Failed to report anomaly")
		return
	}
	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(res, "Anomaly recorded"))
}

// TrackNavigation handles POST /navigation/{section}
func (h *BehaviorHandler) TrackNavigation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.TrackNavigation(r.Context(), userID, chi.URLParam(r, "section"))
	if err != nil {
		h.fail(w, err, "Failed to track navigation")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, ""))
}

// ListAnomalies handles GET /anomalies
func (h *BehaviorHandler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	h.listAnomalies(w, r, userID)
}

// AdminListAnomalies handles GET /admin/users/{userID}/anomalies
func (h *BehaviorHandler) AdminListAnomalies(w http.ResponseWriter, r *http.Request) {
	h.listAnomalies(w, r, chi.URLParam(r, "userID"))
}

func (h *BehaviorHandler) listAnomalies(w http.ResponseWriter, r *http.Request, userID string) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	recs, err := h.svc.ListAnomalies(r.Context(), userID, limit)
	if err != nil {
		h.fail(w, err, "Failed to list anomalies")
		return
	}
	resp := successResponse(recs, "")
	resp.Meta = &Meta{Total: len(recs), PageSize: limit}
	respondWithJSON(w, h.logger, http.StatusOK, resp)
}

// ResetEscalation handles POST /admin/users/{userID}/escalation/reset
func (h *BehaviorHandler) ResetEscalation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.svc.ResetEscalation(r.Context(), userID); err != nil {
		h.fail(w, err, "Failed to reset escalation")
		return
	}
	admin, _ := IdentityFrom(r.Context())
	h.logger.Info("Escalation reset by administrator",
		zap.String("user_id", userID),
		zap.String("admin_id", admin.UserID))
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Escalation reset"))
}

// Unlock handles DELETE /admin/users/{userID}/lockouts/{capability}
func (h *BehaviorHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	userID, capability := chi.URLParam(r, "userID"), chi.URLParam(r, "capability")
	if err := h.svc.Unlock(r.Context(), userID, capability); err != nil {
		h.fail(w, err, "Failed to lift lockout")
		return
	}
	admin, _ := IdentityFrom(r.Context())
	h.logger.Info("Lockout lifted by administrator",
		zap.String("user_id", userID),
		zap.String("capability", capability),
		zap.String("admin_id", admin.UserID))
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Lockout lifted"))
}

// ListSignificantEvents handles GET /admin/users/{userID}/significant-events
func (h *BehaviorHandler) ListSignificantEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	events, err := h.svc.ListSignificantEvents(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		h.fail(w, err, "Failed to list significant events")
		return
	}
	resp := successResponse(events, "")
	resp.Meta = &Meta{Total: len(events), PageSize: limit}
	respondWithJSON(w, h.logger, http.StatusOK, resp)
}

// SearchAnomalies handles GET /admin/users/{userID}/anomalies/search
func (h *BehaviorHandler) SearchAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	var minConfidence float64
	if v := r.URL.Query().Get("minConfidence"); v != "" {
		minConfidence, err = strconv.ParseFloat(v, 64)
		if err != nil {
			respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid minConfidence")
			return
		}
	}

	recs, err := h.svc.SearchAnomalies(r.Context(), chi.URLParam(r, "userID"), minConfidence, limit)
	if err != nil {
		h.fail(w, err, "Failed to search anomalies")
		return
	}
	resp := successResponse(recs, "")
	resp.Meta = &Meta{Total: len(recs), PageSize: limit}
	respondWithJSON(w, h.logger, http.StatusOK, resp)
}

func (h *BehaviorHandler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		respondWithError(w, h.logger, http.StatusUnauthorized, errNoIdentity, "Authentication required")
		return "", false
	}
	return id.UserID, true
}

func (h *BehaviorHandler) fail(w http.ResponseWriter, err error, message string) {
	respondWithError(w, h.logger, getStatusCode(err), err, message)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// msTime converts a client Unix-ms timestamp; zero means "now" downstream.
func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
