package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"behavior-guard/internal/config"
	"behavior-guard/internal/util"
)

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// RouterDeps is everything NewRouter mounts.
type RouterDeps struct {
	Config   *config.Config
	Behavior *BehaviorHandler
	Sessions *SessionHandler
	Health   map[string]HealthCheck
	Logger   *zap.Logger

	// ReportLimiter caps anomaly reports per user; nil disables the cap.
	ReportLimiter WindowLimiter
}

// requireHTTPS rejects any request that wasn’t made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(deps RouterDeps) chi.Router {
	cfg := deps.Config
	logger := deps.Logger
	auth := NewAuthMiddleware(cfg.Auth, logger)
	limiter := NewUserRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, logger)

	if deps.ReportLimiter != nil {
		deps.Behavior.WithReportLimit(WindowLimit(deps.ReportLimiter, "anomaly_report",
			cfg.Server.ReportLimit, cfg.Server.ReportWindow, logger))
	}

	router := chi.NewRouter()

	if cfg.Server.EnableTLS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(MetricsMiddleware)

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(deps.Health, logger))
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Authenticate)
		r.Use(limiter.Middleware)

		// The stream outlives any request timeout.
		r.Get("/sessions/{sessionID}/stream", deps.Sessions.Stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			deps.Behavior.RegisterRoutes(r)
			deps.Sessions.RegisterRoutes(r)

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireAdmin)
				deps.Behavior.RegisterAdminRoutes(r)
			})
		})
	})

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}`))
	})

	return router
}

func healthHandler(checks map[string]HealthCheck, logger *zap.Logger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		components := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				util.Warn("Health check failed", util.String("component", name), util.ErrorField(err))
				components[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			components[name] = "ok"
		}

		body := map[string]interface{}{
			"status":     "healthy",
			"service":    "behavior-guard",
			"components": components,
		}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		respondWithJSON(w, logger, status, body)
	}
}
