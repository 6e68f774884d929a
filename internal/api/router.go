package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/querygate/querygate/internal/api/handlers"
	"github.com/querygate/querygate/internal/api/middleware"
	"github.com/querygate/querygate/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, auth *middleware.APIKeyAuth) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(auth.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Client-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Streams are hijacked, so they stay outside the compressed group.
		r.Get("/subscribe", h.Subscribe)
		r.Get("/agents/status/stream", h.StatusStream)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Compress(5))

			r.Post("/resolve", h.Resolve)
			r.Post("/query", h.Query)

			r.Route("/agents", func(r chi.Router) {
				r.Get("/", h.ListAgents)
				r.Get("/health", h.AgentHealth)
			})

			r.Delete("/cache/{fingerprint}", h.InvalidateCache)
			r.Get("/metrics/summary", h.MetricsSummary)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "querygate",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "querygate",
		})
	}
}
