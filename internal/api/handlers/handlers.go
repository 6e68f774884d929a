// Package handlers implements the HTTP handlers for QueryGate. Handlers are
// thin: they decode the request, call the orchestrator, and map typed
// errors onto status codes and rate-limit headers.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/querygate/querygate/internal/hub"
	"github.com/querygate/querygate/internal/metrics"
	"github.com/querygate/querygate/internal/orchestrator"
	pkgmw "github.com/querygate/querygate/pkg/middleware"
	"github.com/querygate/querygate/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Orchestrator *orchestrator.Orchestrator
	Status       *hub.Hub[models.AgentStatusEvent]
	Metrics      *metrics.Collector
}

// New creates a new Handlers instance.
func New(o *orchestrator.Orchestrator, status *hub.Hub[models.AgentStatusEvent], m *metrics.Collector) *Handlers {
	return &Handlers{Orchestrator: o, Status: status, Metrics: m}
}

// ── Resolve ──────────────────────────────────────────────────

type resolveRequest struct {
	Kind       models.RequestKind `json:"kind"`
	Input      string             `json:"input"`
	Capability models.Capability  `json:"capability,omitempty"`
	Topic      string             `json:"topic,omitempty"`
	Options    map[string]string  `json:"options,omitempty"`
}

// Resolve runs one request through the orchestrator.
func (h *Handlers) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, string(models.ErrValidation), "Invalid request body")
		return
	}

	res, err := h.Orchestrator.Resolve(r.Context(), models.Request{
		Kind:        req.Kind,
		Input:       req.Input,
		RequesterID: pkgmw.PrincipalID(r.Context()),
		Endpoint:    orchestrator.EndpointQuery,
		Capability:  req.Capability,
		Topic:       req.Topic,
		Options:     req.Options,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	setRateLimitHeaders(w, res.RateLimit)
	respondJSON(w, http.StatusOK, res)
}

// ── Query pipeline ───────────────────────────────────────────

type queryRequest struct {
	Question string `json:"question"`
	Insight  bool   `json:"insight"`
	Topic    string `json:"topic,omitempty"`
}

// Query translates a question to SQL, executes it and optionally returns
// insights.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, string(models.ErrValidation), "Invalid request body")
		return
	}

	result, err := h.Orchestrator.Query(r.Context(), orchestrator.QueryRequest{
		Question:    req.Question,
		RequesterID: pkgmw.PrincipalID(r.Context()),
		Insight:     req.Insight,
		Topic:       req.Topic,
	})
	if errors.Is(err, orchestrator.ErrNoEngine) {
		respondError(w, http.StatusServiceUnavailable, "engine_unavailable", err.Error())
		return
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Agents ───────────────────────────────────────────────────

// ListAgents returns the registry snapshot.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Orchestrator.Agents())
}

// AgentHealth checks every adapter. Health checks do not change breaker state.
func (h *Handlers) AgentHealth(w http.ResponseWriter, r *http.Request) {
	results := h.Orchestrator.HealthCheckAll(r.Context())
	healthy := 0
	for _, res := range results {
		if res.Healthy {
			healthy++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"agents":  results,
		"healthy": healthy,
		"total":   len(results),
	})
}

// ── Cache ────────────────────────────────────────────────────

// InvalidateCache drops one cached answer by fingerprint.
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	fp := strings.TrimSpace(chi.URLParam(r, "fingerprint"))
	if fp == "" {
		respondError(w, http.StatusBadRequest, string(models.ErrValidation), "fingerprint is required")
		return
	}
	removed := h.Orchestrator.Invalidate(fp)
	respondJSON(w, http.StatusOK, map[string]any{
		"fingerprint": fp,
		"removed":     removed,
	})
}

// ── Metrics ──────────────────────────────────────────────────

// MetricsSummary returns the collector's JSON snapshot.
func (h *Handlers) MetricsSummary(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Metrics.Snapshot())
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	respondJSON(w, status, map[string]string{
		"error":   kind,
		"message": message,
	})
}

// respondDomainError maps err onto the error envelope. Rate-limited errors
// carry Retry-After and the limiter headers.
func respondDomainError(w http.ResponseWriter, err error) {
	e, ok := models.AsError(err)
	if !ok {
		if errors.Is(err, hub.ErrClosed) || errors.Is(err, hub.ErrTooManySubscribers) {
			respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
		log.Error().Err(err).Msg("Unhandled error")
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if e.Kind == models.ErrRateLimited {
		setRateLimitHeaders(w, e.RateLimit)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(e.RetryAfter)))
	}
	respondError(w, e.StatusCode(), string(e.Kind), e.Detail)
}

func setRateLimitHeaders(w http.ResponseWriter, s *models.RateLimitStatus) {
	if s == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(s.Remaining))
	if !s.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(s.ResetAt.Unix(), 10))
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
