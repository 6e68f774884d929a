// Package models holds the types shared between the QueryGate control plane
// packages and its HTTP surface.
package models

import (
	"time"
)

// ── Principal ────────────────────────────────────────────────

// Principal is the verified caller identity handed to the control plane.
type Principal struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ── Requests ─────────────────────────────────────────────────

// RequestKind is the unit-of-work type.
type RequestKind string

const (
	KindTranslate RequestKind = "translate"
	KindInsight   RequestKind = "insight"
)

// Valid reports whether k is a known kind.
func (k RequestKind) Valid() bool {
	return k == KindTranslate || k == KindInsight
}

// Capability returns the agent capability that serves this kind.
func (k RequestKind) Capability() Capability {
	if k == KindInsight {
		return CapabilitySummarize
	}
	return CapabilityTranslate
}

// Request is one unit of work flowing through the orchestrator.
type Request struct {
	ID          string            `json:"id"`
	Kind        RequestKind       `json:"kind"`
	Input       string            `json:"input"`
	RequesterID string            `json:"requester_id"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Capability  Capability        `json:"capability,omitempty"` // hint; derived from Kind when empty
	Topic       string            `json:"topic,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Result is the value produced for a request. It is what the synchronous
// caller receives and what subscribers see as the broadcast payload.
type Result struct {
	RequestID   string      `json:"request_id"`
	Kind        RequestKind `json:"kind"`
	Value       string      `json:"value"`
	Fingerprint string      `json:"fingerprint"`
	AgentID     string      `json:"agent_id,omitempty"`
	Attempts    int         `json:"attempts,omitempty"`
	Cached      bool        `json:"cached"`
	Topic       string      `json:"topic"`
	CompletedAt time.Time   `json:"completed_at"`

	// RateLimit is the admission state for the synchronous caller only;
	// broadcast copies leave it nil.
	RateLimit *RateLimitStatus `json:"rate_limit,omitempty"`
}

// ── Agents ───────────────────────────────────────────────────

// Capability tags what an agent adapter can do.
type Capability string

const (
	CapabilityTranslate Capability = "translate"
	CapabilitySummarize Capability = "summarize"
)

// Health is the circuit state of an agent.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
)

// AgentDescriptor is a point-in-time view of one registered agent.
type AgentDescriptor struct {
	ID                  string       `json:"id"`
	Kind                string       `json:"kind"`
	Model               string       `json:"model,omitempty"`
	Endpoint            string       `json:"endpoint,omitempty"`
	Capabilities        []Capability `json:"capabilities"`
	Health              Health       `json:"health"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LatencyMs           int64        `json:"latency_ms"`
	Requests            int64        `json:"requests_processed"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Serves reports whether the agent carries the capability.
func (d *AgentDescriptor) Serves(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// AgentStatusEvent is emitted whenever an agent changes health.
type AgentStatusEvent struct {
	AgentID   string    `json:"agent_id"`
	From      Health    `json:"from"`
	To        Health    `json:"to"`
	Failures  int       `json:"consecutive_failures"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentTestResult is returned by the adapter health check.
type AgentTestResult struct {
	AgentID   string `json:"agent_id"`
	Kind      string `json:"kind"`
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
}

// ── Rate Limiting ────────────────────────────────────────────

// RateLimitStatus is the observable limiter state surfaced per call.
type RateLimitStatus struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	ResetAt    time.Time     `json:"reset_at"`
}

// ── Query Pipeline ───────────────────────────────────────────

// QueryResult is the response of the translate → execute → insight pipeline.
type QueryResult struct {
	Question string           `json:"question"`
	SQL      string           `json:"sql"`
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	Summary  string           `json:"summary"`
	Insight  string           `json:"insight,omitempty"`
}
