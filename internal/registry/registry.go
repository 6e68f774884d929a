// Package registry tracks the configured agents, their health and latency,
// and decides which agent serves each call.
//
// Each agent carries a circuit breaker driven only by consecutive call
// outcomes:
//
//	healthy --DegradeAfter failures--> degraded --FailureThreshold--> unavailable
//	unavailable --cooldown elapsed, one trial--> success: healthy / failure: unavailable
//
// The registry never calls an adapter itself; callers Pick an agent, make
// the call, and Report the outcome.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/querygate/querygate/internal/agents"
	"github.com/querygate/querygate/internal/metrics"
	"github.com/querygate/querygate/pkg/models"
)

// ErrNoneAvailable is returned by Pick when no agent can serve the
// capability right now.
var ErrNoneAvailable = errors.New("no agent available")

// StatusTopic is the hub topic agent health transitions are published on.
const StatusTopic = "agents:status"

// unknownLatencyMs ranks agents without a latency sample.
const unknownLatencyMs = 1000

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int
	DegradeAfter     int
	Cooldown         time.Duration
}

// Validate rejects thresholds the breaker cannot honor.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.DegradeAfter < 1 || c.DegradeAfter > c.FailureThreshold {
		return fmt.Errorf("degrade threshold must be between 1 and %d, got %d", c.FailureThreshold, c.DegradeAfter)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive, got %s", c.Cooldown)
	}
	return nil
}

// Outcome is the result of one finished call against an agent.
type Outcome struct {
	Success bool
	Latency time.Duration
	// Trial marks the outcome of a call made on a trial lease.
	Trial bool
}

// Lease is a picked agent. Trial is set when the pick is the single
// half-open call to an unavailable agent; its outcome decides recovery.
type Lease struct {
	AgentID string
	Adapter agents.Adapter
	Health  models.Health
	Trial   bool
}

type agentState struct {
	desc     models.AgentDescriptor
	adapter  agents.Adapter
	openedAt time.Time
	trial    bool
}

// Registry is safe for concurrent use. Every health update is applied
// under one lock so concurrent Pick calls always see a consistent state.
type Registry struct {
	cfg      Config
	now      func() time.Time
	observer func(models.AgentStatusEvent)
	metrics  *metrics.Collector

	mu    sync.Mutex
	order []*agentState
	byID  map[string]*agentState
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver receives every health transition. It runs under the
// registry lock and must not block or call back into the registry.
func WithObserver(fn func(models.AgentStatusEvent)) Option {
	return func(r *Registry) { r.observer = fn }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

// New creates an empty registry.
func New(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("registry config: %w", err)
	}
	r := &Registry{
		cfg:  cfg,
		now:  time.Now,
		byID: make(map[string]*agentState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register adds an agent. IDs are unique and every agent needs at least
// one capability.
func (r *Registry) Register(desc models.AgentDescriptor, adapter agents.Adapter) error {
	if desc.ID == "" {
		return errors.New("agent id is required")
	}
	if len(desc.Capabilities) == 0 {
		return fmt.Errorf("agent %s: at least one capability is required", desc.ID)
	}
	if adapter == nil {
		return fmt.Errorf("agent %s: adapter is required", desc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[desc.ID]; exists {
		return fmt.Errorf("agent %s already registered", desc.ID)
	}
	desc.Health = models.HealthHealthy
	desc.ConsecutiveFailures = 0
	desc.OpenedAt = nil
	desc.UpdatedAt = r.now()

	st := &agentState{desc: desc, adapter: adapter}
	r.order = append(r.order, st)
	r.byID[desc.ID] = st

	log.Info().Str("agent", desc.ID).Str("kind", desc.Kind).Msg("Agent registered")
	return nil
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Pick selects an agent for capability, skipping the excluded IDs.
//
// Healthy agents are preferred by lowest latency, then degraded agents by
// lowest latency, then an unavailable agent whose cooldown elapsed and
// that has no trial in flight. Only one caller is granted that trial.
func (r *Registry) Pick(capability models.Capability, exclude ...string) (Lease, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var healthy, degraded []*agentState
	var halfOpen *agentState
	for _, st := range r.order {
		if !st.desc.Serves(capability) || excluded(st.desc.ID, exclude) {
			continue
		}
		switch st.desc.Health {
		case models.HealthHealthy:
			healthy = append(healthy, st)
		case models.HealthDegraded:
			degraded = append(degraded, st)
		case models.HealthUnavailable:
			if halfOpen == nil && !st.trial && now.Sub(st.openedAt) >= r.cfg.Cooldown {
				halfOpen = st
			}
		}
	}

	if best := fastest(healthy); best != nil {
		return r.lease(best, false), nil
	}
	if best := fastest(degraded); best != nil {
		return r.lease(best, false), nil
	}
	if halfOpen != nil {
		halfOpen.trial = true
		log.Info().Str("agent", halfOpen.desc.ID).Msg("Cooldown elapsed, granting trial call")
		return r.lease(halfOpen, true), nil
	}
	return Lease{}, fmt.Errorf("%w for capability %s", ErrNoneAvailable, capability)
}

func (r *Registry) lease(st *agentState, trial bool) Lease {
	return Lease{
		AgentID: st.desc.ID,
		Adapter: st.adapter,
		Health:  st.desc.Health,
		Trial:   trial,
	}
}

// Report applies the outcome of one call to the agent's breaker and
// latency average. Unknown IDs are ignored.
func (r *Registry) Report(agentID string, o Outcome) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.byID[agentID]
	if !ok {
		log.Warn().Str("agent", agentID).Msg("Outcome reported for unknown agent")
		return
	}

	d := &st.desc
	d.Requests++
	d.UpdatedAt = now
	from := d.Health

	if o.Success {
		latencyMs := o.Latency.Milliseconds()
		if d.LatencyMs == 0 {
			d.LatencyMs = latencyMs
		} else {
			// Exponential moving average
			d.LatencyMs = (d.LatencyMs*7 + latencyMs*3) / 10
		}
		d.ConsecutiveFailures = 0
		st.trial = false
		st.openedAt = time.Time{}
		d.OpenedAt = nil
		r.transition(st, from, models.HealthHealthy, now)
		return
	}

	d.ConsecutiveFailures++
	switch {
	case from == models.HealthUnavailable && o.Trial:
		st.trial = false
		r.open(st, now)
		log.Warn().Str("agent", agentID).Dur("cooldown", r.cfg.Cooldown).Msg("Trial call failed, agent stays unavailable")
	case from == models.HealthUnavailable:
		// A call leased before the circuit opened; the open circuit and
		// any trial in flight are left alone.
	case d.ConsecutiveFailures >= r.cfg.FailureThreshold:
		r.open(st, now)
		r.transition(st, from, models.HealthUnavailable, now)
	case d.ConsecutiveFailures >= r.cfg.DegradeAfter:
		r.transition(st, from, models.HealthDegraded, now)
	}
}

func (r *Registry) open(st *agentState, now time.Time) {
	st.openedAt = now
	opened := now
	st.desc.OpenedAt = &opened
}

func (r *Registry) transition(st *agentState, from, to models.Health, now time.Time) {
	if from == to {
		return
	}
	st.desc.Health = to

	ev := log.Info()
	if to != models.HealthHealthy {
		ev = log.Warn()
	}
	ev.Str("agent", st.desc.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Int("consecutive_failures", st.desc.ConsecutiveFailures).
		Msg("Agent health changed")

	r.metrics.RecordHealthTransition(st.desc.ID, string(to))
	if r.observer != nil {
		r.observer(models.AgentStatusEvent{
			AgentID:   st.desc.ID,
			From:      from,
			To:        to,
			Failures:  st.desc.ConsecutiveFailures,
			Timestamp: now,
		})
	}
}

// Get returns a copy of one descriptor.
func (r *Registry) Get(agentID string) (models.AgentDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byID[agentID]
	if !ok {
		return models.AgentDescriptor{}, false
	}
	return copyDescriptor(st.desc), true
}

// Snapshot returns copies of every descriptor in registration order.
func (r *Registry) Snapshot() []models.AgentDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AgentDescriptor, 0, len(r.order))
	for _, st := range r.order {
		out = append(out, copyDescriptor(st.desc))
	}
	return out
}

// Adapters returns every agent's adapter keyed by ID. Used for health
// checks, which do not feed the breaker.
func (r *Registry) Adapters() map[string]agents.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]agents.Adapter, len(r.order))
	for _, st := range r.order {
		out[st.desc.ID] = st.adapter
	}
	return out
}

func copyDescriptor(d models.AgentDescriptor) models.AgentDescriptor {
	d.Capabilities = append([]models.Capability(nil), d.Capabilities...)
	if d.OpenedAt != nil {
		t := *d.OpenedAt
		d.OpenedAt = &t
	}
	return d
}

func fastest(states []*agentState) *agentState {
	if len(states) == 0 {
		return nil
	}
	sort.SliceStable(states, func(i, j int) bool {
		return latencyOf(states[i]) < latencyOf(states[j])
	})
	return states[0]
}

func latencyOf(st *agentState) int64 {
	if st.desc.LatencyMs == 0 {
		return unknownLatencyMs
	}
	return st.desc.LatencyMs
}

func excluded(id string, exclude []string) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}
