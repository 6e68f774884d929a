// Package metrics collects counters and timers from the admission, cache,
// agent, orchestration and broadcast components.
//
// The Collector is passive: components push observations into it and
// external readers only see Prometheus exposition or a Summary snapshot.
// All methods are safe on a nil *Collector so components can run without
// one in tests.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private Prometheus registry plus cheap atomic totals
// for the JSON summary.
type Collector struct {
	registry *prometheus.Registry
	started  time.Time

	admissions     *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	agentCalls     *prometheus.CounterVec
	agentLatency   *prometheus.HistogramVec
	breakerChanges *prometheus.CounterVec
	resolves       *prometheus.CounterVec
	resolveLatency *prometheus.HistogramVec
	hubPublished   prometheus.Counter
	hubDropped     prometheus.Counter
	hubOverflows   prometheus.Counter
	hubSubscribers prometheus.Gauge

	admitted       atomic.Int64
	denied         atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	cacheShared    atomic.Int64
	agentSuccesses atomic.Int64
	agentFailures  atomic.Int64
	published      atomic.Int64
	dropped        atomic.Int64
	overflows      atomic.Int64
	subscribers    atomic.Int64

	mu         sync.RWMutex
	byOutcome  map[string]int64
	avgResolve time.Duration
	resolveN   int64
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		started:   time.Now(),
		byOutcome: make(map[string]int64),
	}

	c.admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_admissions_total",
		Help: "Rate limiter decisions by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
	c.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_cache_lookups_total",
		Help: "Response cache lookups by outcome (hit, miss, shared)",
	}, []string{"outcome"})
	c.agentCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_agent_calls_total",
		Help: "Agent adapter attempts by agent and outcome",
	}, []string{"agent", "outcome"})
	c.agentLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querygate_agent_call_duration_seconds",
		Help:    "Agent adapter attempt latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"agent"})
	c.breakerChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_agent_health_transitions_total",
		Help: "Agent health state transitions",
	}, []string{"agent", "to"})
	c.resolves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_resolves_total",
		Help: "Resolve calls by kind and outcome",
	}, []string{"kind", "outcome"})
	c.resolveLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querygate_resolve_duration_seconds",
		Help:    "End-to-end Resolve latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	c.hubPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_hub_messages_published_total",
		Help: "Messages published to the broadcast hub",
	})
	c.hubDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_hub_messages_dropped_total",
		Help: "Messages discarded by the drop-oldest overflow policy",
	})
	c.hubOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "querygate_hub_subscriber_overflows_total",
		Help: "Subscribers disconnected by the overflow policy",
	})
	c.hubSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "querygate_hub_subscribers",
		Help: "Live broadcast subscriptions",
	})

	c.registry.MustRegister(
		c.admissions, c.cacheLookups, c.agentCalls, c.agentLatency,
		c.breakerChanges, c.resolves, c.resolveLatency,
		c.hubPublished, c.hubDropped, c.hubOverflows, c.hubSubscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordAdmission counts a limiter decision.
func (c *Collector) RecordAdmission(endpoint string, allowed bool) {
	if c == nil {
		return
	}
	outcome := "allowed"
	if allowed {
		c.admitted.Add(1)
	} else {
		outcome = "denied"
		c.denied.Add(1)
	}
	c.admissions.WithLabelValues(endpoint, outcome).Inc()
}

// RecordCache counts a cache lookup outcome.
func (c *Collector) RecordCache(outcome string) {
	if c == nil {
		return
	}
	switch outcome {
	case "hit":
		c.cacheHits.Add(1)
	case "miss":
		c.cacheMisses.Add(1)
	case "shared":
		c.cacheShared.Add(1)
	}
	c.cacheLookups.WithLabelValues(outcome).Inc()
}

// RecordAgentCall counts one adapter attempt.
func (c *Collector) RecordAgentCall(agentID, outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	if outcome == "success" {
		c.agentSuccesses.Add(1)
	} else {
		c.agentFailures.Add(1)
	}
	c.agentCalls.WithLabelValues(agentID, outcome).Inc()
	c.agentLatency.WithLabelValues(agentID).Observe(latency.Seconds())
}

// RecordHealthTransition counts an agent health change.
func (c *Collector) RecordHealthTransition(agentID, to string) {
	if c == nil {
		return
	}
	c.breakerChanges.WithLabelValues(agentID, to).Inc()
}

// RecordResolve counts a finished Resolve call.
func (c *Collector) RecordResolve(kind, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.resolves.WithLabelValues(kind, outcome).Inc()
	c.resolveLatency.WithLabelValues(kind).Observe(d.Seconds())

	c.mu.Lock()
	c.byOutcome[outcome]++
	c.resolveN++
	c.avgResolve += (d - c.avgResolve) / time.Duration(c.resolveN)
	c.mu.Unlock()
}

// RecordPublished counts a hub publish.
func (c *Collector) RecordPublished() {
	if c == nil {
		return
	}
	c.published.Add(1)
	c.hubPublished.Inc()
}

// RecordDropped counts a message discarded for a slow subscriber.
func (c *Collector) RecordDropped() {
	if c == nil {
		return
	}
	c.dropped.Add(1)
	c.hubDropped.Inc()
}

// RecordOverflow counts a subscriber disconnected for overflow.
func (c *Collector) RecordOverflow() {
	if c == nil {
		return
	}
	c.overflows.Add(1)
	c.hubOverflows.Inc()
}

// AddSubscribers adjusts the live subscriber gauge.
func (c *Collector) AddSubscribers(delta int) {
	if c == nil {
		return
	}
	c.subscribers.Add(int64(delta))
	c.hubSubscribers.Add(float64(delta))
}

// Summary is the read-only JSON view of the collector.
type Summary struct {
	UptimeSeconds    int64            `json:"uptime_seconds"`
	Admitted         int64            `json:"admitted"`
	Denied           int64            `json:"denied"`
	CacheHits        int64            `json:"cache_hits"`
	CacheMisses      int64            `json:"cache_misses"`
	CacheShared      int64            `json:"cache_shared"`
	AgentSuccesses   int64            `json:"agent_successes"`
	AgentFailures    int64            `json:"agent_failures"`
	Published        int64            `json:"published"`
	Dropped          int64            `json:"dropped"`
	Overflows        int64            `json:"overflows"`
	Subscribers      int64            `json:"subscribers"`
	ResolvesByResult map[string]int64 `json:"resolves_by_outcome"`
	AvgResolveMs     float64          `json:"avg_resolve_ms"`
}

// Snapshot returns the current totals.
func (c *Collector) Snapshot() Summary {
	if c == nil {
		return Summary{ResolvesByResult: map[string]int64{}}
	}
	c.mu.RLock()
	byOutcome := make(map[string]int64, len(c.byOutcome))
	for k, v := range c.byOutcome {
		byOutcome[k] = v
	}
	avg := c.avgResolve
	c.mu.RUnlock()

	return Summary{
		UptimeSeconds:    int64(time.Since(c.started).Seconds()),
		Admitted:         c.admitted.Load(),
		Denied:           c.denied.Load(),
		CacheHits:        c.cacheHits.Load(),
		CacheMisses:      c.cacheMisses.Load(),
		CacheShared:      c.cacheShared.Load(),
		AgentSuccesses:   c.agentSuccesses.Load(),
		AgentFailures:    c.agentFailures.Load(),
		Published:        c.published.Load(),
		Dropped:          c.dropped.Load(),
		Overflows:        c.overflows.Load(),
		Subscribers:      c.subscribers.Load(),
		ResolvesByResult: byOutcome,
		AvgResolveMs:     float64(avg) / float64(time.Millisecond),
	}
}
