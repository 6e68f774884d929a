package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/querygate/querygate/internal/metrics"
)

// bucket is the window state for one key.
type bucket struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	window      time.Duration
	lastSeen    time.Time
	evicted     bool
}

// MemoryLimiter implements Limiter with an in-process map of buckets.
//
// Lookups take a read lock on the map; each bucket is mutated under its own
// mutex so unrelated keys never contend. A janitor goroutine reclaims
// buckets that saw no admission for more than twice their window.
type MemoryLimiter struct {
	now     func() time.Time
	metrics *metrics.Collector

	mu      sync.RWMutex
	buckets map[string]*bucket

	sweepEvery time.Duration
	stopOnce   sync.Once
	done       chan struct{}
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// WithSweepInterval sets how often idle buckets are reclaimed.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *MemoryLimiter) { m.sweepEvery = d }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) MemoryOption {
	return func(m *MemoryLimiter) { m.metrics = c }
}

// NewMemoryLimiter creates the limiter and starts its janitor. Call Close
// to stop it.
func NewMemoryLimiter(opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		now:        time.Now,
		buckets:    make(map[string]*bucket),
		sweepEvery: time.Minute,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.cleanup()
	return m
}

// Admit applies rule to key.
func (m *MemoryLimiter) Admit(_ context.Context, key string, rule Rule) Decision {
	for {
		b := m.bucketFor(key, rule.Window)

		b.mu.Lock()
		if b.evicted {
			// Lost a race with the janitor; the map now holds (or will
			// hold) a fresh bucket for this key.
			b.mu.Unlock()
			continue
		}
		d := m.admitLocked(b, rule)
		b.mu.Unlock()

		m.metrics.RecordAdmission(endpointOf(key), d.Allowed)
		return d
	}
}

func (m *MemoryLimiter) admitLocked(b *bucket, rule Rule) Decision {
	now := m.now()
	b.lastSeen = now
	b.window = rule.Window

	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= rule.Window {
		b.windowStart = now
		b.count = 0
	}

	capacity := rule.Capacity()
	resetAt := b.windowStart.Add(rule.Window)
	if b.count < capacity {
		b.count++
		return Decision{
			Allowed:   true,
			Limit:     capacity,
			Remaining: capacity - b.count,
			ResetAt:   resetAt,
		}
	}
	return Decision{
		Allowed:    false,
		Limit:      capacity,
		Remaining:  0,
		RetryAfter: rule.Window - now.Sub(b.windowStart),
		ResetAt:    resetAt,
	}
}

func (m *MemoryLimiter) bucketFor(key string, window time.Duration) *bucket {
	m.mu.RLock()
	b, ok := m.buckets[key]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.buckets[key]; ok {
		return b
	}
	b = &bucket{window: window}
	m.buckets[key] = b
	return b
}

// Len returns the number of tracked buckets.
func (m *MemoryLimiter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets)
}

// Close stops the janitor. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

// evictIdle drops buckets idle for more than twice their window.
func (m *MemoryLimiter) evictIdle() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, b := range m.buckets {
		b.mu.Lock()
		if now.Sub(b.lastSeen) > 2*b.window {
			b.evicted = true
			delete(m.buckets, key)
			evicted++
		}
		b.mu.Unlock()
	}
	return evicted
}

func endpointOf(key string) string {
	endpoint, _, _ := strings.Cut(key, ":")
	return endpoint
}
