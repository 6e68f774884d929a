// Package cache is the response cache in front of the agents.
//
// Concurrent misses for the same fingerprint share one computation
// (golang.org/x/sync/singleflight). The computation runs detached from the
// callers' contexts: a caller that gives up only stops waiting. Successful
// values live for a fixed TTL, checked on every read; failures are never
// stored.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/querygate/querygate/internal/metrics"
)

// Outcome tells the caller where its value came from.
type Outcome string

const (
	// OutcomeHit means a live entry was returned without computing.
	OutcomeHit Outcome = "hit"
	// OutcomeMiss means this caller ran the computation.
	OutcomeMiss Outcome = "miss"
	// OutcomeShared means this caller attached to another caller's
	// in-flight computation.
	OutcomeShared Outcome = "shared"
)

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// ComputeFunc produces the value for a missing fingerprint.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

type options struct {
	now        func() time.Time
	sweepEvery time.Duration
	metrics    *metrics.Collector
}

// Option configures a Cache.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSweepInterval sets how often expired entries are reclaimed.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepEvery = d }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// Cache maps fingerprints to values of type V.
type Cache[V any] struct {
	ttl  time.Duration
	opts options

	mu      sync.RWMutex
	entries map[string]entry[V]
	// gens counts invalidations per fingerprint; a computation only stores
	// its value if no invalidation happened since it started.
	gens map[string]uint64

	group singleflight.Group

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a cache and starts its janitor. Call Close to stop it.
func New[V any](ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now, sweepEvery: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[V]{
		ttl:     ttl,
		opts:    o,
		entries: make(map[string]entry[V]),
		gens:    make(map[string]uint64),
		done:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get returns the live value for fingerprint, if any.
func (c *Cache[V]) Get(fingerprint string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok || c.opts.now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetOrCompute returns the cached value for fingerprint or computes it.
//
// At most one computation per fingerprint is in flight; concurrent callers
// receive its result. If ctx ends first the caller gets ctx.Err() while
// the computation continues and may still populate the cache.
func (c *Cache[V]) GetOrCompute(ctx context.Context, fingerprint string, fn ComputeFunc[V]) (V, Outcome, error) {
	var zero V

	if v, ok := c.Get(fingerprint); ok {
		c.opts.metrics.RecordCache(string(OutcomeHit))
		return v, OutcomeHit, nil
	}

	c.mu.RLock()
	gen := c.gens[fingerprint]
	c.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	var led, hitInFlight bool

	ch := c.group.DoChan(fingerprint, func() (any, error) {
		led = true
		// A previous flight may have finished between Get and DoChan.
		if v, ok := c.Get(fingerprint); ok {
			hitInFlight = true
			return v, nil
		}
		v, err := fn(detached)
		if err != nil {
			return nil, err
		}
		c.store(fingerprint, v, gen)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, "", ctx.Err()
	case res := <-ch:
		outcome := OutcomeShared
		switch {
		case led && hitInFlight:
			outcome = OutcomeHit
		case led:
			outcome = OutcomeMiss
		}
		c.opts.metrics.RecordCache(string(outcome))

		if res.Err != nil {
			return zero, outcome, res.Err
		}
		return res.Val.(V), outcome, nil
	}
}

func (c *Cache[V]) store(fingerprint string, v V, gen uint64) {
	now := c.opts.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[fingerprint] != gen {
		return
	}
	c.entries[fingerprint] = entry[V]{value: v, createdAt: now, expiresAt: now.Add(c.ttl)}
}

// Invalidate removes fingerprint. A computation already in flight is not
// stored; callers arriving before it finishes still share it, so there is
// never more than one computation per fingerprint. Reports whether a live
// or expired entry was removed.
func (c *Cache[V]) Invalidate(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, existed := c.entries[fingerprint]
	delete(c.entries, fingerprint)
	c.gens[fingerprint]++
	return existed
}

// Len returns the number of stored entries, including expired ones not
// yet swept.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the janitor. Safe to call multiple times.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Cache[V]) janitor() {
	ticker := time.NewTicker(c.opts.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache[V]) evictExpired() int {
	now := c.opts.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for fp, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, fp)
			n++
		}
	}
	return n
}
