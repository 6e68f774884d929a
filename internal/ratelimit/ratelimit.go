// Package ratelimit provides per-key admission control.
//
// Every implementation uses the same fixed-size window with a burst
// allowance: a key may be admitted Limit+Burst times per Window, the window
// restarting on the first admission after it elapses. The in-memory limiter
// is the default; the Redis limiter shares budgets across instances.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/querygate/querygate/pkg/models"
)

// Rule is the budget applied to one logical endpoint.
type Rule struct {
	Limit  int
	Burst  int
	Window time.Duration
}

// Capacity is the number of admissions allowed per window.
func (r Rule) Capacity() int {
	return r.Limit + r.Burst
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Status converts the decision into the externally observable form.
func (d Decision) Status() models.RateLimitStatus {
	return models.RateLimitStatus{
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		RetryAfter: d.RetryAfter,
		ResetAt:    d.ResetAt,
	}
}

// Headers renders the decision as HTTP rate-limit headers.
func (d Decision) Headers() map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(d.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(d.ResetAt.Unix(), 10),
	}
	if !d.Allowed {
		secs := int(d.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		h["Retry-After"] = strconv.Itoa(secs)
	}
	return h
}

// Limiter decides whether a unit of work identified by key is admitted.
// Implementations must be safe for concurrent use. Denial is terminal for
// the call; limiters never retry.
type Limiter interface {
	Admit(ctx context.Context, key string, rule Rule) Decision
	Close() error
}

// Key composes the limiter key for a principal on a logical endpoint.
func Key(endpoint, principal string) string {
	return endpoint + ":" + principal
}

// NoopLimiter admits everything. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Admit always allows.
func (NoopLimiter) Admit(_ context.Context, _ string, rule Rule) Decision {
	return Decision{Allowed: true, Limit: rule.Capacity(), Remaining: rule.Capacity()}
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
