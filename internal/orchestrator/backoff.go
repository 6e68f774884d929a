package orchestrator

import (
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Delay is the wait before retry attempt n (n >= 1):
// base * 2^(n-1) * (0.5 + jitter), with jitter in [0, 0.5).
func Delay(base time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(2, float64(attempt-1)) * (0.5 + jitter)
	return time.Duration(float64(base) * factor)
}

// jitteredBackOff feeds Delay into backoff.Retry.
type jitteredBackOff struct {
	base    time.Duration
	attempt int
	rnd     func() float64
}

func newJitteredBackOff(base time.Duration, rnd func() float64) *jitteredBackOff {
	if rnd == nil {
		rnd = func() float64 { return rand.Float64() / 2 }
	}
	return &jitteredBackOff{base: base, rnd: rnd}
}

func (b *jitteredBackOff) NextBackOff() time.Duration {
	b.attempt++
	return Delay(b.base, b.attempt, b.rnd())
}

func (b *jitteredBackOff) Reset() { b.attempt = 0 }

var _ backoff.BackOff = (*jitteredBackOff)(nil)
