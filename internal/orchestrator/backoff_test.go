package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay(t *testing.T) {
	base := 100 * time.Millisecond

	assert.Equal(t, 50*time.Millisecond, Delay(base, 1, 0))
	assert.Equal(t, 100*time.Millisecond, Delay(base, 2, 0))
	assert.Equal(t, 200*time.Millisecond, Delay(base, 3, 0))
	assert.Equal(t, 75*time.Millisecond, Delay(base, 1, 0.25))
	assert.Equal(t, 50*time.Millisecond, Delay(base, 0, 0), "attempts below 1 clamp to the first")
}

func TestDelay_Bounds(t *testing.T) {
	base := 500 * time.Millisecond
	for n := 1; n <= 6; n++ {
		lo := Delay(base, n, 0)
		hi := Delay(base, n, 0.4999)
		exp := time.Duration(1<<(n-1)) * base
		assert.Equal(t, exp/2, lo)
		assert.Less(t, hi, exp)
	}
}

func TestJitteredBackOff(t *testing.T) {
	b := newJitteredBackOff(10*time.Millisecond, func() float64 { return 0 })
	assert.Equal(t, 5*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 5*time.Millisecond, b.NextBackOff())
}
