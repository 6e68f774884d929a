package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querygate/querygate/pkg/models"
)

type stubAdapter struct{}

func (stubAdapter) Translate(context.Context, string) (string, error) { return "SELECT 1", nil }
func (stubAdapter) Summarize(context.Context, string) (string, error) { return "ok", nil }
func (stubAdapter) HealthCheck(context.Context) bool                  { return true }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testConfig = Config{FailureThreshold: 3, DegradeAfter: 1, Cooldown: 30 * time.Second}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	r, err := New(testConfig, append([]Option{WithClock(c.Now)}, opts...)...)
	require.NoError(t, err)
	return r, c
}

func register(t *testing.T, r *Registry, id string, caps ...models.Capability) {
	t.Helper()
	require.NoError(t, r.Register(models.AgentDescriptor{ID: id, Kind: "ollama", Capabilities: caps}, stubAdapter{}))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig.Validate())
	assert.Error(t, Config{FailureThreshold: 0, DegradeAfter: 1, Cooldown: time.Second}.Validate())
	assert.Error(t, Config{FailureThreshold: 3, DegradeAfter: 4, Cooldown: time.Second}.Validate())
	assert.Error(t, Config{FailureThreshold: 3, DegradeAfter: 1}.Validate())
}

func TestRegister_Rejects(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r, "a", models.CapabilityTranslate)

	assert.Error(t, r.Register(models.AgentDescriptor{ID: "a", Capabilities: []models.Capability{models.CapabilityTranslate}}, stubAdapter{}))
	assert.Error(t, r.Register(models.AgentDescriptor{ID: "b"}, stubAdapter{}))
	assert.Error(t, r.Register(models.AgentDescriptor{Capabilities: []models.Capability{models.CapabilityTranslate}}, stubAdapter{}))
	assert.Error(t, r.Register(models.AgentDescriptor{ID: "c", Capabilities: []models.Capability{models.CapabilityTranslate}}, nil))
	assert.Equal(t, 1, r.Len())
}

func TestPick_FiltersByCapabilityAndExclude(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r, "sql", models.CapabilityTranslate)
	register(t, r, "both", models.CapabilityTranslate, models.CapabilitySummarize)

	l, err := r.Pick(models.CapabilitySummarize)
	require.NoError(t, err)
	assert.Equal(t, "both", l.AgentID)

	l, err = r.Pick(models.CapabilityTranslate, "sql")
	require.NoError(t, err)
	assert.Equal(t, "both", l.AgentID)

	_, err = r.Pick(models.CapabilitySummarize, "both")
	assert.ErrorIs(t, err, ErrNoneAvailable)
}

func TestPick_PrefersLowestLatency(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r, "slow", models.CapabilityTranslate)
	register(t, r, "fast", models.CapabilityTranslate)

	r.Report("slow", Outcome{Success: true, Latency: 800 * time.Millisecond})
	r.Report("fast", Outcome{Success: true, Latency: 50 * time.Millisecond})

	l, err := r.Pick(models.CapabilityTranslate)
	require.NoError(t, err)
	assert.Equal(t, "fast", l.AgentID)
}

func TestPick_PrefersHealthyOverDegraded(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r, "flaky", models.CapabilityTranslate)
	register(t, r, "steady", models.CapabilityTranslate)

	r.Report("flaky", Outcome{Success: true, Latency: time.Millisecond})
	r.Report("steady", Outcome{Success: true, Latency: time.Second})
	r.Report("flaky", Outcome{Success: false})

	d, _ := r.Get("flaky")
	assert.Equal(t, models.HealthDegraded, d.Health)

	l, err := r.Pick(models.CapabilityTranslate)
	require.NoError(t, err)
	assert.Equal(t, "steady", l.AgentID)

	l, err = r.Pick(models.CapabilityTranslate, "steady")
	require.NoError(t, err)
	assert.Equal(t, "flaky", l.AgentID)
	assert.Equal(t, models.HealthDegraded, l.Health)
}

func TestLatencyMovingAverage(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r, "a", models.CapabilityTranslate)

	r.Report("a", Outcome{Success: true, Latency: 100 * time.Millisecond})
	r.Report("a", Outcome{Success: true, Latency: 200 * time.Millisecond})

	d, _ := r.Get("a")
	assert.Equal(t, int64(130), d.LatencyMs)
	assert.Equal(t, int64(2), d.Requests)
}

func TestBreaker_OpenCooldownTrialRecover(t *testing.T) {
	var events []models.AgentStatusEvent
	r, c := newTestRegistry(t, WithObserver(func(ev models.AgentStatusEvent) {
		events = append(events, ev)
	}))
	register(t, r, "only", models.CapabilityTranslate)

	for i := 0; i < 3; i++ {
		r.Report("only", Outcome{Success: false})
	}
	d, _ := r.Get("only")
	require.Equal(t, models.HealthUnavailable, d.Health)
	require.NotNil(t, d.OpenedAt)

	// Within cooldown: fail fast.
	c.Advance(29 * time.Second)
	_, err := r.Pick(models.CapabilityTranslate)
	assert.ErrorIs(t, err, ErrNoneAvailable)

	// Cooldown elapsed: exactly one trial is granted.
	c.Advance(time.Second)
	trial, err := r.Pick(models.CapabilityTranslate)
	require.NoError(t, err)
	assert.True(t, trial.Trial)
	_, err = r.Pick(models.CapabilityTranslate)
	assert.ErrorIs(t, err, ErrNoneAvailable)

	r.Report("only", Outcome{Success: true, Latency: 10 * time.Millisecond})
	d, _ = r.Get("only")
	assert.Equal(t, models.HealthHealthy, d.Health)
	assert.Equal(t, 0, d.ConsecutiveFailures)
	assert.Nil(t, d.OpenedAt)

	require.Len(t, events, 3)
	assert.Equal(t, models.HealthDegraded, events[0].To)
	assert.Equal(t, models.HealthUnavailable, events[1].To)
	assert.Equal(t, models.HealthUnavailable, events[2].From)
	assert.Equal(t, models.HealthHealthy, events[2].To)
}

func TestBreaker_FailedTrialRestartsCooldown(t *testing.T) {
	r, c := newTestRegistry(t)
	register(t, r, "only", models.CapabilityTranslate)
	for i := 0; i < 3; i++ {
		r.Report("only", Outcome{Success: false})
	}

	c.Advance(30 * time.Second)
	trial, err := r.Pick(models.CapabilityTranslate)
	require.NoError(t, err)
	require.True(t, trial.Trial)
	r.Report("only", Outcome{Success: false, Trial: true})

	d, _ := r.Get("only")
	assert.Equal(t, models.HealthUnavailable, d.Health)
	assert.Equal(t, c.Now(), *d.OpenedAt)

	c.Advance(10 * time.Second)
	_, err = r.Pick(models.CapabilityTranslate)
	assert.ErrorIs(t, err, ErrNoneAvailable)

	c.Advance(20 * time.Second)
	_, err = r.Pick(models.CapabilityTranslate)
	assert.NoError(t, err)
}

func TestBreaker_LateFailureKeepsTrialExclusive(t *testing.T) {
	r, c := newTestRegistry(t)
	register(t, r, "only", models.CapabilityTranslate)
	for i := 0; i < 3; i++ {
		r.Report("only", Outcome{Success: false})
	}

	c.Advance(30 * time.Second)
	trial, err := r.Pick(models.CapabilityTranslate)
	require.NoError(t, err)
	require.True(t, trial.Trial)

	// A call leased before the circuit opened reports late.
	r.Report("only", Outcome{Success: false})

	d, _ := r.Get("only")
	assert.Equal(t, models.HealthUnavailable, d.Health)

	c.Advance(time.Hour)
	_, err = r.Pick(models.CapabilityTranslate)
	assert.ErrorIs(t, err, ErrNoneAvailable, "a second trial must not be granted while one is in flight")

	r.Report("only", Outcome{Success: true, Latency: time.Millisecond, Trial: true})
	d, _ = r.Get("only")
	assert.Equal(t, models.HealthHealthy, d.Health)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r, "a", models.CapabilityTranslate)

	r.Report("a", Outcome{Success: false})
	r.Report("a", Outcome{Success: false})
	r.Report("a", Outcome{Success: true, Latency: time.Millisecond})
	r.Report("a", Outcome{Success: false})
	r.Report("a", Outcome{Success: false})

	d, _ := r.Get("a")
	assert.Equal(t, models.HealthDegraded, d.Health)
	assert.Equal(t, 2, d.ConsecutiveFailures)
}

func TestPick_ConcurrentTrialGrantedOnce(t *testing.T) {
	r, c := newTestRegistry(t)
	register(t, r, "only", models.CapabilityTranslate)
	for i := 0; i < 3; i++ {
		r.Report("only", Outcome{Success: false})
	}
	c.Advance(time.Minute)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Pick(models.CapabilityTranslate); err == nil {
				granted.Add(1)
			} else if !errors.Is(err, ErrNoneAvailable) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestSnapshotIsACopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	register(t, r, "a", models.CapabilityTranslate)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Capabilities[0] = models.CapabilitySummarize

	_, err := r.Pick(models.CapabilityTranslate)
	assert.NoError(t, err)
	assert.Len(t, r.Adapters(), 1)
}

func TestReportUnknownAgentIsIgnored(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Report("ghost", Outcome{Success: false})
	_, ok := r.Get("ghost")
	assert.False(t, ok)
}
