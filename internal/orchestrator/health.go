package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/querygate/querygate/pkg/models"
)

// healthCheckTimeout bounds each adapter health check.
const healthCheckTimeout = 15 * time.Second

// HealthCheckAll checks every registered adapter concurrently. The
// results are informational and never change breaker state.
func (o *Orchestrator) HealthCheckAll(ctx context.Context) []models.AgentTestResult {
	adapters := o.deps.Registry.Adapters()
	kinds := make(map[string]string, len(adapters))
	for _, d := range o.deps.Registry.Snapshot() {
		kinds[d.ID] = d.Kind
	}

	results := make([]models.AgentTestResult, len(adapters))
	ids := make([]string, 0, len(adapters))
	for id := range adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, healthCheckTimeout)
			defer cancel()

			start := time.Now()
			healthy := adapters[id].HealthCheck(pctx)
			results[i] = models.AgentTestResult{
				AgentID:   id,
				Kind:      kinds[id],
				Healthy:   healthy,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if healthy {
				log.Info().Str("agent", id).Msg("Agent connection test successful")
			} else {
				log.Warn().Str("agent", id).Msg("Agent connection test failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
