// Package server provides the public entry point for initializing the
// QueryGate server.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	defer srv.Close(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/querygate/querygate/internal/agents"
	"github.com/querygate/querygate/internal/api"
	"github.com/querygate/querygate/internal/api/handlers"
	"github.com/querygate/querygate/internal/api/middleware"
	"github.com/querygate/querygate/internal/cache"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/engine"
	"github.com/querygate/querygate/internal/hub"
	"github.com/querygate/querygate/internal/metrics"
	"github.com/querygate/querygate/internal/orchestrator"
	"github.com/querygate/querygate/internal/ratelimit"
	"github.com/querygate/querygate/internal/registry"
	"github.com/querygate/querygate/internal/telemetry"
	"github.com/querygate/querygate/pkg/models"
)

// Server holds the initialized QueryGate instance.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Orchestrator is exposed so embedders can resolve without HTTP.
	Orchestrator *orchestrator.Orchestrator

	// Port is the port the server should listen on.
	Port int

	// Version is the configured service version.
	Version string

	closers []func(context.Context) error
}

// New loads configuration from the environment and builds the server.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return Build(ctx, cfg)
}

// Build wires every component from cfg. Each component is its own
// instance; nothing is shared through package state.
func Build(ctx context.Context, cfg *config.Config) (_ *Server, err error) {
	srv := &Server{Port: cfg.Port, Version: cfg.Version}
	defer func() {
		if err != nil {
			_ = srv.Close(context.Background())
		}
	}()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv.closers = append(srv.closers, shutdown)

	collector := metrics.NewCollector()

	limiter, err := newLimiter(ctx, cfg.RateLimit, collector)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, func(context.Context) error { return limiter.Close() })

	status := hub.New[models.AgentStatusEvent](hub.Options{
		Name:          "status",
		QueueCapacity: cfg.Hub.QueueCapacity,
		Overflow:      hub.DropOldest,
		Metrics:       collector,
	})
	srv.closers = append(srv.closers, closeFunc(status.Close))

	reg, err := registry.New(registry.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		DegradeAfter:     cfg.Breaker.DegradeAfter,
		Cooldown:         cfg.Breaker.Cooldown,
	},
		registry.WithMetrics(collector),
		registry.WithObserver(func(ev models.AgentStatusEvent) {
			status.Publish(registry.StatusTopic, ev)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}
	if err := registerAgents(reg, cfg.Agents); err != nil {
		return nil, err
	}
	log.Info().Int("agents", reg.Len()).Msg("✅ Agent registry initialized")

	answers := cache.New[orchestrator.Answer](cfg.Cache.TTL, cache.WithMetrics(collector))
	srv.closers = append(srv.closers, closeFunc(answers.Close))

	policy, err := hub.ParsePolicy(cfg.Hub.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	results := hub.New[models.Result](hub.Options{
		Name:           "results",
		QueueCapacity:  cfg.Hub.QueueCapacity,
		Overflow:       policy,
		MaxSubscribers: cfg.Hub.MaxSubscribers,
		Metrics:        collector,
	})
	srv.closers = append(srv.closers, closeFunc(results.Close))

	var eng engine.Engine
	if cfg.Database.URL != "" {
		pg, err := engine.NewPostgres(ctx, cfg.Database.URL, cfg.Database.MaxRows)
		if err != nil {
			return nil, fmt.Errorf("init engine: %w", err)
		}
		srv.closers = append(srv.closers, closeFunc(pg.Close))
		eng = pg
		log.Info().Msg("✅ Postgres engine connected")
	} else {
		log.Info().Msg("🔕 DATABASE_URL not set, /api/v1/query disabled")
	}

	orch, err := orchestrator.New(orchestrator.Config{
		CallTimeout:  cfg.Agent.CallTimeout,
		MaxRetries:   cfg.Agent.MaxRetries,
		BackoffBase:  cfg.Agent.BackoffBase,
		MaxFallbacks: cfg.Agent.MaxFallbacks,
		Rules: map[string]ratelimit.Rule{
			orchestrator.EndpointQuery: {
				Limit:  cfg.RateLimit.QueryLimit,
				Burst:  cfg.RateLimit.QueryBurst,
				Window: cfg.RateLimit.Window,
			},
			orchestrator.EndpointSubscription: {
				Limit:  cfg.RateLimit.SubscriptionLimit,
				Burst:  cfg.RateLimit.SubscriptionBurst,
				Window: cfg.RateLimit.Window,
			},
		},
	}, orchestrator.Deps{
		Limiter:  limiter,
		Registry: reg,
		Cache:    answers,
		Results:  results,
		Engine:   eng,
		Metrics:  collector,
	})
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}
	log.Info().Msg("✅ Orchestrator initialized")

	h := handlers.New(orch, status, collector)
	auth := middleware.NewAPIKeyAuth(cfg.Auth.APIKeys)
	if auth.Enabled() {
		log.Info().Int("keys", len(cfg.Auth.APIKeys)).Msg("🔐 API key auth enabled")
	}

	srv.Handler = api.NewRouter(cfg, h, auth)
	srv.Orchestrator = orch
	return srv, nil
}

// Close releases every component in reverse construction order.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func newLimiter(ctx context.Context, cfg config.RateLimitConfig, c *metrics.Collector) (ratelimit.Limiter, error) {
	switch {
	case !cfg.Enabled:
		log.Warn().Msg("Rate limiting disabled")
		return ratelimit.NoopLimiter{}, nil
	case cfg.RedisURL != "":
		l, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisURL, c)
		if err != nil {
			return nil, fmt.Errorf("init redis limiter: %w", err)
		}
		log.Info().Msg("✅ Redis rate limiter initialized")
		return l, nil
	default:
		log.Info().Msg("✅ In-memory rate limiter initialized")
		return ratelimit.NewMemoryLimiter(ratelimit.WithMetrics(c)), nil
	}
}

func registerAgents(reg *registry.Registry, list []agents.Config) error {
	client := &http.Client{Timeout: 120 * time.Second}
	for _, ac := range list {
		adapter, err := agents.New(ac, client)
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.ID, err)
		}
		desc := models.AgentDescriptor{
			ID:           ac.ID,
			Kind:         ac.Kind,
			Model:        ac.Model,
			Endpoint:     ac.Endpoint,
			Capabilities: ac.Capabilities,
		}
		if err := reg.Register(desc, adapter); err != nil {
			return err
		}
	}
	return nil
}

func closeFunc(fn func()) func(context.Context) error {
	return func(context.Context) error {
		fn()
		return nil
	}
}
