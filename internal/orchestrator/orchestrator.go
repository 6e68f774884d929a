// Package orchestrator resolves requests end to end: validation,
// admission, the response cache, agent selection with retry and fallback,
// and publication of results to subscribers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/querygate/querygate/internal/agents"
	"github.com/querygate/querygate/internal/cache"
	"github.com/querygate/querygate/internal/engine"
	"github.com/querygate/querygate/internal/hub"
	"github.com/querygate/querygate/internal/metrics"
	"github.com/querygate/querygate/internal/ratelimit"
	"github.com/querygate/querygate/internal/registry"
	"github.com/querygate/querygate/internal/validation"
	"github.com/querygate/querygate/pkg/models"
)

var tracer = otel.Tracer("querygate/orchestrator")

// Logical endpoints the limiter keys on.
const (
	EndpointQuery        = "query"
	EndpointSubscription = "subscription"
)

// Config holds the per-call agent policy and the admission rules.
type Config struct {
	CallTimeout  time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	MaxFallbacks int
	// Rules maps a logical endpoint to its budget. Requests for an
	// endpoint without a rule fall back to the query rule.
	Rules map[string]ratelimit.Rule
}

// Answer is what the cache stores per fingerprint.
type Answer struct {
	Value    string
	AgentID  string
	Attempts int
}

// Deps are the collaborators the orchestrator drives. Engine and Metrics
// are optional.
type Deps struct {
	Limiter  ratelimit.Limiter
	Registry *registry.Registry
	Cache    *cache.Cache[Answer]
	Results  *hub.Hub[models.Result]
	Engine   engine.Engine
	Metrics  *metrics.Collector
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time
	rnd  func() float64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithJitter overrides the jitter source, which must return values in
// [0, 0.5).
func WithJitter(rnd func() float64) Option {
	return func(o *Orchestrator) { o.rnd = rnd }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New wires an orchestrator.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NoopLimiter{}
	}
	if deps.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("orchestrator: cache is required")
	}
	if deps.Results == nil {
		return nil, errors.New("orchestrator: results hub is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxFallbacks < 0 {
		cfg.MaxFallbacks = 0
	}

	o := &Orchestrator{cfg: cfg, deps: deps, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// DefaultTopic is where a result is published when the request names no
// topic.
func DefaultTopic(kind models.RequestKind, fingerprint string) string {
	return string(kind) + ":" + fingerprint
}

// Admit checks the budget of principal on endpoint.
func (o *Orchestrator) Admit(ctx context.Context, endpoint, principal string) ratelimit.Decision {
	rule, ok := o.cfg.Rules[endpoint]
	if !ok {
		rule, ok = o.cfg.Rules[EndpointQuery]
	}
	if !ok {
		return ratelimit.NoopLimiter{}.Admit(ctx, endpoint, rule)
	}
	return o.deps.Limiter.Admit(ctx, ratelimit.Key(endpoint, principal), rule)
}

// Resolve runs one request through validation, admission, the cache and
// the agents, publishes the result and returns it.
func (o *Orchestrator) Resolve(ctx context.Context, req models.Request) (models.Result, error) {
	return o.resolve(ctx, req, true)
}

func (o *Orchestrator) resolve(ctx context.Context, req models.Request, admit bool) (res models.Result, err error) {
	start := o.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = start
	}

	ctx, span := tracer.Start(ctx, "orchestrator.Resolve", trace.WithAttributes(
		attribute.String("querygate.request_id", req.ID),
		attribute.String("querygate.kind", string(req.Kind)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		o.deps.Metrics.RecordResolve(string(req.Kind), outcomeLabel(err), time.Since(start))
	}()

	if err := validation.Request(&req); err != nil {
		return models.Result{}, err
	}

	var status *models.RateLimitStatus
	if admit {
		endpoint := req.Endpoint
		if endpoint == "" {
			endpoint = EndpointQuery
		}
		d := o.Admit(ctx, endpoint, req.RequesterID)
		if !d.Allowed {
			log.Info().Str("requester", req.RequesterID).Str("endpoint", endpoint).
				Dur("retry_after", d.RetryAfter).Msg("Request rate limited")
			return models.Result{}, deniedError(endpoint, d)
		}
		s := d.Status()
		status = &s
	}

	capability := req.Capability
	if capability == "" {
		capability = req.Kind.Capability()
	}
	if req.Fingerprint == "" {
		req.Fingerprint = cache.Fingerprint(string(req.Kind), req.Input, req.Options)
	}
	span.SetAttributes(attribute.String("querygate.fingerprint", req.Fingerprint))

	ans, outcome, err := o.deps.Cache.GetOrCompute(ctx, req.Fingerprint, func(cctx context.Context) (Answer, error) {
		return o.compute(cctx, req, capability)
	})
	if err != nil {
		return models.Result{}, err
	}
	span.SetAttributes(attribute.String("querygate.cache", string(outcome)))

	topic := req.Topic
	if topic == "" {
		topic = DefaultTopic(req.Kind, req.Fingerprint)
	}
	res = models.Result{
		RequestID:   req.ID,
		Kind:        req.Kind,
		Value:       ans.Value,
		Fingerprint: req.Fingerprint,
		AgentID:     ans.AgentID,
		Attempts:    ans.Attempts,
		Cached:      outcome == cache.OutcomeHit,
		Topic:       topic,
		CompletedAt: o.now(),
	}
	o.deps.Results.Publish(topic, res)

	res.RateLimit = status
	return res, nil
}

// compute picks an agent and calls it, retrying transient failures and
// falling back to other agents of the same capability. It runs detached
// from the requester.
func (o *Orchestrator) compute(ctx context.Context, req models.Request, capability models.Capability) (Answer, error) {
	var tried []string
	var lastErr error

	for round := 0; round <= o.cfg.MaxFallbacks; round++ {
		lease, err := o.deps.Registry.Pick(capability, tried...)
		if err != nil {
			if lastErr == nil {
				return Answer{}, models.WrapError(models.ErrAgentUnavailable, err, err.Error())
			}
			break
		}
		tried = append(tried, lease.AgentID)

		value, attempts, latency, err := o.callWithRetry(ctx, lease, req)
		if err == nil {
			o.deps.Registry.Report(lease.AgentID, registry.Outcome{Success: true, Latency: latency, Trial: lease.Trial})
			return Answer{Value: value, AgentID: lease.AgentID, Attempts: attempts}, nil
		}

		o.deps.Registry.Report(lease.AgentID, registry.Outcome{Success: false, Trial: lease.Trial})
		lastErr = err
		log.Warn().Err(err).Str("agent", lease.AgentID).Int("attempts", attempts).
			Str("capability", string(capability)).Msg("Agent failed, trying next")
	}

	return Answer{}, models.WrapError(models.ErrAgentUnavailable, lastErr,
		fmt.Sprintf("all agents failed for %s: %v", capability, lastErr))
}

func (o *Orchestrator) callWithRetry(ctx context.Context, lease registry.Lease, req models.Request) (string, int, time.Duration, error) {
	attempts := 0
	var latency time.Duration

	op := func() (string, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
		actx, span := tracer.Start(actx, "agent.call", trace.WithAttributes(
			attribute.String("querygate.agent", lease.AgentID),
			attribute.Int("querygate.attempt", attempts),
			attribute.Bool("querygate.trial", lease.Trial),
		))
		defer span.End()

		started := time.Now()
		out, err := invoke(actx, lease.Adapter, req)
		latency = time.Since(started)

		if err != nil && !models.IsKind(err, models.ErrAgentTimeout) && errors.Is(actx.Err(), context.DeadlineExceeded) {
			err = models.WrapError(models.ErrAgentTimeout, err, fmt.Sprintf("%s: no answer within %s", lease.AgentID, o.cfg.CallTimeout))
		}
		o.deps.Metrics.RecordAgentCall(lease.AgentID, outcomeLabel(err), latency)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if models.IsKind(err, models.ErrAgentInvalidResponse) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return out, nil
	}

	// A trial lease gets exactly one call.
	retries := uint64(o.cfg.MaxRetries)
	if lease.Trial {
		retries = 0
	}
	var b backoff.BackOff = newJitteredBackOff(o.cfg.BackoffBase, o.rnd)
	b = backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)

	out, err := backoff.RetryNotifyWithData(op, b, func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("agent", lease.AgentID).Int("attempt", attempts).
			Dur("backoff", wait).Msg("Agent call failed, retrying")
	})
	return out, attempts, latency, err
}

func invoke(ctx context.Context, a agents.Adapter, req models.Request) (string, error) {
	switch req.Kind {
	case models.KindInsight:
		return a.Summarize(ctx, req.Input)
	default:
		return a.Translate(ctx, req.Input)
	}
}

// Invalidate drops a cached answer.
func (o *Orchestrator) Invalidate(fingerprint string) bool {
	removed := o.deps.Cache.Invalidate(fingerprint)
	log.Info().Str("fingerprint", fingerprint).Bool("removed", removed).Msg("Cache entry invalidated")
	return removed
}

// Subscribe admits principal on the subscription endpoint and attaches
// to topic.
func (o *Orchestrator) Subscribe(ctx context.Context, principal, topic string) (*hub.Subscription[models.Result], error) {
	d := o.Admit(ctx, EndpointSubscription, principal)
	if !d.Allowed {
		return nil, deniedError(EndpointSubscription, d)
	}
	return o.deps.Results.Subscribe(topic)
}

// Unsubscribe detaches a subscription made with Subscribe.
func (o *Orchestrator) Unsubscribe(sub *hub.Subscription[models.Result]) {
	o.deps.Results.Unsubscribe(sub)
}

// Agents returns the registry snapshot.
func (o *Orchestrator) Agents() []models.AgentDescriptor {
	return o.deps.Registry.Snapshot()
}

func deniedError(endpoint string, d ratelimit.Decision) *models.Error {
	status := d.Status()
	return &models.Error{
		Kind:       models.ErrRateLimited,
		Detail:     fmt.Sprintf("rate limit exceeded for %s", endpoint),
		RetryAfter: d.RetryAfter,
		RateLimit:  &status,
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	if e, ok := models.AsError(err); ok {
		return string(e.Kind)
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "error"
}
