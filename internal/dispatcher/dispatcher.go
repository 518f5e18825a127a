// Package dispatcher wraps a single outbound provider call with the full
// protection stack: the process-local concurrency limiter, the distributed
// dual (request + token) rate check with compensating rollback, API-key
// selection and rotation, bounded worker-pool offload of the blocking HTTP
// round trip, and estimated-vs-actual token reconciliation against the
// shared deficit counter.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jordanhubbard/mlcore/internal/concurrency"
	"github.com/jordanhubbard/mlcore/internal/errs"
	"github.com/jordanhubbard/mlcore/internal/keypool"
	"github.com/jordanhubbard/mlcore/internal/metrics"
	"github.com/jordanhubbard/mlcore/internal/providers"
	"github.com/jordanhubbard/mlcore/internal/ratelimitconfig"
	"github.com/jordanhubbard/mlcore/internal/ratelimiter"
)

// poolExhaustedRetryAfter is suggested when no key in the pool is usable.
const poolExhaustedRetryAfter = 60 * time.Second

// defaultKeyCooldown applies when a provider signals a rate limit without
// saying for how long.
const defaultKeyCooldown = 60 * time.Second

// RateLimiter is the distributed-limiter surface the dispatcher consumes.
// Satisfied by *ratelimiter.Limiter; tests substitute a fake.
type RateLimiter interface {
	CheckLimit(ctx context.Context, service, identifier string, cost float64) (ratelimiter.Result, error)
	RecordUsage(ctx context.Context, service, identifier string, cost float64) error
	Rollback(ctx context.Context, service, identifier string, cost float64) error
}

// Request describes one logical provider call to protect.
type Request struct {
	// Service is the request-count rate-limit partition (e.g. "llm").
	Service string
	// TokenService is the paired token-volume partition (e.g.
	// "llm_tokens"). Empty skips the token half of the dual check.
	TokenService string
	// Model selects the cost multiplier and labels latency metrics.
	Model string
	// Identifier partitions the rate limit; empty means the global
	// "default" bucket.
	Identifier string
	// RequestCost is the request-count cost; zero means 1.
	RequestCost float64
	// EstimatedTokens is the caller's pre-call token estimate, typically
	// input*1.2 + max_output. The outstanding deficit is added on top.
	EstimatedTokens float64
}

// CallFunc performs the provider call with the selected credential. The
// dispatcher runs it on the worker pool; it must be safe to run on another
// goroutine. It returns the provider-reported token usage.
type CallFunc func(ctx context.Context, apiKey string) (providers.Usage, error)

// Outcome reports how a successful dispatch went.
type Outcome struct {
	KeyID           string
	Attempts        int
	ActualTokens    int
	EstimatedTokens float64
}

// Dispatcher is the per-service protection stack. One Dispatcher serves one
// provider service and owns that service's key pool and concurrency limiter.
type Dispatcher struct {
	limiter  RateLimiter
	pool     *keypool.Pool
	conc     *concurrency.Limiter
	deficit  *DeficitTracker
	configs  ratelimitconfig.Store
	classify providers.Classifier
	workers  *workerPool
	metrics  *metrics.Registry
	logger   *slog.Logger
	clock    func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source (for tests).
func WithClock(c func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics attaches the telemetry registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithWorkers sizes the blocking-call worker pool.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		d.workers.close()
		d.workers = newWorkerPool(n, 0)
	}
}

// New builds a Dispatcher. classify buckets provider errors; pass the
// provider adapter's ClassifyError.
func New(limiter RateLimiter, pool *keypool.Pool, conc *concurrency.Limiter, deficit *DeficitTracker, configs ratelimitconfig.Store, classify providers.Classifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		limiter:  limiter,
		pool:     pool,
		conc:     conc,
		deficit:  deficit,
		configs:  configs,
		classify: classify,
		workers:  newWorkerPool(4, 0),
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Close stops the worker pool.
func (d *Dispatcher) Close() {
	d.workers.close()
}

// CostMultiplier returns the model's configured cost multiplier for the
// request service, 1.0 for an unknown model or service.
func (d *Dispatcher) CostMultiplier(service, model string) float64 {
	cfg, ok := d.configs.Get(service)
	if !ok {
		return 1.0
	}
	return cfg.CostMultiplier(model)
}

// Dispatch runs call under the full protection stack and returns its
// outcome. The error taxonomy is the package errs one: concurrency or pool
// exhaustion, rate-limit refusal, limiter unavailability, transient
// provider failure after all rotations, or a permanent provider failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, call CallFunc) (Outcome, error) {
	if req.Identifier == "" {
		req.Identifier = "default"
	}
	if req.RequestCost == 0 {
		req.RequestCost = 1
	}

	if !d.conc.TryAcquire() {
		return Outcome{}, &errs.ConcurrencyExhaustedError{RetryAfter: concurrency.DefaultRetryAfter}
	}
	defer d.conc.Release()

	estimate := req.EstimatedTokens
	if d.deficit != nil && req.TokenService != "" {
		outstanding, err := d.deficit.Outstanding(ctx, req.TokenService, req.Identifier)
		if err != nil {
			d.logger.Warn("deficit read failed, using raw estimate", slog.Any("error", err))
		} else {
			estimate += outstanding
		}
	}

	maxAttempts := 2 * d.pool.Size()
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		key := d.pool.Next(d.clock())
		if key == nil {
			return Outcome{}, &errs.PoolExhaustedError{RetryAfter: poolExhaustedRetryAfter}
		}

		if err := d.dualCheck(ctx, req, estimate); err != nil {
			return Outcome{}, err
		}

		start := d.clock()
		usage, err := d.workers.run(ctx, func() (providers.Usage, error) {
			return call(ctx, key.Secret)
		})
		if d.metrics != nil {
			d.metrics.ModelLatency.WithLabelValues(req.Service, req.Model).
				Observe(d.clock().Sub(start).Seconds())
		}

		if err == nil {
			d.pool.MarkSuccess(key)
			d.pool.RecordTokens(key, int64(usage.Total()))
			d.recordKeyHealth()
			d.reconcile(ctx, req, estimate, usage)
			return Outcome{
				KeyID:           key.ID,
				Attempts:        attempt,
				ActualTokens:    usage.Total(),
				EstimatedTokens: estimate,
			}, nil
		}

		lastErr = d.handleCallError(req, key, err)
		if errs.Classify(lastErr) == errs.KindProviderPermanent || ctx.Err() != nil {
			return Outcome{}, lastErr
		}
	}

	if lastErr == nil {
		lastErr = &errs.PoolExhaustedError{RetryAfter: poolExhaustedRetryAfter}
	}
	return Outcome{}, lastErr
}

// dualCheck runs the request-count check, then the token-volume check, and
// compensates the first when the second refuses. The checks are not atomic
// across the two limiters; the rollback is what keeps a refused call from
// leaking consumed request quota.
func (d *Dispatcher) dualCheck(ctx context.Context, req Request, estimate float64) error {
	res, err := d.limiter.CheckLimit(ctx, req.Service, req.Identifier, req.RequestCost)
	if err != nil {
		d.countCheck(req.Service, "error")
		return err
	}
	if !res.Allowed {
		d.countCheck(req.Service, "denied")
		return &errs.RateLimitedError{Service: req.Service, RetryAfter: res.RetryAfter}
	}
	d.countCheck(req.Service, "allowed")

	if req.TokenService == "" {
		return nil
	}

	tokenCost := estimate * d.CostMultiplier(req.Service, req.Model)
	tres, err := d.limiter.CheckLimit(ctx, req.TokenService, req.Identifier, tokenCost)
	if err != nil {
		d.countCheck(req.TokenService, "error")
		d.rollbackRequest(ctx, req)
		return err
	}
	if !tres.Allowed {
		d.countCheck(req.TokenService, "denied")
		d.rollbackRequest(ctx, req)
		return &errs.RateLimitedError{Service: req.TokenService, RetryAfter: tres.RetryAfter}
	}
	d.countCheck(req.TokenService, "allowed")
	return nil
}

func (d *Dispatcher) rollbackRequest(ctx context.Context, req Request) {
	if err := d.limiter.Rollback(ctx, req.Service, req.Identifier, req.RequestCost); err != nil {
		d.logger.Warn("request-cost rollback failed",
			slog.String("service", req.Service), slog.Any("error", err))
	}
}

// handleCallError classifies a failed provider call, transitions the key,
// and returns the error to surface if the loop gives up here. RateLimited
// and Transient both rotate; ContextOverflow and Fatal are permanent.
func (d *Dispatcher) handleCallError(req Request, key *keypool.Key, err error) error {
	ce := d.classify(err)
	switch ce.Class {
	case providers.ClassRateLimited:
		cooldown := ce.RetryAfter
		if cooldown <= 0 {
			cooldown = defaultKeyCooldown
		}
		d.pool.MarkRateLimited(key, cooldown, d.clock())
		d.countRotation(req.Service, "rate_limit")
		d.recordKeyHealth()
		return &errs.ProviderTransientError{Cause: err, RetryAfter: ce.RetryAfter}
	case providers.ClassTransient:
		d.pool.MarkError(key)
		d.countRotation(req.Service, "error")
		d.recordKeyHealth()
		return &errs.ProviderTransientError{Cause: err}
	default:
		// ContextOverflow and Fatal: retrying won't help.
		d.pool.MarkError(key)
		d.recordKeyHealth()
		return fmt.Errorf("%w: %v", errs.ErrProviderPermanent, err)
	}
}

// reconcile folds the provider-reported actual usage back into the token
// limiter and the shared deficit counter. Over-estimates decrement the
// deficit (never below zero); under-estimates record the shortfall as
// extra token usage so subsequent checks see it.
func (d *Dispatcher) reconcile(ctx context.Context, req Request, estimate float64, usage providers.Usage) {
	if req.TokenService == "" {
		return
	}
	actual := float64(usage.Total())
	delta := actual - estimate

	if d.deficit != nil {
		if _, err := d.deficit.Adjust(ctx, req.TokenService, req.Identifier, delta); err != nil {
			d.logger.Warn("deficit adjust failed", slog.Any("error", err))
		}
	}

	if delta > 0 {
		shortfall := delta * d.CostMultiplier(req.Service, req.Model)
		if err := d.limiter.RecordUsage(ctx, req.TokenService, req.Identifier, shortfall); err != nil {
			d.logger.Warn("token shortfall recording failed", slog.Any("error", err))
		}
	}
}

func (d *Dispatcher) countCheck(service, result string) {
	if d.metrics != nil {
		d.metrics.RateLimitChecksTotal.WithLabelValues(service, result).Inc()
	}
}

func (d *Dispatcher) countRotation(service, reason string) {
	if d.metrics != nil {
		d.metrics.APIKeyRotationsTotal.WithLabelValues(service, reason).Inc()
	}
}

func (d *Dispatcher) recordKeyHealth() {
	if d.metrics == nil {
		return
	}
	s := d.pool.Stats()
	d.metrics.APIKeyHealthStatus.WithLabelValues(s.Service, string(keypool.StatusActive)).Set(float64(s.ActiveKeys))
	d.metrics.APIKeyHealthStatus.WithLabelValues(s.Service, string(keypool.StatusRateLimited)).Set(float64(s.RateLimitedKeys))
	d.metrics.APIKeyHealthStatus.WithLabelValues(s.Service, string(keypool.StatusError)).Set(float64(s.ErrorKeys))
	d.metrics.APIKeyHealthStatus.WithLabelValues(s.Service, string(keypool.StatusExhausted)).Set(float64(s.ExhaustedKeys))
}
