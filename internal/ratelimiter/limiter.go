// Package ratelimiter orchestrates the rate-limit store scripts across all
// of a service's configured limits, guarding store calls with a circuit
// breaker and exposing the backoff-delay API used by callers that were
// refused.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jordanhubbard/mlcore/internal/backoff"
	"github.com/jordanhubbard/mlcore/internal/circuitbreaker"
	"github.com/jordanhubbard/mlcore/internal/errs"
	"github.com/jordanhubbard/mlcore/internal/ratelimitconfig"
	"github.com/jordanhubbard/mlcore/internal/ratelimitstore"
)

// Result is the outcome of a CheckLimit call.
type Result struct {
	Allowed    bool
	Remaining  float64
	Limit      float64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Limiter is the distributed rate limiter for one process. It is safe for
// concurrent use.
type Limiter struct {
	store   *ratelimitstore.Store
	configs ratelimitconfig.Store
	breaker *circuitbreaker.Breaker
	backoff *backoff.Tracker
	clock   Clock
	logger  *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (for tests).
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithBreaker substitutes the circuit breaker guarding the store, so the
// caller can attach a state-change callback (e.g. the circuit-breaker
// telemetry gauge) or tune the threshold.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(l *Limiter) { l.breaker = b }
}

// New builds a Limiter backed by store for the given configs.
func New(store *ratelimitstore.Store, configs ratelimitconfig.Store, backoffTracker *backoff.Tracker, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		configs: configs,
		backoff: backoffTracker,
		clock:   time.Now,
		logger:  slog.Default(),
		breaker: circuitbreaker.New(circuitbreaker.WithThreshold(1), circuitbreaker.WithCooldown(30*time.Second)),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CheckLimit evaluates every configured Limit for service in order, failing
// fast on the first refusal without recording partial consumption against
// the remaining limits.
func (l *Limiter) CheckLimit(ctx context.Context, service, identifier string, cost float64) (Result, error) {
	if identifier == "" {
		identifier = "default"
	}

	// A missing config or a service with rate limiting switched off must
	// pass even while the store circuit is open.
	cfg, ok := l.configs.Get(service)
	if !ok {
		l.logger.Warn("rate limit config missing, allowing by default", slog.String("service", service))
		return Result{Allowed: true}, nil
	}
	if !cfg.EnableRateLimiting {
		return Result{Allowed: true}, nil
	}

	if !l.breaker.Allow() {
		return Result{}, errs.ErrRateLimiterUnavailable
	}

	now := l.clock()
	nowMs := now.UnixMilli()

	var smallest Result
	smallestSet := false

	for _, limit := range cfg.Limits {
		res, err := l.checkOne(ctx, cfg, service, identifier, nowMs, limit, cost)
		if err != nil {
			l.breaker.RecordFailure()
			return Result{}, fmt.Errorf("%w: %v", errs.ErrRateLimiterUnavailable, err)
		}
		l.breaker.RecordSuccess()

		wrapped := Result{
			Allowed:    res.Allowed,
			Remaining:  res.Remaining,
			Limit:      res.Limit,
			RetryAfter: time.Duration(res.RetryAfter) * time.Second,
			ResetAt:    now.Add(time.Duration(res.RetryAfter) * time.Second),
		}
		if !res.Allowed {
			if !smallestSet || wrapped.RetryAfter < smallest.RetryAfter {
				smallest = wrapped
				smallestSet = true
			}
		}
	}

	if smallestSet {
		return smallest, nil
	}
	return Result{Allowed: true, ResetAt: now}, nil
}

func (l *Limiter) checkOne(ctx context.Context, cfg ratelimitconfig.Config, service, identifier string, nowMs int64, limit ratelimitconfig.Limit, cost float64) (ratelimitstore.Result, error) {
	switch cfg.Algorithm {
	case ratelimitconfig.SlidingWindow:
		return l.store.CheckSlidingWindow(ctx, service, identifier, nowMs, limit.WindowSeconds, limit.Requests, cost)
	case ratelimitconfig.TokenBucket:
		return l.store.CheckTokenBucket(ctx, service, identifier, nowMs, limit.Capacity, limit.RefillPerSecond, cost, cfg.KeyTTLSeconds)
	default:
		return ratelimitstore.Result{}, fmt.Errorf("unknown algorithm %q", cfg.Algorithm)
	}
}

// RecordUsage records additional usage against the token-bucket limit (used
// for token-volume reconciliation after a call returns actual usage).
func (l *Limiter) RecordUsage(ctx context.Context, service, identifier string, cost float64) error {
	cfg, ok := l.configs.Get(service)
	if !ok || !cfg.EnableRateLimiting {
		return nil
	}
	now := l.clock().UnixMilli()
	for _, limit := range cfg.Limits {
		if cfg.Algorithm != ratelimitconfig.TokenBucket {
			continue
		}
		if _, err := l.store.CheckTokenBucket(ctx, service, identifier, now, limit.Capacity, limit.RefillPerSecond, cost, cfg.KeyTTLSeconds); err != nil {
			return err
		}
	}
	return nil
}

// Rollback compensates a prior successful check whose dependent operation
// later failed. It is record_usage with a negated cost.
func (l *Limiter) Rollback(ctx context.Context, service, identifier string, cost float64) error {
	return l.RecordUsage(ctx, service, identifier, -cost)
}

// attemptCounterKey namespaces the backoff attempt counter separately from
// adaptive statistics, even though both may live in the same store.
const attemptTTL = time.Hour

// GetBackoffDelay increments the per-identifier attempt counter and returns
// the delay to wait before the next attempt, per the service's configured
// backoff policy.
func (l *Limiter) GetBackoffDelay(ctx context.Context, service, identifier string) (time.Duration, error) {
	cfg, ok := l.configs.Get(service)
	if !ok {
		return 0, nil
	}
	attempt, err := l.backoff.IncrementAttempt(ctx, service, identifier, attemptTTL)
	if err != nil {
		return 0, err
	}

	var delayMs float64
	switch cfg.Backoff.Type {
	case ratelimitconfig.BackoffExponential:
		delayMs = float64(cfg.Backoff.InitialDelayMs) * pow(cfg.Backoff.Multiplier, float64(attempt-1))
		if delayMs > float64(cfg.Backoff.MaxDelayMs) {
			delayMs = float64(cfg.Backoff.MaxDelayMs)
		}
	case ratelimitconfig.BackoffLinear:
		delayMs = float64(cfg.Backoff.InitialDelayMs) * float64(attempt)
		if delayMs > float64(cfg.Backoff.MaxDelayMs) {
			delayMs = float64(cfg.Backoff.MaxDelayMs)
		}
	case ratelimitconfig.BackoffAdaptive:
		d, err := l.backoff.CalculateDelay(ctx, service, identifier, attempt, cfg.Backoff)
		if err != nil {
			return 0, err
		}
		delayMs = float64(d.Milliseconds())
	}

	if cfg.Backoff.Jitter {
		jitter := delayMs * 0.1 * rand.Float64()
		delayMs += jitter
	}
	return time.Duration(delayMs) * time.Millisecond, nil
}

// RecordSuccess clears the attempt counter for identifier and, for services
// using adaptive backoff, notifies the adaptive tracker.
func (l *Limiter) RecordSuccess(ctx context.Context, service, identifier string) error {
	if err := l.backoff.ClearAttempts(ctx, service, identifier); err != nil {
		return err
	}
	cfg, ok := l.configs.Get(service)
	if ok && cfg.Backoff.Type == ratelimitconfig.BackoffAdaptive {
		return l.backoff.RecordOutcome(ctx, service, identifier, true)
	}
	return nil
}

// RecordFailure notifies the adaptive tracker of a failed attempt, for
// services using adaptive backoff.
func (l *Limiter) RecordFailure(ctx context.Context, service, identifier string) error {
	cfg, ok := l.configs.Get(service)
	if ok && cfg.Backoff.Type == ratelimitconfig.BackoffAdaptive {
		return l.backoff.RecordOutcome(ctx, service, identifier, false)
	}
	return nil
}

func pow(base float64, exp float64) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
