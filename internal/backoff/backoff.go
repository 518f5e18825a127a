// Package backoff implements the adaptive back-off calculation: a delay
// that grows and shrinks with a service's observed recent success rate,
// its current streak of consecutive outcomes, and historical performance
// at the current hour of day, on top of the plain attempt-count escalation
// used by the exponential and linear policies.
package backoff

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/mlcore/internal/ratelimitconfig"
)

// Redis is the subset of command surface the tracker needs. Satisfied by
// *redis.Client; tests substitute a miniredis-backed client.
type Redis interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Tracker maintains the per-service, per-identifier counters backing the
// adaptive calculation and the plain attempt counter shared by every
// backoff type.
type Tracker struct {
	client Redis
	clock  func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source (for tests), in particular the
// hour-of-day bucket selection.
func WithClock(c func() time.Time) Option {
	return func(t *Tracker) { t.clock = c }
}

// New builds a Tracker backed by client.
func New(client Redis, opts ...Option) *Tracker {
	t := &Tracker{client: client, clock: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

func attemptKey(service, identifier string) string {
	return fmt.Sprintf("backoff:attempts:%s:%s", service, identifier)
}

func statsKey(service, identifier string) string {
	return fmt.Sprintf("adaptive_backoff:%s:%s:stats", service, identifier)
}

func hourKey(service, identifier string, hour int) string {
	return fmt.Sprintf("adaptive_backoff:%s:%s:hour:%d", service, identifier, hour)
}

// IncrementAttempt bumps and returns the plain attempt counter for
// identifier, refreshing its TTL so abandoned counters don't linger
// forever.
func (t *Tracker) IncrementAttempt(ctx context.Context, service, identifier string, ttl time.Duration) (int, error) {
	key := attemptKey(service, identifier)
	n, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("backoff: increment attempt: %w", err)
	}
	if err := t.client.Expire(ctx, key, ttl).Err(); err != nil {
		return 0, fmt.Errorf("backoff: refresh attempt ttl: %w", err)
	}
	return int(n), nil
}

// ClearAttempts resets the attempt counter for identifier after a
// successful call.
func (t *Tracker) ClearAttempts(ctx context.Context, service, identifier string) error {
	if err := t.client.Del(ctx, attemptKey(service, identifier)).Err(); err != nil {
		return fmt.Errorf("backoff: clear attempts: %w", err)
	}
	return nil
}

// RecordOutcome updates the overall and hour-of-day statistics for
// identifier following a call, for services configured with adaptive
// backoff.
func (t *Tracker) RecordOutcome(ctx context.Context, service, identifier string, success bool) error {
	sKey := statsKey(service, identifier)
	hKey := hourKey(service, identifier, t.clock().Hour())

	field := "failure_count"
	streakUp, streakDown := "consecutive_failures", "consecutive_successes"
	if success {
		field = "success_count"
		streakUp, streakDown = "consecutive_successes", "consecutive_failures"
	}

	if err := t.client.HIncrBy(ctx, sKey, field, 1).Err(); err != nil {
		return fmt.Errorf("backoff: record outcome: %w", err)
	}
	if err := t.client.HIncrBy(ctx, sKey, streakUp, 1).Err(); err != nil {
		return fmt.Errorf("backoff: record streak: %w", err)
	}
	// Resetting the opposing streak to zero requires knowing its current
	// value; HIncrBy has no "set" primitive, so streakReset reads it with an
	// extra HGetAll round trip and the increment subtracts it. CalculateDelay
	// still treats any negative streak as zero when consuming it.
	if err := t.client.HIncrBy(ctx, sKey, streakDown, -streakReset(ctx, t, sKey, streakDown)).Err(); err != nil {
		return fmt.Errorf("backoff: reset streak: %w", err)
	}
	if err := t.client.Expire(ctx, sKey, 7*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("backoff: refresh stats ttl: %w", err)
	}

	if err := t.client.HIncrBy(ctx, hKey, field, 1).Err(); err != nil {
		return fmt.Errorf("backoff: record hour outcome: %w", err)
	}
	if err := t.client.Expire(ctx, hKey, 30*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("backoff: refresh hour ttl: %w", err)
	}
	return nil
}

// streakReset returns the current value of field so the caller can zero it
// in a single HIncrBy(-current) call. Errors are treated as "nothing to
// reset" since a missing field is already zero.
func streakReset(ctx context.Context, t *Tracker, key, field string) int64 {
	vals, err := t.client.HGetAll(ctx, key).Result()
	if err != nil {
		return 0
	}
	var n int64
	fmt.Sscanf(vals[field], "%d", &n)
	return n
}

// CalculateDelay computes the adaptive delay for the given attempt number,
// given the policy's initial/max delay bounds. The calculation proceeds in
// five steps, each a multiplier applied on top of the policy's initial
// delay: the overall success rate picks a base multiplier, the current
// consecutive-outcome streak adjusts it, the current hour-of-day's
// historical success rate adjusts it again (gated on at least ten samples
// for that hour), consecutive failures escalate it exponentially capped at
// 8x, and the result is clamped to [InitialDelayMs, MaxDelayMs]. attempt is
// accepted for signature symmetry with the exponential/linear policies but
// does not otherwise factor into the formula — the recency of the streak
// already captures it.
func (t *Tracker) CalculateDelay(ctx context.Context, service, identifier string, attempt int, policy ratelimitconfig.BackoffPolicy) (time.Duration, error) {
	stats, err := t.client.HGetAll(ctx, statsKey(service, identifier)).Result()
	if err != nil {
		return 0, fmt.Errorf("backoff: load stats: %w", err)
	}
	successes := parseInt(stats["success_count"])
	failures := parseInt(stats["failure_count"])
	consecutiveFailures := parseInt(stats["consecutive_failures"])
	if consecutiveFailures < 0 {
		consecutiveFailures = 0
	}
	consecutiveSuccesses := parseInt(stats["consecutive_successes"])
	if consecutiveSuccesses < 0 {
		consecutiveSuccesses = 0
	}

	// Step 1: base multiplier from the overall success rate.
	total := successes + failures
	multiplier := 4.0
	if total > 0 {
		successRate := float64(successes) / float64(total)
		switch {
		case successRate > 0.8:
			multiplier = 0.5
		case successRate > 0.5:
			multiplier = 1.0
		case successRate > 0.2:
			multiplier = 2.0
		default:
			multiplier = 4.0
		}
	}

	// Step 2: consecutive-trend adjustment.
	switch {
	case consecutiveSuccesses >= 3:
		multiplier *= 0.8
	case consecutiveFailures >= 3:
		multiplier *= 1.5
	}

	// Step 3: hour-of-day multiplier, gated on at least ten samples for the
	// current hour so a sparsely-observed hour doesn't swing the delay on
	// noise.
	hourStats, err := t.client.HGetAll(ctx, hourKey(service, identifier, t.clock().Hour())).Result()
	if err != nil {
		return 0, fmt.Errorf("backoff: load hour stats: %w", err)
	}
	hourSuccesses := parseInt(hourStats["success_count"])
	hourTotal := hourSuccesses + parseInt(hourStats["failure_count"])
	if hourTotal >= 10 && total > 0 {
		hourRate := float64(hourSuccesses) / float64(hourTotal)
		overallRate := float64(successes) / float64(total)
		switch {
		case overallRate > 0 && hourRate > 1.2*overallRate:
			multiplier *= 0.8
		case overallRate > 0 && hourRate < 0.8*overallRate:
			multiplier *= 1.5
		}
	}

	// Step 4: exponential escalation on consecutive failures, capped 8x.
	if consecutiveFailures > 0 {
		escalation := pow(2.0, float64(consecutiveFailures-1))
		if escalation > 8 {
			escalation = 8
		}
		multiplier *= escalation
	}

	delay := float64(policy.InitialDelayMs) * multiplier

	// Step 5: final clamp.
	if delay < float64(policy.InitialDelayMs) {
		delay = float64(policy.InitialDelayMs)
	}
	if delay > float64(policy.MaxDelayMs) {
		delay = float64(policy.MaxDelayMs)
	}

	return time.Duration(delay) * time.Millisecond, nil
}

func parseInt(s string) int {
	if s == "" {
		return 0
	}
	var n int
	fmt.Sscanf(s, "%d", &n)
	return n
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
