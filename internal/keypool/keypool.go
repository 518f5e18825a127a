// Package keypool holds the process-local pool of outbound provider API
// keys: health state per key, round-robin-by-oldest-use selection, and the
// status transitions (active/rate_limited/error/exhausted) that the
// provider dispatcher drives as calls succeed or fail. When an event bus is
// attached, every transition is published to it.
package keypool

import (
	"sync"
	"time"

	"github.com/jordanhubbard/mlcore/internal/events"
)

// Status is the health state of a single API key.
type Status string

const (
	StatusActive       Status = "active"
	StatusRateLimited  Status = "rate_limited"
	StatusError        Status = "error"
	StatusExhausted    Status = "exhausted"
	maxConsecutiveErrs int    = 5
)

// Key tracks one credential plus its rolling health state.
type Key struct {
	ID                   string
	Secret               string
	Status               Status
	RateLimitedUntil     time.Time
	ConsecutiveErrors    int
	LastUsedAt           time.Time
	ConcurrentInFlight   int
	TokensUsedCumulative int64
}

// available reports whether k is selectable right now, given the current
// time. A rate_limited key becomes available again once its cooldown has
// elapsed — the caller (Pool.Next) is responsible for recovering it first.
func (k *Key) available(now time.Time) bool {
	switch k.Status {
	case StatusActive:
		return true
	case StatusRateLimited:
		return now.After(k.RateLimitedUntil)
	default:
		return false
	}
}

// Pool is an ordered, process-local set of Keys for a single provider
// service. Selection and state transitions are guarded by a single mutex;
// the pool never survives a process restart.
type Pool struct {
	mu       sync.Mutex
	service  string
	keys     []*Key
	cursor   int
	eventBus *events.Bus
}

// Option configures optional Pool behaviour.
type Option func(*Pool)

// WithEventBus attaches an event bus so that key status transitions are
// published as EventKeyHealthChange events.
func WithEventBus(bus *events.Bus) Option {
	return func(p *Pool) {
		p.eventBus = bus
	}
}

// New builds a pool for service from the given credential IDs/secrets. The
// pool must be non-empty.
func New(service string, secrets []string, opts ...Option) *Pool {
	keys := make([]*Key, 0, len(secrets))
	for i, s := range secrets {
		keys = append(keys, &Key{
			ID:     keyID(service, i),
			Secret: s,
			Status: StatusActive,
		})
	}
	p := &Pool{service: service, keys: keys}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func keyID(service string, idx int) string {
	return service + "-key-" + itoa(idx)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Next recovers any rate_limited key whose cooldown has elapsed, then
// returns the available active key with the oldest LastUsedAt (ties broken
// by cursor order), updating its LastUsedAt to now. It returns nil if no
// key is currently available.
func (p *Pool) Next(now time.Time) *Key {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, k := range p.keys {
		if k.Status == StatusRateLimited && now.After(k.RateLimitedUntil) {
			p.transition(k, StatusActive, "cooldown elapsed")
			k.ConsecutiveErrors = 0
		}
	}

	var best *Key
	bestIdx := -1
	n := len(p.keys)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		k := p.keys[idx]
		if !k.available(now) {
			continue
		}
		if best == nil || k.LastUsedAt.Before(best.LastUsedAt) {
			best = k
			bestIdx = idx
		}
	}
	if best == nil {
		return nil
	}

	best.LastUsedAt = now
	p.cursor = (bestIdx + 1) % n
	return best
}

// MarkRateLimited transitions k to rate_limited for retryAfter, bumping its
// error count. Call when the provider itself signals a rate limit (HTTP 429
// or the SDK's equivalent exception).
func (p *Pool) MarkRateLimited(k *Key, retryAfter time.Duration, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k.RateLimitedUntil = now.Add(retryAfter)
	k.ConsecutiveErrors++
	p.transition(k, StatusRateLimited, "provider rate limit signalled")
}

// MarkError bumps k's error count; after maxConsecutiveErrs (5) it
// transitions to the error state, in which Next never selects it.
func (p *Pool) MarkError(k *Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k.ConsecutiveErrors++
	if k.ConsecutiveErrors >= maxConsecutiveErrs {
		p.transition(k, StatusError, "too many consecutive errors")
	}
}

// MarkSuccess resets k's error count and, unless exhausted, returns it to
// active.
func (p *Pool) MarkSuccess(k *Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k.ConsecutiveErrors = 0
	if k.Status != StatusExhausted {
		p.transition(k, StatusActive, "success recorded")
	}
}

// MarkExhausted applies the terminal, externally-driven exhausted state
// (e.g. an operator revoking a key). Only an explicit call to Reactivate
// clears it.
func (p *Pool) MarkExhausted(k *Key, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transition(k, StatusExhausted, reason)
}

// Reactivate clears an exhausted key back to active.
func (p *Pool) Reactivate(k *Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k.ConsecutiveErrors = 0
	p.transition(k, StatusActive, "reactivated")
}

// Size returns the number of keys in the pool, regardless of status.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Service returns the provider service this pool serves.
func (p *Pool) Service() string { return p.service }

// RecordTokens adds a call's actual token usage to k's cumulative counter.
func (p *Pool) RecordTokens(k *Key, tokens int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k.TokensUsedCumulative += tokens
}

// transition must be called with p.mu held. It updates k.Status and, on an
// actual change, publishes an EventKeyHealthChange event.
func (p *Pool) transition(k *Key, next Status, reason string) {
	if k.Status == next {
		return
	}
	old := k.Status
	k.Status = next
	if p.eventBus != nil {
		p.eventBus.Publish(events.Event{
			Type:     events.EventKeyHealthChange,
			Service:  p.service,
			KeyID:    k.ID,
			OldState: string(old),
			NewState: string(next),
			Reason:   reason,
		})
	}
}

// Stats is a point-in-time snapshot used for telemetry.
type Stats struct {
	Service        string
	TotalKeys      int
	ActiveKeys     int
	RateLimitedKeys int
	ErrorKeys      int
	ExhaustedKeys  int
}

// Stats returns a snapshot of the pool's key-status distribution.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Service: p.service, TotalKeys: len(p.keys)}
	for _, k := range p.keys {
		switch k.Status {
		case StatusActive:
			s.ActiveKeys++
		case StatusRateLimited:
			s.RateLimitedKeys++
		case StatusError:
			s.ErrorKeys++
		case StatusExhausted:
			s.ExhaustedKeys++
		}
	}
	return s
}

// Keys returns a snapshot copy of the pool's keys, in pool order.
func (p *Pool) Keys() []Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Key, len(p.keys))
	for i, k := range p.keys {
		out[i] = *k
	}
	return out
}
