// Package circuitbreaker guards the shared rate-limit store. Every limiter
// check is one store round trip; when the store starts failing, continuing
// to dial it turns every task into a slow failure. The breaker trips after
// a configurable run of consecutive store errors, fails calls fast for a
// cooldown, then lets exactly one probe through to decide whether to close
// again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker's position.
type State int

const (
	// Closed passes calls through to the store.
	Closed State = iota
	// Open fails calls fast without touching the store.
	Open
	// HalfOpen admits a single probe call to test recovery.
	HalfOpen
)

// String returns the state's metric/log label.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 3
	defaultCooldown  = 30 * time.Second
)

// Breaker tracks consecutive store failures and moves between Closed,
// Open, and HalfOpen. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	state     State
	failures  int // consecutive, reset on any success
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	onChange  func(from, to State)

	// nowFunc is the time source; tests pin it.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets how many consecutive failures trip the breaker.
// Non-positive values keep the default of 3. The distributed limiter
// passes 1: any store error opens its circuit.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before probing.
// Non-positive values keep the default of 30 seconds.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a transition callback (the telemetry gauge,
// typically). It runs with the breaker's mutex held and must not call back
// into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// New returns a Closed breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		threshold: defaultThreshold,
		cooldown:  defaultCooldown,
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next store call should be attempted. Open flips
// to HalfOpen once the cooldown has elapsed and admits that one caller as
// the probe; while a probe is outstanding every other caller is refused.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.nowFunc().After(b.openedAt.Add(b.cooldown)) {
			b.transition(HalfOpen)
			return true
		}
		return false
	default: // HalfOpen: the probe is already out
		return false
	}
}

// RecordSuccess resets the failure run; a successful HalfOpen probe closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == HalfOpen {
		b.transition(Closed)
	}
}

// RecordFailure extends the failure run. Reaching the threshold while
// Closed opens the breaker, as does failing the HalfOpen probe; both
// restart the cooldown clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.threshold {
			b.transition(Open)
			b.openedAt = b.nowFunc()
		}
	case HalfOpen:
		b.transition(Open)
		b.openedAt = b.nowFunc()
	}
}

// CurrentState returns the breaker's position without consulting the
// cooldown clock; use Allow for the admit decision.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition moves to the new state and fires the callback. Caller holds
// b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
