package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pinned(b *Breaker) *time.Time {
	now := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	b.nowFunc = func() time.Time { return now }
	return &now
}

func TestClosedBreakerAdmitsCalls(t *testing.T) {
	b := New()
	assert.True(t, b.Allow())
	assert.Equal(t, Closed, b.CurrentState())
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := New(WithThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.CurrentState(), "two failures stay under a threshold of three")
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.CurrentState())
	assert.False(t, b.Allow(), "an open circuit fails calls fast")
}

func TestSingleFailureThresholdTripsImmediately(t *testing.T) {
	// The distributed limiter opens its circuit on any store error.
	b := New(WithThreshold(1))
	b.RecordFailure()
	assert.Equal(t, Open, b.CurrentState())
}

func TestCooldownAdmitsExactlyOneProbe(t *testing.T) {
	b := New(WithThreshold(1), WithCooldown(30*time.Second))
	now := pinned(b)
	b.RecordFailure()
	require.False(t, b.Allow())

	*now = now.Add(31 * time.Second)
	assert.True(t, b.Allow(), "cooldown elapsed: one probe goes through")
	assert.Equal(t, HalfOpen, b.CurrentState())
	assert.False(t, b.Allow(), "only one probe at a time")
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(WithThreshold(1), WithCooldown(time.Second))
	now := pinned(b)
	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, Closed, b.CurrentState())
	assert.True(t, b.Allow())
}

func TestProbeFailureReopensAndRestartsCooldown(t *testing.T) {
	b := New(WithThreshold(1), WithCooldown(10*time.Second))
	now := pinned(b)
	b.RecordFailure()
	*now = now.Add(11 * time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.CurrentState())
	assert.False(t, b.Allow(), "cooldown restarted from the failed probe")

	*now = now.Add(11 * time.Second)
	assert.True(t, b.Allow())
}

func TestSuccessResetsFailureRun(t *testing.T) {
	b := New(WithThreshold(3))
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.CurrentState(), "the run restarts after a success")
}

func TestOnStateChangeSeesEveryTransition(t *testing.T) {
	var transitions []string
	b := New(
		WithThreshold(1),
		WithCooldown(time.Second),
		WithOnStateChange(func(from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		}),
	)
	now := pinned(b)

	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	require.True(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestOptionGuards(t *testing.T) {
	b := New(WithThreshold(0), WithCooldown(0))
	assert.Equal(t, defaultThreshold, b.threshold)
	assert.Equal(t, defaultCooldown, b.cooldown)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
