package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// deficitTTL bounds how long an idle identifier's deficit survives. One
// hour matches the attempt-counter TTL used by the backoff API.
const deficitTTL = time.Hour

// adjustDeficitScript adds ARGV[1] to the counter, clamping at zero —
// actual-under-estimate reconciliation must never drive the deficit
// negative.
const adjustDeficitScript = `
local v = redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])
if tonumber(v) < 0 then
    redis.call("SET", KEYS[1], "0")
    v = "0"
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
return v
`

// DeficitRedis is the subset of command surface the deficit tracker needs.
type DeficitRedis interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// DeficitTracker keeps the cumulative estimated-vs-actual token shortfall
// per (service, identifier) in the shared store, so every dispatcher
// process reconciling usage converges on the same number.
type DeficitTracker struct {
	client DeficitRedis
}

// NewDeficitTracker builds a tracker on client.
func NewDeficitTracker(client DeficitRedis) *DeficitTracker {
	return &DeficitTracker{client: client}
}

func deficitKey(service, identifier string) string {
	return fmt.Sprintf("dispatch:deficit:%s:%s", service, identifier)
}

// Adjust adds delta to the deficit (negative deltas decrement, clamped at
// zero) and returns the new value.
func (d *DeficitTracker) Adjust(ctx context.Context, service, identifier string, delta float64) (float64, error) {
	raw, err := d.client.Eval(ctx, adjustDeficitScript,
		[]string{deficitKey(service, identifier)},
		delta, int(deficitTTL.Seconds()),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("adjust token deficit: %w", err)
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("adjust token deficit: unexpected reply %T", raw)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("adjust token deficit: %w", err)
	}
	return v, nil
}

// Outstanding returns the current deficit for (service, identifier),
// zero when none is recorded.
func (d *DeficitTracker) Outstanding(ctx context.Context, service, identifier string) (float64, error) {
	raw, err := d.client.Get(ctx, deficitKey(service, identifier)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read token deficit: %w", err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("read token deficit: %w", err)
	}
	return v, nil
}
