// Package ratelimitstore runs the atomic sliding-window and token-bucket
// primitives against a shared Redis-compatible store. Each script executes
// as a single round trip so concurrent callers across process boundaries
// observe a consistent view of the limit state.
package ratelimitstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Scripter is the subset of a Redis client used to run the rate-limit
// scripts. Satisfied by *redis.Client and *redis.ClusterClient; tests
// substitute a miniredis-backed client.
type Scripter interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Result is the outcome of a single sliding-window or token-bucket check.
type Result struct {
	Allowed    bool
	Remaining  float64
	Limit      float64
	RetryAfter int64 // seconds
}

// slidingWindowScript prunes entries older than the window, counts what
// remains, and — if admitting cost more entries would not exceed the
// limit — inserts them scored by the current timestamp. All in one
// round trip so concurrent callers can't interleave between the count and
// the insert.
const slidingWindowScript = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_s = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local member_prefix = ARGV[5]

local window_ms = window_s * 1000
local cutoff = now_ms - window_ms

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)

if count + cost <= limit then
  for i = 1, math.floor(cost + 0.5) do
    redis.call('ZADD', key, now_ms, member_prefix .. ':' .. i .. ':' .. now_ms)
  end
  redis.call('EXPIRE', key, window_s)
  return {1, count + cost, limit, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry_after = 0
if #oldest >= 2 then
  local oldest_score = tonumber(oldest[2])
  retry_after = math.ceil((oldest_score - cutoff) / 1000)
  if retry_after < 0 then retry_after = 0 end
end

return {0, count, limit, retry_after}
`

// tokenBucketScript refills the bucket based on elapsed time since the last
// read, then admits or refuses the requested cost. tokens/last live in a
// single hash so both fields are read and written in one round trip.
const tokenBucketScript = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_per_s = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_s = tonumber(ARGV[5])

local vals = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(vals[1])
local last = tonumber(vals[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now_ms end

local elapsed = now_ms - last
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + (elapsed / 1000.0) * refill_per_s)

if tokens >= cost then
  tokens = tokens - cost
  redis.call('HSET', key, 'tokens', tokens, 'last', now_ms)
  redis.call('EXPIRE', key, ttl_s)
  return {1, tostring(tokens), capacity, 0}
end

redis.call('HSET', key, 'tokens', tokens, 'last', now_ms)
redis.call('EXPIRE', key, ttl_s)
local retry_after = math.ceil((cost - tokens) / refill_per_s)
return {0, tostring(tokens), capacity, retry_after}
`

// Store runs the Lua primitives against a Scripter.
type Store struct {
	client Scripter
}

// New wraps a Redis client (or compatible Scripter) for rate-limit script
// execution.
func New(client Scripter) *Store {
	return &Store{client: client}
}

// CheckSlidingWindow runs the sliding-window script for
// rl:sw:<service>:<identifier>.
func (s *Store) CheckSlidingWindow(ctx context.Context, service, identifier string, nowMs int64, windowSeconds, limit int, cost float64) (Result, error) {
	key := fmt.Sprintf("rl:sw:%s:%s", service, identifier)
	nonce, err := randomNonce()
	if err != nil {
		return Result{}, err
	}
	raw, err := s.client.Eval(ctx, slidingWindowScript, []string{key}, nowMs, windowSeconds, limit, cost, nonce).Result()
	if err != nil {
		return Result{}, fmt.Errorf("sliding window eval: %w", err)
	}
	return parseResult(raw)
}

// CheckTokenBucket runs the token-bucket script for the hash
// rl:tb:<service>:<identifier>, whose fields tokens and last hold the bucket
// state; there are no separate :tokens and :last keys.
func (s *Store) CheckTokenBucket(ctx context.Context, service, identifier string, nowMs int64, capacity, refillPerSecond, cost float64, ttlSeconds int) (Result, error) {
	key := fmt.Sprintf("rl:tb:%s:%s", service, identifier)
	raw, err := s.client.Eval(ctx, tokenBucketScript, []string{key}, nowMs, capacity, refillPerSecond, cost, ttlSeconds).Result()
	if err != nil {
		return Result{}, fmt.Errorf("token bucket eval: %w", err)
	}
	return parseResult(raw)
}

func parseResult(raw interface{}) (Result, error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		return Result{}, fmt.Errorf("unexpected script result shape: %#v", raw)
	}
	allowed, err := toInt64(vals[0])
	if err != nil {
		return Result{}, err
	}
	remaining, err := toFloat64(vals[1])
	if err != nil {
		return Result{}, err
	}
	limit, err := toFloat64(vals[2])
	if err != nil {
		return Result{}, err
	}
	retryAfter, err := toInt64(vals[3])
	if err != nil {
		return Result{}, err
	}
	return Result{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		Limit:      limit,
		RetryAfter: retryAfter,
	}, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		var i int64
		_, err := fmt.Sscanf(n, "%d", &i)
		return i, err
	default:
		return 0, fmt.Errorf("unexpected int type %T", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case string:
		var f float64
		_, err := fmt.Sscanf(n, "%g", &f)
		return f, err
	default:
		return 0, fmt.Errorf("unexpected float type %T", v)
	}
}

func randomNonce() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
