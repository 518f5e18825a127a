// Package singleton provides the per-job mutual-exclusion guard: a
// self-expiring lock in the shared store keyed by (task_type, share_id),
// so that a duplicate submission of the same job observes the in-flight
// holder and does not execute. Expiry bounds orphaned locks after a worker
// crash; release is compare-and-delete so a holder can never remove a lock
// that expired and was re-acquired by someone else.
package singleton

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is the subset of command surface the guard needs. Satisfied by
// *redis.Client; tests substitute a miniredis-backed client.
type Redis interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// releaseScript deletes the lock only if it is still held by the caller.
// Without the ownership check, a holder whose lock expired mid-execution
// could delete the lock a second runner has since acquired.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// Guard acquires and releases singleton locks in the shared store.
type Guard struct {
	client Redis
}

// New builds a Guard backed by client.
func New(client Redis) *Guard {
	return &Guard{client: client}
}

// Lock is a held singleton lock. Release it on terminal success or terminal
// failure; expiry handles the crashed-holder case.
type Lock struct {
	guard    *Guard
	key      string
	HolderID string
}

func lockKey(taskType, shareID string) string {
	return fmt.Sprintf("lock:%s:%s", taskType, shareID)
}

// Acquire attempts to claim the lock for (taskType, shareID) with the given
// TTL. It returns (nil, false, nil) when another holder owns the lock — the
// caller should drop the duplicate job, not retry.
func (g *Guard) Acquire(ctx context.Context, taskType, shareID string, ttl time.Duration) (*Lock, bool, error) {
	holderID := uuid.NewString()
	key := lockKey(taskType, shareID)
	ok, err := g.client.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire singleton lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{guard: g, key: key, HolderID: holderID}, true, nil
}

// Release removes the lock iff this holder still owns it. Releasing a lock
// that already expired (and may have been re-acquired) is a silent no-op.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.guard.client.Eval(ctx, releaseScript, []string{l.key}, l.HolderID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release singleton lock %s: %w", l.key, err)
	}
	return nil
}

// Holder reports the current holder ID for (taskType, shareID), or "" if
// the lock is not held. Intended for diagnostics, not for coordination.
func (g *Guard) Holder(ctx context.Context, taskType, shareID string) (string, error) {
	v, err := g.client.Get(ctx, lockKey(taskType, shareID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}
