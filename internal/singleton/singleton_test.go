package singleton

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestAcquire_FirstHolderWins(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	lock, ok, err := g.Acquire(ctx, "summarize", "s1", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, lock)
	assert.NotEmpty(t, lock.HolderID)

	_, ok, err = g.Acquire(ctx, "summarize", "s1", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquisition of the same (task_type, share_id) must observe the lock")
}

func TestAcquire_DistinctKeysAreIndependent(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	_, ok, err := g.Acquire(ctx, "summarize", "s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Same share, different task type.
	_, ok, err = g.Acquire(ctx, "transcribe", "s1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same task type, different share.
	_, ok, err = g.Acquire(ctx, "summarize", "s2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease_AllowsReacquisition(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	lock, ok, err := g.Acquire(ctx, "embed", "s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Release(ctx))

	_, ok, err = g.Acquire(ctx, "embed", "s1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease_DoesNotDeleteSuccessorsLock(t *testing.T) {
	g, mr := newTestGuard(t)
	ctx := context.Background()

	stale, ok, err := g.Acquire(ctx, "summarize", "s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate the stale holder's lock expiring and a new holder acquiring.
	mr.FastForward(2 * time.Minute)
	fresh, ok, err := g.Acquire(ctx, "summarize", "s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The stale holder's release must be a no-op.
	require.NoError(t, stale.Release(ctx))

	holder, err := g.Holder(ctx, "summarize", "s1")
	require.NoError(t, err)
	assert.Equal(t, fresh.HolderID, holder)
}

func TestExpiry_FreesOrphanedLock(t *testing.T) {
	g, mr := newTestGuard(t)
	ctx := context.Background()

	_, ok, err := g.Acquire(ctx, "transcribe", "s1", 15*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(16 * time.Minute)

	_, ok, err = g.Acquire(ctx, "transcribe", "s1", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lock must be acquirable again")
}

func TestHolder_EmptyWhenUnheld(t *testing.T) {
	g, _ := newTestGuard(t)

	holder, err := g.Holder(context.Background(), "summarize", "nope")
	require.NoError(t, err)
	assert.Empty(t, holder)
}
