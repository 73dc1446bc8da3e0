package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/scheduler/internal/clock"
	"github.com/taskforge/scheduler/internal/logging"
	"github.com/taskforge/scheduler/lease"
)

func newTestManager(t *testing.T) (*lease.Manager, *miniredis.Miniredis, *clock.Manual) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return lease.New(rdb, clk, logging.NoOp{}), mr, clk
}

func TestAcquire_MutualExclusion(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	l1, err := mgr.Acquire(ctx, "scheduled_trigger", "T2", 30*time.Second, "worker-a", false, 0)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", l1.WorkerID)

	_, err = mgr.Acquire(ctx, "scheduled_trigger", "T2", 30*time.Second, "worker-b", false, 0)
	require.Error(t, err)
}

func TestRelease_NotOwnerFails(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "scheduled_trigger", "T1", 30*time.Second, "worker-a", false, 0)
	require.NoError(t, err)

	err = mgr.Release(ctx, "scheduled_trigger", "T1", "worker-b")
	require.Error(t, err)

	err = mgr.Release(ctx, "scheduled_trigger", "T1", "worker-a")
	require.NoError(t, err)

	l2, err := mgr.Acquire(ctx, "scheduled_trigger", "T1", 30*time.Second, "worker-b", false, 0)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", l2.WorkerID)
}

func TestTTLLiveness_NewAcquireSucceedsAfterExpiry(t *testing.T) {
	mgr, mr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "scheduled_trigger", "T3", 1*time.Second, "worker-a", false, 0)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	l2, err := mgr.Acquire(ctx, "scheduled_trigger", "T3", 1*time.Second, "worker-b", false, 0)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", l2.WorkerID)
}

func TestExtend_LimitReached(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "scheduled_trigger", "T4", 30*time.Second, "worker-a", true, 1)
	require.NoError(t, err)

	_, err = mgr.Extend(ctx, "scheduled_trigger", "T4", "worker-a", 30*time.Second)
	require.NoError(t, err)

	_, err = mgr.Extend(ctx, "scheduled_trigger", "T4", "worker-a", 30*time.Second)
	require.Error(t, err)
}

func TestIsOwner(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "scheduled_trigger", "T5", 30*time.Second, "worker-a", false, 0)
	require.NoError(t, err)

	owned, err := mgr.IsOwner(ctx, "scheduled_trigger", "T5", "worker-a")
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = mgr.IsOwner(ctx, "scheduled_trigger", "T5", "worker-b")
	require.NoError(t, err)
	assert.False(t, owned)
}
