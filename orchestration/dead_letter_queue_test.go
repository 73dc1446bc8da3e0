package orchestration_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/scheduler/internal/apperr"
	"github.com/taskforge/scheduler/internal/logging"
	"github.com/taskforge/scheduler/orchestration"
)

func newTestDLQ(t *testing.T) *orchestration.DeadLetterQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return orchestration.NewDeadLetterQueue(rdb, "", logging.NoOp{})
}

func TestDeadLetterQueue_PushAndList(t *testing.T) {
	q := newTestDLQ(t)
	ctx := context.Background()

	entry := orchestration.DeadLetterEntry{
		RunID: "run-1", TriggerID: "trig-1", Attempt: 3,
		Reason: "handler timed out", FailedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, q.Push(ctx, entry))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := q.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1", entries[0].RunID)
	assert.Equal(t, "handler timed out", entries[0].Reason)
}

func TestDeadLetterQueue_ReplayRemovesEntry(t *testing.T) {
	q := newTestDLQ(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, orchestration.DeadLetterEntry{RunID: "run-a", TriggerID: "trig-a"}))
	require.NoError(t, q.Push(ctx, orchestration.DeadLetterEntry{RunID: "run-b", TriggerID: "trig-b"}))

	replayed, err := q.Replay(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, "run-a", replayed.RunID)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = q.Replay(ctx, "run-a")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}
