package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/queue"
)

type fakeSource struct {
	due      []*domain.Trigger
	byID     map[string]*domain.Trigger
	fetchErr error
}

func newFakeSource(triggers ...*domain.Trigger) *fakeSource {
	s := &fakeSource{byID: make(map[string]*domain.Trigger)}
	for _, t := range triggers {
		s.due = append(s.due, t)
		s.byID[t.ID] = t
	}
	return s
}

func (s *fakeSource) FetchDue(ctx context.Context, limit int) ([]*domain.Trigger, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if limit < len(s.due) {
		return s.due[:limit], nil
	}
	return s.due, nil
}

func (s *fakeSource) Get(ctx context.Context, id string) (*domain.Trigger, error) {
	t, ok := s.byID[id]
	if !ok {
		return nil, assertNotFound{}
	}
	return t, nil
}

type assertNotFound struct{}

func (assertNotFound) Error() string { return "not found" }

func trig(id string, fireAt time.Time) *domain.Trigger {
	return &domain.Trigger{
		ID: id, Status: domain.TriggerActive, NextFireAt: &fireAt,
		MaxConcurrentRuns: 1, Version: 1,
	}
}

func TestRefill_PopulatesHeapUpToCapacity(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := newFakeSource(trig("t1", now), trig("t2", now.Add(time.Second)), trig("t3", now.Add(2*time.Second)))
	q := queue.New(src, 2, 0, 10)

	require.NoError(t, q.Refill(context.Background()))
	assert.Equal(t, 2, q.Len())
}

func TestRefill_SkipsAlreadyPresentTrigger(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := newFakeSource(trig("t1", now))
	q := queue.New(src, 10, 1, 10)

	require.NoError(t, q.Refill(context.Background()))
	require.NoError(t, q.Refill(context.Background()))
	assert.Equal(t, 1, q.Len())
}

func TestRefill_NoopAboveLowWaterMark(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := newFakeSource(trig("t1", now))
	q := queue.New(src, 10, 0, 10)
	require.NoError(t, q.Refill(context.Background()))
	assert.Equal(t, 1, q.Len())

	src.due = append(src.due, trig("t2", now))
	src.byID["t2"] = src.due[len(src.due)-1]
	require.NoError(t, q.Refill(context.Background()))
	assert.Equal(t, 1, q.Len(), "refill should be a no-op once size exceeds lowWater")
}

func TestPopDue_OrdersByNextFireAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := newFakeSource(
		trig("later", now.Add(time.Minute)),
		trig("sooner", now),
	)
	q := queue.New(src, 10, 0, 10)
	require.NoError(t, q.Refill(context.Background()))

	due, err := q.PopDue(context.Background(), 10, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "sooner", due[0].ID)
	assert.Equal(t, "later", due[1].ID)
}

func TestPopDue_StopsAtFirstEntryNotYetDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := newFakeSource(trig("future", now.Add(time.Hour)))
	q := queue.New(src, 10, 0, 10)
	require.NoError(t, q.Refill(context.Background()))

	due, err := q.PopDue(context.Background(), 10, now)
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.Equal(t, 1, q.Len(), "entry not yet due stays on the heap")
}

func TestPopDue_DropsStaleEntryWhenTriggerVanished(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := newFakeSource(trig("gone", now))
	q := queue.New(src, 10, 0, 10)
	require.NoError(t, q.Refill(context.Background()))

	delete(src.byID, "gone")

	due, err := q.PopDue(context.Background(), 10, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPopDue_DropsEntryWhoseNextFireAtMoved(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := trig("drifted", now)
	src := newFakeSource(tr)
	q := queue.New(src, 10, 0, 10)
	require.NoError(t, q.Refill(context.Background()))

	moved := now.Add(time.Hour)
	tr.NextFireAt = &moved

	due, err := q.PopDue(context.Background(), 10, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "entry should be discarded once the store's next_fire_at no longer matches")
}

func TestPopDue_SkipsTriggerAtCapacity(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := trig("busy", now)
	tr.CurrentRuns = 1
	src := newFakeSource(tr)
	q := queue.New(src, 10, 0, 10)
	require.NoError(t, q.Refill(context.Background()))

	due, err := q.PopDue(context.Background(), 10, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRemove_DropsEntryAndAllowsReRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := newFakeSource(trig("t1", now))
	q := queue.New(src, 10, 0, 10)
	require.NoError(t, q.Refill(context.Background()))
	require.Equal(t, 1, q.Len())

	q.Remove("t1")
	assert.Equal(t, 0, q.Len())

	require.NoError(t, q.Refill(context.Background()))
	assert.Equal(t, 1, q.Len(), "removing an entry should allow it to be re-enqueued on the next refill")
}
