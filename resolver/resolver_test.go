package resolver_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/resolver"
)

func TestNextCron_Deterministic(t *testing.T) {
	r := resolver.New(nil, nil)
	tr := &domain.Trigger{
		ID:              "t1",
		Kind:            domain.KindTimeBased,
		CronExpression:  "*/1 * * * *",
		Timezone:        "UTC",
	}
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	first, err := r.NextFireAfterCreate(context.Background(), tr, now)
	require.NoError(t, err)
	second, err := r.NextFireAfterCreate(context.Background(), tr, now)
	require.NoError(t, err)
	assert.True(t, first.Equal(*second), "next_fire_at must be deterministic for a given trigger and now")
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), *first)
}

func TestNextCron_SpringForwardDST(t *testing.T) {
	r := resolver.New(nil, nil)
	tr := &domain.Trigger{
		ID:             "t-dst",
		Kind:           domain.KindTimeBased,
		CronExpression: "30 2 * * *",
		Timezone:       "America/New_York",
	}
	// 2026-03-08 is the US spring-forward date; 02:30 local does not exist.
	now := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	next, err := r.NextFireAfterCreate(context.Background(), tr, now)
	require.NoError(t, err)
	assert.NotNil(t, next)
}

func TestNextCron_FallBackDST(t *testing.T) {
	r := resolver.New(nil, nil)
	tr := &domain.Trigger{
		ID:             "t-dst-2",
		Kind:           domain.KindTimeBased,
		CronExpression: "30 1 * * *",
		Timezone:       "America/New_York",
	}
	// 2026-11-01 is the US fall-back date; 01:30 local occurs twice.
	now := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	next, err := r.NextFireAfterCreate(context.Background(), tr, now)
	require.NoError(t, err)
	assert.NotNil(t, next)
}

func TestNextInterval_FirstActivation(t *testing.T) {
	r := resolver.New(nil, nil)
	tr := &domain.Trigger{ID: "t2", Kind: domain.KindInterval, IntervalSeconds: 30}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next, err := r.NextFireAfterCreate(context.Background(), tr, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second), *next)
}

func TestNextInterval_FromLastFire(t *testing.T) {
	r := resolver.New(nil, nil)
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := &domain.Trigger{ID: "t3", Kind: domain.KindInterval, IntervalSeconds: 30, LastFireAt: &last}
	now := last.Add(20 * time.Second)

	next, err := r.NextFireAfterRun(context.Background(), tr, now)
	require.NoError(t, err)
	assert.Equal(t, last.Add(30*time.Second), *next)
}

func TestEvaluateConditional(t *testing.T) {
	r := resolver.New(nil, resolver.NewRegoEvaluator())
	tr := &domain.Trigger{ID: "t4", Kind: domain.KindConditional, ConditionExpression: `input.queue_depth > 100`}

	ok, err := r.EvaluateConditional(context.Background(), tr, map[string]any{"queue_depth": 150})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.EvaluateConditional(context.Background(), tr, map[string]any{"queue_depth": 10})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateDependency_AllSuccess(t *testing.T) {
	runs := fakeRunLookup{
		"dep-1": &domain.Run{Status: domain.RunCompleted},
		"dep-2": &domain.Run{Status: domain.RunCompleted},
	}
	r := resolver.New(runs, nil)
	tr := &domain.Trigger{
		ID:                   "t5",
		Kind:                 domain.KindDependency,
		DependencyTriggerIDs: []string{"dep-1", "dep-2"},
		DependencyPredicate:  domain.AllSuccess,
	}
	ok, err := r.EvaluateDependency(context.Background(), tr)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOnEvent_MatchesConfiguredEventTypes(t *testing.T) {
	r := resolver.New(nil, nil)
	tr := &domain.Trigger{ID: "t6", Kind: domain.KindEvent, EventTypes: []string{"order.shipped", "order.cancelled"}}

	assert.True(t, r.OnEvent(tr, "order.shipped"))
	assert.False(t, r.OnEvent(tr, "order.created"))

	nonEvent := &domain.Trigger{ID: "t7", Kind: domain.KindTimeBased}
	assert.False(t, r.OnEvent(nonEvent, "order.shipped"))
}

type fakeRunLookup map[string]*domain.Run

func (f fakeRunLookup) LatestByTrigger(_ context.Context, triggerID string) (*domain.Run, error) {
	return f[triggerID], nil
}
