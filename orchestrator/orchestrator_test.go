package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/handler"
	"github.com/taskforge/scheduler/internal/clock"
	"github.com/taskforge/scheduler/internal/logging"
	"github.com/taskforge/scheduler/orchestrator"
)

// fakeLeases is an in-memory lease manager double: each trigger can be
// owned by at most one worker at a time, mirroring the real manager's
// mutual-exclusion contract without needing Redis.
type fakeLeases struct {
	mu      sync.Mutex
	owners  map[string]string
}

func newFakeLeases() *fakeLeases { return &fakeLeases{owners: make(map[string]string)} }

func (f *fakeLeases) Acquire(ctx context.Context, resourceType, resourceID string, duration time.Duration, owner string, autoExtend bool, maxExtensions int) (*domain.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.owners[resourceID]; ok && existing != owner {
		return nil, assertNoneAvailable{}
	}
	f.owners[resourceID] = owner
	return &domain.Lease{ID: "lease-" + resourceID, WorkerID: owner}, nil
}

func (f *fakeLeases) Release(ctx context.Context, resourceType, resourceID, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.owners, resourceID)
	return nil
}

func (f *fakeLeases) IsOwner(ctx context.Context, resourceType, resourceID, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[resourceID] == owner, nil
}

type assertNoneAvailable struct{}

func (assertNoneAvailable) Error() string { return "NONE_AVAILABLE" }
func (assertNoneAvailable) Is(target error) bool {
	return target != nil && target.Error() == "NONE_AVAILABLE"
}

type fakeTriggers struct {
	mu       sync.Mutex
	triggers map[string]*domain.Trigger
}

func newFakeTriggers(ts ...*domain.Trigger) *fakeTriggers {
	m := make(map[string]*domain.Trigger)
	for _, t := range ts {
		m[t.ID] = t
	}
	return &fakeTriggers{triggers: m}
}

func (f *fakeTriggers) Get(ctx context.Context, id string) (*domain.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers[id], nil
}

func (f *fakeTriggers) BumpFire(ctx context.Context, id string, newNextFireAt, lastFireAt *time.Time, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.triggers[id]; ok {
		t.NextFireAt = newNextFireAt
		t.LastFireAt = lastFireAt
		t.Version++
	}
	return nil
}

func (f *fakeTriggers) IncrementCurrentRuns(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.triggers[id]
	if t.CurrentRuns >= t.MaxConcurrentRuns {
		return assertNoneAvailable{}
	}
	t.CurrentRuns++
	return nil
}

func (f *fakeTriggers) DecrementCurrentRuns(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.triggers[id]; ok && t.CurrentRuns > 0 {
		t.CurrentRuns--
	}
	return nil
}

func (f *fakeTriggers) RecordOutcome(ctx context.Context, id string, success bool, execSeconds float64) error {
	return nil
}

func (f *fakeTriggers) ListActiveByKind(ctx context.Context, kind domain.TriggerKind) ([]*domain.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Trigger
	for _, t := range f.triggers {
		if t.Kind == kind && t.Status == domain.TriggerActive {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeRuns struct {
	mu   sync.Mutex
	runs map[string]*domain.Run
	n    int
}

func newFakeRuns() *fakeRuns { return &fakeRuns{runs: make(map[string]*domain.Run)} }

func (f *fakeRuns) Create(ctx context.Context, r *domain.Run) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	r.ID = "run-" + string(rune('0'+f.n))
	f.runs[r.ID] = r
	return r, nil
}

func (f *fakeRuns) MarkStarted(ctx context.Context, id, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id].Status = domain.RunRunning
	f.runs[id].WorkerID = workerID
	return nil
}

func (f *fakeRuns) MarkEnded(ctx context.Context, id string, status domain.RunStatus, result map[string]any, runErr *domain.RunError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id].Status = status
	f.runs[id].ResultData = result
	f.runs[id].Error = runErr
	return nil
}

func (f *fakeRuns) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, reason string, delaySeconds float64, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id].Status = domain.RunRetrying
	f.runs[id].Attempt = attempt
	return nil
}

func (f *fakeRuns) get(id string) *domain.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id]
}

type fakeQueue struct {
	mu   sync.Mutex
	due  []*domain.Trigger
}

func (f *fakeQueue) Refill(ctx context.Context) error { return nil }

func (f *fakeQueue) PopDue(ctx context.Context, n int, now time.Time) ([]*domain.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.due) == 0 {
		return nil, nil
	}
	out := f.due
	f.due = nil
	if len(out) > n {
		out, f.due = out[:n], out[n:]
	}
	return out, nil
}

type fakeResolver struct{}

func (fakeResolver) NextFireAfterRun(ctx context.Context, t *domain.Trigger, now time.Time) (*time.Time, error) {
	next := now.Add(time.Minute)
	return &next, nil
}

func (fakeResolver) EvaluateDependency(ctx context.Context, t *domain.Trigger) (bool, error) {
	return false, nil
}

// alwaysSatisfiedResolver returns no next fire time after a run and
// reports every dependency predicate as satisfied, so tests can exercise the
// run-completion -> dependency cascade without a real RunLookup.
type alwaysSatisfiedResolver struct{}

func (alwaysSatisfiedResolver) NextFireAfterRun(ctx context.Context, t *domain.Trigger, now time.Time) (*time.Time, error) {
	return nil, nil
}

func (alwaysSatisfiedResolver) EvaluateDependency(ctx context.Context, t *domain.Trigger) (bool, error) {
	return true, nil
}

type fakeHandlers struct {
	h handler.Handler
}

func (f fakeHandlers) Lookup(taskType string) (handler.Handler, error) { return f.h, nil }

func TestOrchestrator_DispatchSucceedsAndAdvancesSchedule(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	trig := &domain.Trigger{ID: "t1", TaskType: "noop", Status: domain.TriggerActive, MaxConcurrentRuns: 1, MaxExecSeconds: 5}
	triggers := newFakeTriggers(trig)
	runs := newFakeRuns()
	q := &fakeQueue{due: []*domain.Trigger{trig}}
	h := fakeHandlers{h: handler.HandlerFunc(func(ctx context.Context, tv handler.TriggerView, rv handler.RunView) handler.Result {
		return handler.Ok(map[string]any{"ok": true})
	})}

	o := orchestrator.New(orchestrator.Config{
		WorkerID: "w1", TickInterval: time.Hour, MaxConcurrentRuns: 2, LeaseDuration: 30 * time.Second,
	}, newFakeLeases(), triggers, runs, q, fakeResolver{}, h, clk, logging.NoOp{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		triggers.mu.Lock()
		defer triggers.mu.Unlock()
		return len(runs.runs) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	for _, r := range runs.runs {
		assert.Equal(t, domain.RunCompleted, r.Status)
	}
	require.NotNil(t, trig.NextFireAt)
	assert.Equal(t, clk.Now().Add(time.Minute), *trig.NextFireAt)
}

// TestOrchestrator_DependencyTriggerFiresWhenUpstreamCompletes exercises
// the run-completion dispatch path for dependency-kind triggers: dep
// carries no next_fire_at and never appears in the queue, so it can only
// ever fire via fireDependents after upstream's run ends.
func TestOrchestrator_DependencyTriggerFiresWhenUpstreamCompletes(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	upstream := &domain.Trigger{ID: "upstream", TaskType: "noop", Status: domain.TriggerActive, MaxConcurrentRuns: 1, MaxExecSeconds: 5}
	dep := &domain.Trigger{
		ID: "dep", TaskType: "noop", Status: domain.TriggerActive, MaxConcurrentRuns: 1, MaxExecSeconds: 5,
		Kind: domain.KindDependency, DependencyTriggerIDs: []string{"upstream"}, DependencyPredicate: domain.AllSuccess,
	}
	triggers := newFakeTriggers(upstream, dep)
	runs := newFakeRuns()
	q := &fakeQueue{due: []*domain.Trigger{upstream}}
	h := fakeHandlers{h: handler.HandlerFunc(func(ctx context.Context, tv handler.TriggerView, rv handler.RunView) handler.Result {
		return handler.Ok(map[string]any{"ok": true})
	})}

	o := orchestrator.New(orchestrator.Config{
		WorkerID: "w1", TickInterval: time.Hour, MaxConcurrentRuns: 2, LeaseDuration: 30 * time.Second,
	}, newFakeLeases(), triggers, runs, q, alwaysSatisfiedResolver{}, h, clk, logging.NoOp{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		triggers.mu.Lock()
		defer triggers.mu.Unlock()
		return len(runs.runs) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	var sawDependencyRun bool
	for _, r := range runs.runs {
		assert.Equal(t, domain.RunCompleted, r.Status)
		if r.TriggerID == "dep" {
			sawDependencyRun = true
		}
	}
	assert.True(t, sawDependencyRun, "expected upstream's completion to fire the dependency trigger's one-shot run")
}
