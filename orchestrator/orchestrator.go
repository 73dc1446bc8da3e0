// Package orchestrator implements the Orchestrator Loop (C8): the
// tick-based dispatch loop tying the Priority Queue, Lease Manager,
// Trigger Store, Run Store, Trigger Resolver, and Handler Registry
// together. Structurally this is the teacher's worker-pool pattern
// (goroutine-per-slot, atomic active count, context-scoped shutdown)
// generalized from a task queue to a lease-gated trigger dispatch loop.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/handler"
	"github.com/taskforge/scheduler/internal/apperr"
	"github.com/taskforge/scheduler/internal/clock"
	"github.com/taskforge/scheduler/internal/logging"
	"github.com/taskforge/scheduler/internal/metrics"
	"github.com/taskforge/scheduler/resilience"
)

// LeaseManager is the subset of lease.Manager the orchestrator needs.
type LeaseManager interface {
	Acquire(ctx context.Context, resourceType, resourceID string, duration time.Duration, owner string, autoExtend bool, maxExtensions int) (*domain.Lease, error)
	Release(ctx context.Context, resourceType, resourceID, owner string) error
	IsOwner(ctx context.Context, resourceType, resourceID, owner string) (bool, error)
}

// TriggerStore is the subset of trigger.Store the orchestrator needs.
type TriggerStore interface {
	Get(ctx context.Context, id string) (*domain.Trigger, error)
	BumpFire(ctx context.Context, id string, newNextFireAt, lastFireAt *time.Time, version int64) error
	IncrementCurrentRuns(ctx context.Context, id string) error
	DecrementCurrentRuns(ctx context.Context, id string) error
	RecordOutcome(ctx context.Context, id string, success bool, execSeconds float64) error
	ListActiveByKind(ctx context.Context, kind domain.TriggerKind) ([]*domain.Trigger, error)
}

// RunStore is the subset of run.Store the orchestrator needs.
type RunStore interface {
	Create(ctx context.Context, r *domain.Run) (*domain.Run, error)
	MarkStarted(ctx context.Context, id, workerID string) error
	MarkEnded(ctx context.Context, id string, status domain.RunStatus, result map[string]any, runErr *domain.RunError) error
	ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, reason string, delaySeconds float64, attempt int) error
}

// TriggerQueue is the subset of queue.Queue the orchestrator needs.
type TriggerQueue interface {
	Refill(ctx context.Context) error
	PopDue(ctx context.Context, n int, now time.Time) ([]*domain.Trigger, error)
}

// Resolver is the subset of resolver.Resolver the orchestrator needs.
type Resolver interface {
	NextFireAfterRun(ctx context.Context, t *domain.Trigger, now time.Time) (*time.Time, error)
	EvaluateDependency(ctx context.Context, t *domain.Trigger) (bool, error)
}

// HandlerLookup resolves a task_type to a handler.
type HandlerLookup interface {
	Lookup(taskType string) (handler.Handler, error)
}

// DeadLetterSink records runs that exhausted their retry budget.
// Satisfied by *orchestration.DeadLetterQueue; nil disables dead lettering.
type DeadLetterSink interface {
	Push(ctx context.Context, entry DeadLetterEntry) error
}

// DeadLetterEntry mirrors orchestration.DeadLetterEntry so this package
// doesn't need to import orchestration just for the struct shape.
type DeadLetterEntry struct {
	RunID         string
	TriggerID     string
	Attempt       int
	Reason        string
	InputSnapshot map[string]any
	FailedAt      time.Time
}

// Config tunes the loop per the Orchestrator Loop contract.
type Config struct {
	WorkerID                string
	TickInterval            time.Duration
	MaxConcurrentRuns       int
	LeaseDuration           time.Duration
	FetchDueBatch           int
	ShutdownGracePeriod     time.Duration
}

// Orchestrator runs one worker instance's dispatch loop.
type Orchestrator struct {
	cfg      Config
	leases   LeaseManager
	triggers TriggerStore
	runs     RunStore
	queue    TriggerQueue
	resolver Resolver
	handlers HandlerLookup
	clock    clock.Clock
	logger   logging.Logger

	breaker     *resilience.CircuitBreaker
	deadLetters DeadLetterSink

	active atomic.Int32
}

// WithCircuitBreaker wraps the lease Acquire and Release calls in cb,
// short-circuiting dispatch when the lease store is unhealthy rather than piling up
// goroutines against a dead dependency. Optional; nil leaves calls
// unwrapped.
func (o *Orchestrator) WithCircuitBreaker(cb *resilience.CircuitBreaker) *Orchestrator {
	o.breaker = cb
	return o
}

// WithDeadLetters attaches a sink for runs that exhaust their retry
// budget. Optional; nil discards them (the prior behavior).
func (o *Orchestrator) WithDeadLetters(dlq DeadLetterSink) *Orchestrator {
	o.deadLetters = dlq
	return o
}

func New(cfg Config, leases LeaseManager, triggers TriggerStore, runs RunStore, queue TriggerQueue, resolver Resolver, handlers HandlerLookup, clk clock.Clock, logger logging.Logger) *Orchestrator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 10
	}
	if cfg.FetchDueBatch <= 0 {
		cfg.FetchDueBatch = cfg.MaxConcurrentRuns
	}
	return &Orchestrator{
		cfg: cfg, leases: leases, triggers: triggers, runs: runs, queue: queue,
		resolver: resolver, handlers: handlers, clock: clk,
		logger: logger.WithComponent("orchestrator"),
	}
}

// Run drives the tick loop until ctx is cancelled, which also cancels the
// context of every in-flight dispatch, then waits up to
// ShutdownGracePeriod for those dispatches to finish before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, o.cfg.MaxConcurrentRuns)

	o.logger.Info("orchestrator starting", map[string]any{"worker_id": o.cfg.WorkerID, "tick_interval": o.cfg.TickInterval.String()})

	if err := o.tick(gctx, g, sem); err != nil {
		o.logger.Error("initial tick failed", map[string]any{"error": err.Error()})
	}

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("shutdown signal received, draining in-flight dispatches", nil)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownGracePeriod)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- g.Wait() }()
			select {
			case err := <-done:
				return err
			case <-shutdownCtx.Done():
				return fmt.Errorf("orchestrator shutdown grace period exceeded with dispatches still in flight")
			}
		case <-ticker.C:
			if err := o.tick(gctx, g, sem); err != nil {
				o.logger.Error("tick failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context, g *errgroup.Group, sem chan struct{}) error {
	if err := o.queue.Refill(ctx); err != nil {
		return apperr.Wrap("orchestrator.tick", apperr.Unavailable, "refill queue", err)
	}

	available := cap(sem) - len(sem)
	if available <= 0 {
		return nil
	}
	due, err := o.queue.PopDue(ctx, available, o.clock.Now())
	if err != nil {
		return apperr.Wrap("orchestrator.tick", apperr.Unavailable, "pop due triggers", err)
	}

	for _, t := range due {
		t := t
		select {
		case sem <- struct{}{}:
		default:
			continue
		}
		g.Go(func() error {
			defer func() { <-sem }()
			o.active.Add(1)
			defer o.active.Add(-1)
			o.dispatch(ctx, t)
			return nil
		})
	}
	return nil
}

// ActiveCount reports the number of dispatches currently in flight,
// exposed for /health and metrics.
func (o *Orchestrator) ActiveCount() int32 { return o.active.Load() }

// guarded runs fn directly, or through the circuit breaker when one is
// configured, so a struggling lease store trips the breaker
// instead of every dispatch goroutine piling up retries against it.
func (o *Orchestrator) guarded(ctx context.Context, fn func() error) error {
	if o.breaker == nil {
		return fn()
	}
	return o.breaker.Execute(ctx, fn)
}

// dispatch acquires a lease for the trigger, creates a run record,
// invokes the handler with a max_exec_seconds-bounded context, and
// records the outcome, retrying or advancing the schedule as needed.
// Errors are logged, not returned, since one trigger's failure must not
// halt the tick.
func (o *Orchestrator) dispatch(ctx context.Context, t *domain.Trigger) {
	log := o.logger.WithComponent("dispatch")
	var lease *domain.Lease
	err := o.guarded(ctx, func() error {
		var acqErr error
		lease, acqErr = o.leases.Acquire(ctx, "scheduled_trigger", t.ID, o.cfg.LeaseDuration, o.cfg.WorkerID, false, 0)
		return acqErr
	})
	if err != nil {
		if apperr.Is(err, apperr.NoneAvailable) {
			metrics.LeaseAcquiredTotal.WithLabelValues("scheduled_trigger", "denied").Inc()
			return // another worker already owns this trigger's dispatch
		}
		metrics.LeaseAcquiredTotal.WithLabelValues("scheduled_trigger", "error").Inc()
		log.Error("lease acquire failed", map[string]any{"trigger_id": t.ID, "error": err.Error()})
		return
	}
	metrics.LeaseAcquiredTotal.WithLabelValues("scheduled_trigger", "acquired").Inc()
	releaseLease := func() {
		relErr := o.guarded(ctx, func() error {
			return o.leases.Release(ctx, "scheduled_trigger", t.ID, o.cfg.WorkerID)
		})
		if relErr != nil {
			log.Warn("lease release failed", map[string]any{"trigger_id": t.ID, "error": relErr.Error()})
		}
	}

	if err := o.triggers.IncrementCurrentRuns(ctx, t.ID); err != nil {
		releaseLease()
		return // at capacity or trigger vanished between pop and dispatch
	}

	run, err := o.runs.Create(ctx, &domain.Run{
		TriggerID:     t.ID,
		ScheduledFor:  o.clock.Now(),
		WorkerID:      o.cfg.WorkerID,
		InputSnapshot: t.TaskParameters,
		MaxRetries:    t.Retry.MaxRetries,
		LeaseID:       lease.ID,
	})
	if err != nil {
		log.Error("run create failed", map[string]any{"trigger_id": t.ID, "error": err.Error()})
		_ = o.triggers.DecrementCurrentRuns(ctx, t.ID)
		releaseLease()
		return
	}

	o.execute(ctx, t, run, 0)

	if err := o.triggers.DecrementCurrentRuns(ctx, t.ID); err != nil {
		log.Warn("decrement current_runs failed", map[string]any{"trigger_id": t.ID, "error": err.Error()})
	}
	releaseLease()
}

// execute runs one attempt of the handler, then either completes,
// retries, or exhausts retries. attempt is 0-based.
func (o *Orchestrator) execute(ctx context.Context, t *domain.Trigger, run *domain.Run, attempt int) {
	log := o.logger.WithComponent("dispatch")

	if err := o.runs.MarkStarted(ctx, run.ID, o.cfg.WorkerID); err != nil {
		log.Warn("mark_started failed", map[string]any{"run_id": run.ID, "error": err.Error()})
		return
	}

	h, err := o.handlers.Lookup(t.TaskType)
	if err != nil {
		o.finish(ctx, t, run, domain.RunFailed, nil, &domain.RunError{Kind: "NOT_FOUND", Message: "no handler for task_type " + t.TaskType}, attempt)
		return
	}

	timeout := time.Duration(t.MaxExecSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := o.clock.Now()
	result := h.Execute(execCtx, handler.ViewFromTrigger(t), handler.RunView{RunID: run.ID, Attempt: attempt})
	execSeconds := o.clock.Now().Sub(start).Seconds()

	owned, err := o.leases.IsOwner(ctx, "scheduled_trigger", t.ID, o.cfg.WorkerID)
	if err != nil {
		log.Warn("ownership check failed", map[string]any{"trigger_id": t.ID, "error": err.Error()})
	}
	if !owned {
		// Lease expired and another worker has since claimed this
		// trigger; this attempt's result is discarded per the
		// completion-time ownership rule.
		_ = o.runs.MarkEnded(ctx, run.ID, domain.RunCancelled, nil, nil)
		return
	}

	if result.OK {
		_ = o.triggers.RecordOutcome(ctx, t.ID, true, execSeconds)
		o.finish(ctx, t, run, domain.RunCompleted, result.Data, nil, attempt)
		return
	}

	runErr := &domain.RunError{Kind: result.Kind, Message: result.Message, Details: result.Details}
	if execCtx.Err() != nil {
		runErr.Kind = "TIMEOUT"
		_ = o.triggers.RecordOutcome(ctx, t.ID, false, execSeconds)
		o.retryOrFail(ctx, t, run, domain.RunTimeout, runErr, attempt)
		return
	}

	_ = o.triggers.RecordOutcome(ctx, t.ID, false, execSeconds)
	o.retryOrFail(ctx, t, run, domain.RunFailed, runErr, attempt)
}

func (o *Orchestrator) retryOrFail(ctx context.Context, t *domain.Trigger, run *domain.Run, status domain.RunStatus, runErr *domain.RunError, attempt int) {
	retryable := apperr.Kind(runErr.Kind).Retryable()
	if !retryable || attempt >= t.Retry.MaxRetries {
		o.finish(ctx, t, run, status, nil, runErr, attempt)
		return
	}

	var maxDelay time.Duration
	if t.Retry.MaxDelaySeconds != nil {
		maxDelay = time.Duration(*t.Retry.MaxDelaySeconds) * time.Second
	}
	delay := resilience.BackoffDelay(time.Duration(t.Retry.BaseDelaySeconds)*time.Second, maxDelay, t.Retry.BackoffMultiplier, attempt, true)
	nextAt := o.clock.Now().Add(delay)
	if err := o.runs.ScheduleRetry(ctx, run.ID, nextAt, runErr.Message, delay.Seconds(), attempt+1); err != nil {
		o.logger.Warn("schedule_retry failed", map[string]any{"run_id": run.ID, "error": err.Error()})
		return
	}
	metrics.RetriesScheduledTotal.Inc()
	o.clock.Sleep(delay)
	o.execute(ctx, t, run, attempt+1)
}

// finish writes the run's terminal status and advances the trigger's
// schedule via the resolver.
func (o *Orchestrator) finish(ctx context.Context, t *domain.Trigger, run *domain.Run, status domain.RunStatus, result map[string]any, runErr *domain.RunError, attempt int) {
	if err := o.runs.MarkEnded(ctx, run.ID, status, result, runErr); err != nil {
		o.logger.Warn("mark_ended failed", map[string]any{"run_id": run.ID, "error": err.Error()})
	}

	if runErr != nil && status != domain.RunCancelled {
		metrics.RetriesExhaustedTotal.Inc()
		if o.deadLetters != nil {
			if dlqErr := o.deadLetters.Push(ctx, DeadLetterEntry{
				RunID: run.ID, TriggerID: t.ID, Attempt: attempt,
				Reason: runErr.Message, InputSnapshot: run.InputSnapshot, FailedAt: o.clock.Now(),
			}); dlqErr != nil {
				o.logger.Warn("dead letter push failed", map[string]any{"run_id": run.ID, "error": dlqErr.Error()})
			}
		}
	}

	next, err := o.resolver.NextFireAfterRun(ctx, t, o.clock.Now())
	if err != nil {
		o.logger.Warn("resolve next fire failed", map[string]any{"trigger_id": t.ID, "error": err.Error()})
		return
	}
	now := o.clock.Now()
	if err := o.triggers.BumpFire(ctx, t.ID, next, &now, t.Version); err != nil {
		o.logger.Warn("bump_fire failed", map[string]any{"trigger_id": t.ID, "error": err.Error()})
	}

	o.fireDependents(ctx, t)
}

// dependencyChainDepthKey bounds how many dependency-completion hops a
// single dispatch can cascade through, so a cyclical dependency
// configuration (A depends on B depends on A) cannot recurse forever.
type dependencyChainDepthKey struct{}

const maxDependencyChainDepth = 8

// fireDependents re-evaluates every active dependency-kind trigger that
// lists t among its dependencies now that one of t's runs has reached a
// terminal status. Dependency triggers carry no next_fire_at (resolver.next
// leaves it nil for domain.KindDependency), so this run-completion hook is
// the only place that can ever satisfy their "enqueue a one-shot run when
// the predicate is satisfied" contract — firing here is what keeps
// evaluation edge-triggered instead of needing a polling debounce.
func (o *Orchestrator) fireDependents(ctx context.Context, t *domain.Trigger) {
	depth, _ := ctx.Value(dependencyChainDepthKey{}).(int)
	if depth >= maxDependencyChainDepth {
		o.logger.Warn("dependency chain depth exceeded, dropping further cascades", map[string]any{"trigger_id": t.ID, "depth": depth})
		return
	}

	deps, err := o.triggers.ListActiveByKind(ctx, domain.KindDependency)
	if err != nil {
		o.logger.Warn("list dependency triggers failed", map[string]any{"trigger_id": t.ID, "error": err.Error()})
		return
	}

	chainCtx := context.WithValue(ctx, dependencyChainDepthKey{}, depth+1)
	for _, dep := range deps {
		if !containsID(dep.DependencyTriggerIDs, t.ID) || dep.AtCapacity() {
			continue
		}
		satisfied, err := o.resolver.EvaluateDependency(chainCtx, dep)
		if err != nil {
			o.logger.Warn("evaluate dependency failed", map[string]any{"trigger_id": dep.ID, "error": err.Error()})
			continue
		}
		if !satisfied {
			continue
		}
		o.logger.Info("dependency predicate satisfied, firing one-shot run", map[string]any{"trigger_id": dep.ID, "completed_trigger_id": t.ID})
		o.dispatch(chainCtx, dep)
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
