// Package resolver implements the Trigger Resolver (C7): computing the
// next fire time for every trigger kind after creation or after a run
// concludes. Cron parsing is delegated to robfig/cron/v3, which carries
// its own IANA timezone and DST handling — exactly the "treat library
// choice as an implementation detail" stance the trigger design calls
// for, with a conformance test covering DST transitions.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/internal/apperr"
)

// RunLookup is the subset of the Run Store the dependency predicate
// needs: the latest run for a given trigger.
type RunLookup interface {
	LatestByTrigger(ctx context.Context, triggerID string) (*domain.Run, error)
}

// Resolver computes next_fire_at for every trigger kind.
type Resolver struct {
	parser   cron.Parser
	runs     RunLookup
	condEval ConditionEvaluator
}

// New builds a Resolver. runs may be nil if dependency triggers are not
// in use; condEval may be nil if conditional triggers are not in use.
func New(runs RunLookup, condEval ConditionEvaluator) *Resolver {
	return &Resolver{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		runs:     runs,
		condEval: condEval,
	}
}

// NextFireAfterCreate computes the first next_fire_at for a
// newly-activated trigger.
func (r *Resolver) NextFireAfterCreate(ctx context.Context, t *domain.Trigger, now time.Time) (*time.Time, error) {
	return r.next(ctx, t, now, true)
}

// NextFireAfterRun computes the next next_fire_at once a run concludes.
func (r *Resolver) NextFireAfterRun(ctx context.Context, t *domain.Trigger, now time.Time) (*time.Time, error) {
	return r.next(ctx, t, now, false)
}

func (r *Resolver) next(ctx context.Context, t *domain.Trigger, now time.Time, firstActivation bool) (*time.Time, error) {
	switch t.Kind {
	case domain.KindTimeBased:
		return r.nextCron(t, now)
	case domain.KindInterval:
		return r.nextInterval(t, now, firstActivation)
	case domain.KindEvent, domain.KindWebhook:
		return nil, nil
	case domain.KindDependency, domain.KindConditional, domain.KindManual:
		return nil, nil
	default:
		return nil, apperr.New("resolver.next", apperr.Validation, fmt.Sprintf("unknown trigger kind %q", t.Kind)).WithTrigger(t.ID)
	}
}

// nextCron parses the trigger's cron expression in its timezone and, if a
// day window is configured, advances the candidate to the next in-window
// instant. Missed fires during downtime collapse to a single immediate
// fire (catch-up=1): we always compute from now, never from a backlog of
// missed schedule points.
func (r *Resolver) nextCron(t *domain.Trigger, now time.Time) (*time.Time, error) {
	loc, err := time.LoadLocation(orUTC(t.Timezone))
	if err != nil {
		return nil, apperr.Wrap("resolver.nextCron", apperr.Validation, "invalid timezone", err).WithTrigger(t.ID)
	}
	sched, err := r.parser.Parse(t.CronExpression)
	if err != nil {
		return nil, apperr.Wrap("resolver.nextCron", apperr.Validation, "invalid cron expression", err).WithTrigger(t.ID)
	}
	localNow := now.In(loc)
	next := sched.Next(localNow)

	if t.Window != nil {
		next, err = advanceIntoWindow(sched, next, *t.Window, loc)
		if err != nil {
			return nil, err
		}
	}
	utc := next.UTC()
	return &utc, nil
}

func advanceIntoWindow(sched cron.Schedule, candidate time.Time, w domain.DayWindow, loc *time.Location) (time.Time, error) {
	start, err := parseHHMM(w.Start)
	if err != nil {
		return candidate, apperr.Wrap("resolver.advanceIntoWindow", apperr.Validation, "invalid window_start", err)
	}
	end, err := parseHHMM(w.End)
	if err != nil {
		return candidate, apperr.Wrap("resolver.advanceIntoWindow", apperr.Validation, "invalid window_end", err)
	}
	for i := 0; i < 366; i++ {
		minsOfDay := candidate.Hour()*60 + candidate.Minute()
		if minsOfDay >= start && minsOfDay <= end {
			return candidate, nil
		}
		candidate = sched.Next(candidate)
	}
	return candidate, apperr.New("resolver.advanceIntoWindow", apperr.Internal, "could not find an in-window fire within a year")
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

func orUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}

// nextInterval computes last_fire_at + interval, or now + interval on
// first activation.
func (r *Resolver) nextInterval(t *domain.Trigger, now time.Time, firstActivation bool) (*time.Time, error) {
	interval := time.Duration(t.IntervalSeconds) * time.Second
	if interval <= 0 {
		return nil, apperr.New("resolver.nextInterval", apperr.Validation, "interval_seconds must be positive").WithTrigger(t.ID)
	}
	base := now
	if !firstActivation && t.LastFireAt != nil {
		base = *t.LastFireAt
	}
	next := base.Add(interval)
	return &next, nil
}

// OnEvent evaluates an inbound event against an event-kind trigger's
// filter set. Returns true if the trigger should fire a one-shot run.
func (r *Resolver) OnEvent(t *domain.Trigger, eventType string) bool {
	if t.Kind != domain.KindEvent {
		return false
	}
	for _, want := range t.EventTypes {
		if want == eventType {
			return true
		}
	}
	return false
}

// EvaluateDependency checks a dependency trigger's predicate against the
// latest runs of its dependencies.
func (r *Resolver) EvaluateDependency(ctx context.Context, t *domain.Trigger) (bool, error) {
	if t.Kind != domain.KindDependency {
		return false, nil
	}
	if r.runs == nil {
		return false, apperr.New("resolver.EvaluateDependency", apperr.Internal, "no run lookup configured")
	}
	var successCount, completeCount int
	for _, depID := range t.DependencyTriggerIDs {
		latest, err := r.runs.LatestByTrigger(ctx, depID)
		if err != nil || latest == nil {
			continue
		}
		if latest.Status.Terminal() {
			completeCount++
			if latest.Status == domain.RunCompleted {
				successCount++
			}
		}
	}
	total := len(t.DependencyTriggerIDs)
	switch t.DependencyPredicate {
	case domain.AllSuccess:
		return total > 0 && successCount == total, nil
	case domain.AnySuccess:
		return successCount > 0, nil
	case domain.AllComplete:
		return total > 0 && completeCount == total, nil
	default:
		return false, nil
	}
}

// EvaluateConditional evaluates a conditional trigger's boolean DSL
// expression over a bounded context.
func (r *Resolver) EvaluateConditional(ctx context.Context, t *domain.Trigger, context map[string]any) (bool, error) {
	if t.Kind != domain.KindConditional {
		return false, nil
	}
	if r.condEval == nil {
		return false, apperr.New("resolver.EvaluateConditional", apperr.Internal, "no condition evaluator configured")
	}
	return r.condEval.Evaluate(ctx, t.ConditionExpression, context)
}
