// Package domain holds the entities shared across every component:
// Trigger, Run, Lease, Heartbeat, and the derived UptimeSession. Nothing
// in this package talks to storage; it only defines shapes and the
// invariants components must preserve when mutating them.
package domain

import "time"

// TriggerKind is the dispatch discriminator for how a Trigger computes
// its next fire time.
type TriggerKind string

const (
	KindTimeBased  TriggerKind = "time_based"
	KindInterval   TriggerKind = "interval"
	KindEvent      TriggerKind = "event"
	KindDependency TriggerKind = "dependency"
	KindManual     TriggerKind = "manual"
	KindConditional TriggerKind = "conditional"
	KindWebhook    TriggerKind = "webhook"
)

// TriggerStatus is the lifecycle status of a Trigger.
type TriggerStatus string

const (
	TriggerActive   TriggerStatus = "active"
	TriggerPaused   TriggerStatus = "paused"
	TriggerDisabled TriggerStatus = "disabled"
	TriggerArchived TriggerStatus = "archived"
)

// CanTransitionTo reports whether moving from s to next is a legal
// trigger status transition: active<->paused, either may move to
// disabled, any may move to archived, archived is terminal.
func (s TriggerStatus) CanTransitionTo(next TriggerStatus) bool {
	if s == TriggerArchived {
		return false
	}
	if next == TriggerArchived {
		return true
	}
	switch s {
	case TriggerActive:
		return next == TriggerPaused || next == TriggerDisabled
	case TriggerPaused:
		return next == TriggerActive || next == TriggerDisabled
	case TriggerDisabled:
		return next == TriggerDisabled
	}
	return false
}

// DependencyPredicate is the predicate a dependency-kind trigger evaluates
// against its dependencies' latest runs.
type DependencyPredicate string

const (
	AllSuccess DependencyPredicate = "all_success"
	AnySuccess DependencyPredicate = "any_success"
	AllComplete DependencyPredicate = "all_complete"
)

// RetryPolicy configures a trigger's retry behavior.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelaySeconds  int
	BackoffMultiplier float64
	MaxDelaySeconds   *int // optional cap, per §4.5/S3
}

// DayWindow restricts firing to an HH:MM-HH:MM window local to the
// trigger's timezone.
type DayWindow struct {
	Start string // "HH:MM"
	End   string // "HH:MM"
}

// Trigger is a persisted definition of when and how to run a task.
type Trigger struct {
	ID          string
	Name        string
	Description string
	Kind        TriggerKind

	// Scheduling inputs, populated according to Kind.
	CronExpression       string
	Timezone             string
	IntervalSeconds      int64
	EventTypes           []string
	DependencyTriggerIDs []string
	DependencyPredicate  DependencyPredicate
	ConditionExpression  string
	Window               *DayWindow

	// Execution description.
	TaskType       string
	TaskConfig     map[string]any
	TaskParameters map[string]any

	MaxConcurrentRuns int
	CurrentRuns       int
	MaxExecSeconds    int

	Retry RetryPolicy

	Status TriggerStatus

	NextFireAt *time.Time
	LastFireAt *time.Time

	TotalRuns      int64
	SuccessRuns    int64
	FailureRuns    int64
	AvgExecSeconds float64

	CreatedBy      string
	TenantID       string
	Tags           []string
	PauseReason    string // supplemented from original_source, see SPEC_FULL §9

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AtCapacity reports whether a trigger has reached its concurrency limit
// and must be skipped by fetch_due.
func (t *Trigger) AtCapacity() bool {
	return t.CurrentRuns >= t.MaxConcurrentRuns
}
