// Package handler implements the Handler Registry (C9): a typed map from
// task_type to Handler, with no reflection or filesystem scanning — every
// handler is wired with an explicit Register call at startup, per the
// design note replacing dynamic-registration-via-import-side-effects.
package handler

import (
	"context"
	"sync"

	"github.com/taskforge/scheduler/domain"
	"github.com/taskforge/scheduler/internal/apperr"
)

// TriggerView and RunView are the read-only projections handlers receive;
// they never see the full persisted row, only what dispatch needs to
// hand them.
type TriggerView struct {
	TriggerID      string
	TaskType       string
	TaskConfig     map[string]any
	TaskParameters map[string]any
}

type RunView struct {
	RunID   string
	Attempt int
}

// Result is a handler's outcome: either Ok with a result payload, or Err
// with a structured failure.
type Result struct {
	OK      bool
	Data    map[string]any
	Kind    string
	Message string
	Details map[string]any
}

func Ok(data map[string]any) Result { return Result{OK: true, Data: data} }

func Err(kind, message string, details map[string]any) Result {
	return Result{OK: false, Kind: kind, Message: message, Details: details}
}

// Handler is the contract every task_type implementation satisfies.
// Handlers MUST be cancellation-aware: ctx is cancelled once
// max_exec_seconds elapses or the orchestrator shuts down. The orchestrator
// waits for Execute to return, so a handler that does not observe ctx keeps
// its dispatch slot, and can outlive its lease, until it does.
type Handler interface {
	Execute(ctx context.Context, trigger TriggerView, run RunView) Result
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, trigger TriggerView, run RunView) Result

func (f HandlerFunc) Execute(ctx context.Context, trigger TriggerView, run RunView) Result {
	return f(ctx, trigger, run)
}

// Registry is the typed task_type -> Handler map.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register wires a handler for a task_type at startup.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Lookup resolves the handler for a task_type, or apperr.NotFound wrapping
// apperr.ErrNoHandler per the NO_HANDLER error classification.
func (r *Registry) Lookup(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, apperr.Wrap("handler.Lookup", apperr.NotFound, "no handler registered for task_type", apperr.ErrNoHandler)
	}
	return h, nil
}

var _ Handler = HandlerFunc(func(context.Context, TriggerView, RunView) Result { return Result{} })

// ViewFromTrigger builds the TriggerView passed to a handler.
func ViewFromTrigger(t *domain.Trigger) TriggerView {
	return TriggerView{
		TriggerID:      t.ID,
		TaskType:       t.TaskType,
		TaskConfig:     t.TaskConfig,
		TaskParameters: t.TaskParameters,
	}
}
