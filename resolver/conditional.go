package resolver

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/taskforge/scheduler/internal/apperr"
)

// ConditionEvaluator evaluates a conditional trigger's boolean expression
// over a bounded context document. Implementations must be side-effect
// free — OPA's Rego evaluator has no I/O primitives, which satisfies that
// requirement by construction rather than by convention.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, expression string, context map[string]any) (bool, error)
}

// RegoEvaluator evaluates pure boolean Rego expressions of the form
// `input.field == "value"` or `input.count > 10`. Each expression is
// compiled on demand: conditional triggers fire rarely enough (only when
// their upstream context changes) that query-per-call has negligible
// cost next to the rest of the dispatch path, and it keeps the evaluator
// stateless and trivially safe for concurrent workers to share.
type RegoEvaluator struct{}

func NewRegoEvaluator() *RegoEvaluator { return &RegoEvaluator{} }

func (e *RegoEvaluator) Evaluate(ctx context.Context, expression string, context map[string]any) (bool, error) {
	module := fmt.Sprintf("package taskcore.conditional\n\ndefault allow = false\nallow { %s }", expression)

	query, err := rego.New(
		rego.Query("data.taskcore.conditional.allow"),
		rego.Module("conditional.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return false, apperr.Wrap("resolver.RegoEvaluator.Evaluate", apperr.Validation, "invalid condition expression", err)
	}

	results, err := query.Eval(ctx, rego.EvalInput(context))
	if err != nil {
		return false, apperr.Wrap("resolver.RegoEvaluator.Evaluate", apperr.Internal, "evaluate condition", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, _ := results[0].Expressions[0].Value.(bool)
	return allowed, nil
}
