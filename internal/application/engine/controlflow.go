package engine

import (
	"fmt"
	"strings"

	"github.com/smilemakc/stepflow/internal/application/template"
	"github.com/smilemakc/stepflow/internal/domain"
)

// stripBraces unwraps an expression that was written in template form so
// conditions and items accept both `state.counter < 10` and
// `{{ state.counter < 10 }}`.
func stripBraces(code string) string {
	trimmed := strings.TrimSpace(code)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		return strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	}
	return trimmed
}

// evalCondition evaluates a step condition with truthiness coercion.
func (e *Engine) evalCondition(code string, ctx *template.Context) (bool, error) {
	ok, err := e.template.EvaluateBool(stripBraces(code), ctx)
	if err != nil {
		return false, domain.NewDomainError(domain.ErrCodeConditionEval,
			fmt.Sprintf("condition %q", code), err)
	}
	return ok, nil
}

// evalItems evaluates an items expression into a concrete sequence.
func (e *Engine) evalItems(code string, ctx *template.Context) ([]any, error) {
	value, err := e.template.Evaluate(stripBraces(code), ctx)
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrCodeNonIterable,
			fmt.Sprintf("items %q", code), err)
	}
	return toSequence(value)
}

// executeServerStep runs one server-internal step against the queue and the
// state store. Queue advancement for the step itself happens here. The
// returned record, when non-nil, joins the batch's server_completed_steps.
func (e *Engine) executeServerStep(in *Instance, q *stepQueue, step *domain.Step, ctx *template.Context) (*StepRecord, error) {
	switch step.Type {
	case domain.StepStateUpdate:
		ops := make([]domain.UpdateOp, len(step.Updates))
		for i, op := range step.Updates {
			ops[i] = domain.UpdateOp{
				Path:      op.Path,
				Value:     e.template.Expand(op.Value, ctx),
				Operation: op.Operation,
			}
		}
		if _, err := e.store.Update(in.ID, ops); err != nil {
			return nil, err
		}
		q.advance()
		return &StepRecord{
			ID:   step.ID,
			Type: string(step.Type),
			Definition: map[string]any{
				"updates": expandedOps(ops),
			},
			Result: map[string]any{"applied": len(ops)},
		}, nil

	case domain.StepConditional:
		ok, err := e.evalCondition(step.Condition, ctx)
		if err != nil {
			return nil, err
		}
		q.advance()
		branch := step.ElseSteps
		if ok {
			branch = step.ThenSteps
		}
		if len(branch) > 0 {
			q.push(&frame{kind: frameBody, steps: branch})
		}
		return &StepRecord{
			ID:   step.ID,
			Type: string(step.Type),
			Definition: map[string]any{
				"condition": step.Condition,
			},
			Result: map[string]any{"branch": map[bool]string{true: "then", false: "else"}[ok]},
		}, nil

	case domain.StepWhileLoop:
		ok, err := e.evalCondition(step.Condition, ctx)
		if err != nil {
			return nil, err
		}
		q.advance()
		if ok {
			q.push(&frame{kind: frameWhile, steps: step.Body, whileStep: step})
		}
		return nil, nil

	case domain.StepForeach:
		items, err := e.evalItems(step.Items, ctx)
		if err != nil {
			return nil, err
		}
		q.advance()
		if len(items) > 0 {
			q.push(&frame{kind: frameForeach, steps: step.Body, foreachStep: step, items: items})
		}
		return &StepRecord{
			ID:         step.ID,
			Type:       string(step.Type),
			Definition: map[string]any{"items": items},
			Result:     map[string]any{"iterations": len(items)},
		}, nil

	case domain.StepBreak:
		return nil, q.breakLoop()

	case domain.StepContinue:
		return nil, q.continueLoop()
	}

	return nil, domain.NewDomainError(domain.ErrCodeOperationFailed,
		fmt.Sprintf("step %s: type %s is not server-internal", step.ID, step.Type), nil)
}

// continueFrame applies loop continuation when the top frame's steps are
// exhausted. Returns an error only for MAX_ITERATIONS_EXCEEDED or a failing
// condition re-evaluation.
func (e *Engine) continueFrame(in *Instance, q *stepQueue, f *frame, ctx *template.Context) error {
	switch f.kind {
	case frameBody:
		q.pop()
		return nil

	case frameWhile:
		f.iteration++
		ok, err := e.evalCondition(f.whileStep.Condition, ctx)
		if err != nil {
			q.pop()
			return err
		}
		if !ok {
			q.pop()
			return nil
		}
		if f.iteration >= f.whileStep.MaxIterations {
			q.pop()
			return domain.NewDomainError(domain.ErrCodeMaxIterations,
				fmt.Sprintf("while_loop %s exceeded max_iterations (%d)", f.whileStep.ID, f.whileStep.MaxIterations), nil)
		}
		f.pos = 0
		return nil

	case frameForeach:
		f.index++
		if f.index < len(f.items) {
			f.pos = 0
			return nil
		}
		q.pop()
		return nil
	}
	q.pop()
	return nil
}

func expandedOps(ops []domain.UpdateOp) []map[string]any {
	out := make([]map[string]any, len(ops))
	for i, op := range ops {
		out[i] = map[string]any{
			"path":      op.Path,
			"value":     op.Value,
			"operation": op.Operation,
		}
	}
	return out
}
