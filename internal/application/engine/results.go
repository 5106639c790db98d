package engine

import (
	"fmt"
	"time"

	"github.com/smilemakc/stepflow/internal/application/recovery"
	"github.com/smilemakc/stepflow/internal/application/validation"
	"github.com/smilemakc/stepflow/internal/domain"
)

// SubmitStepResult delivers a client-executed step's outcome: shell/tool
// output for capture clauses, a user_input response for validation, or a
// reported failure funneled through the step's error handler. The result map
// may carry an "error" member to report failure.
func (e *Engine) SubmitStepResult(workflowID, stepID string, result map[string]any) (bool, error) {
	in, err := e.instance(workflowID)
	if err != nil {
		return false, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.touch()

	pending, task := e.findPendingLocked(in, stepID)
	if pending == nil {
		return false, domain.NewDomainError(domain.ErrCodeNotFound,
			fmt.Sprintf("step %s has no pending result slot", stepID), nil)
	}
	if in.Status.Terminal() {
		// Results for a terminal workflow's in-flight steps are discarded.
		if task != nil {
			delete(task.pending, stepID)
			return false, nil
		}
		return false, domain.NewDomainError(domain.ErrCodeInvalidInput,
			fmt.Sprintf("workflow %s is %s", workflowID, in.Status), nil)
	}
	step := pending.step
	e.timeouts.Complete(in.ID, stepID)

	// Cancellation is cooperative: a result arriving for a cancelled task
	// is discarded.
	if task != nil && task.status == domain.TaskStatusCancelled {
		delete(task.pending, stepID)
		return false, nil
	}

	// A reported failure funnels through the same handler as server errors,
	// keyed by the originating step.
	if errPayload, failed := result["error"]; failed && errPayload != nil {
		reported := reportedError(errPayload)
		if task != nil {
			delete(task.pending, stepID)
			e.failTaskLocked(in, task, stepID, reported)
			return true, nil
		}
		delete(in.pending, stepID)
		if _, terminalErr := e.handleStepErrorLocked(in, step, "", reported); terminalErr != nil {
			return true, terminalErr
		}
		return true, nil
	}

	// Success: validate user_input responses, apply capture clauses.
	if step.Type == domain.StepUserInput {
		if err := validation.ValidateResponse(step.Validator, result["value"]); err != nil {
			if task != nil {
				delete(task.pending, stepID)
				e.failTaskLocked(in, task, stepID, err)
				return true, nil
			}
			delete(in.pending, stepID)
			if _, terminalErr := e.handleStepErrorLocked(in, step, "", err); terminalErr != nil {
				return true, terminalErr
			}
			return true, nil
		}
	}

	if len(step.StateUpdate) > 0 {
		ctx := e.templateCtx(in)
		if task != nil {
			ctx = e.taskCtx(in, task)
		}
		ctx.Result = resultEnv(result)
		ops := make([]domain.UpdateOp, len(step.StateUpdate))
		for i, op := range step.StateUpdate {
			ops[i] = domain.UpdateOp{Path: op.Path, Value: e.template.Expand(op.Value, ctx), Operation: op.Operation}
		}
		if _, err := e.store.Update(in.ID, ops); err != nil {
			if task != nil {
				delete(task.pending, stepID)
				e.failTaskLocked(in, task, stepID, err)
				return true, nil
			}
			delete(in.pending, stepID)
			if _, terminalErr := e.handleStepErrorLocked(in, step, "", err); terminalErr != nil {
				return true, terminalErr
			}
			return true, nil
		}
	}

	// Success clears retry and circuit bookkeeping for the step.
	e.retries.ClearSuccess(in.ID, stepID)
	if handler := recovery.FromDef(step.OnError); handler.Strategy == recovery.StrategyCircuitBreaker {
		e.circuits.Get(in.ID, stepID).RecordSuccess()
	}

	if task != nil {
		delete(task.pending, stepID)
	} else {
		delete(in.pending, stepID)
		in.completedSteps++
	}
	e.safeNotify(ExecutionEvent{Type: EventStepCompleted, WorkflowID: in.ID, StepID: stepID})
	return true, nil
}

// findPendingLocked locates a pending client step in the parent workflow or
// any active sub-agent task.
func (e *Engine) findPendingLocked(in *Instance, stepID string) (*pendingStep, *subAgentTask) {
	if p, ok := in.pending[stepID]; ok {
		return p, nil
	}
	if in.active != nil {
		for _, task := range in.active.tasks {
			if p, ok := task.pending[stepID]; ok {
				return p, task
			}
		}
	}
	// A retry-scheduled step was already removed from pending; accept a
	// late failure report against the redispatch queue.
	for _, step := range in.queue.redispatch {
		if step.ID == stepID {
			return &pendingStep{step: step}, nil
		}
	}
	return nil, nil
}

// reportedError converts a client-reported error payload into a domain
// error, preserving a recognised taxonomy code.
func reportedError(payload any) error {
	code := domain.ErrCodeOperationFailed
	message := "step failed"
	switch t := payload.(type) {
	case string:
		message = t
	case map[string]any:
		if c, ok := t["code"].(string); ok && c != "" {
			code = c
		}
		if m, ok := t["message"].(string); ok && m != "" {
			message = m
		}
	}
	return domain.NewDomainError(code, message, nil)
}

// RetryDueAt exposes a step's scheduled retry time for transports that want
// to hint the caller when to poll again.
func (e *Engine) RetryDueAt(workflowID, stepID string) (time.Time, bool) {
	return e.retries.NextDue(workflowID, stepID)
}
