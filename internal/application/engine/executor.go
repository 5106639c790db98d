package engine

import (
	"time"

	"github.com/smilemakc/stepflow/internal/application/recovery"
	"github.com/smilemakc/stepflow/internal/application/template"
	"github.com/smilemakc/stepflow/internal/domain"
)

// GetNextStep advances the workflow until a client-facing batch is ready.
// Server-internal steps execute in place and are reported in
// server_completed_steps; the call suspends on a pending retry backoff, a
// closed batch, or terminal state. A nil batch with nil error means the
// workflow completed.
func (e *Engine) GetNextStep(id string) (*Batch, error) {
	in, err := e.instance(id)
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.touch()

	switch in.Status {
	case domain.WorkflowStatusCompleted:
		return nil, nil
	case domain.WorkflowStatusFailed:
		return nil, in.Err
	}

	// An active fan-out gates the parent until every task is terminal.
	if in.active != nil {
		if !in.active.done() {
			in.Status = domain.WorkflowStatusBlocked
			return &Batch{}, nil
		}
		if err := e.resolveParallelLocked(in); err != nil {
			return nil, err
		}
	}
	in.Status = domain.WorkflowStatusRunning

	// Implicit completion: the previously returned client steps are done.
	e.completePendingLocked(in)

	batch := &Batch{}
	for {
		step := in.queue.peek()
		if step == nil {
			f := in.queue.top()
			if f == nil {
				// Result-bearing steps just returned may still receive a
				// submitted result; completion waits for the next call.
				if len(in.pending) > 0 {
					return batch, nil
				}
				in.complete()
				e.finalise(in)
				if len(batch.Steps) == 0 && len(batch.ServerCompletedSteps) == 0 {
					return nil, nil
				}
				return batch, nil
			}
			ctx := e.templateCtx(in)
			if err := e.continueFrame(in, in.queue, f, ctx); err != nil {
				done, terminalErr := e.handleStepErrorLocked(in, loopStepOf(f), "", err)
				if done {
					if terminalErr != nil {
						return nil, terminalErr
					}
					return batch, nil
				}
			}
			continue
		}

		// A scheduled backoff that is not yet due suspends the call.
		if due, ok := e.retries.NextDue(in.ID, step.ID); ok && time.Now().Before(due) {
			return batch, nil
		}

		// A circuit-guarded step refuses dispatch while open.
		if handler := recovery.FromDef(step.OnError); handler.Strategy == recovery.StrategyCircuitBreaker {
			if err := e.circuits.Get(in.ID, step.ID).Allow(time.Now()); err != nil {
				return nil, err
			}
		}

		ctx := e.templateCtx(in)

		if step.Type.IsServerInternal() {
			rec, err := e.executeServerStep(in, in.queue, step, ctx)
			if err != nil {
				done, terminalErr := e.handleStepErrorLocked(in, step, "", err)
				if done {
					if terminalErr != nil {
						return nil, terminalErr
					}
					return batch, nil
				}
				continue
			}
			e.retries.ClearSuccess(in.ID, step.ID)
			in.completedSteps++
			if rec != nil {
				batch.ServerCompletedSteps = append(batch.ServerCompletedSteps, *rec)
			}
			e.safeNotify(ExecutionEvent{Type: EventStepCompleted, WorkflowID: in.ID, StepID: step.ID})
			continue
		}

		if step.Type == domain.StepParallelForeach {
			run, rec, err := e.materialiseParallelLocked(in, step, ctx)
			if err != nil {
				done, terminalErr := e.handleStepErrorLocked(in, step, "", err)
				if done {
					if terminalErr != nil {
						return nil, terminalErr
					}
					return batch, nil
				}
				continue
			}
			if run == nil {
				// Empty items: the step completes with zero tasks.
				in.queue.advance()
				in.completedSteps++
				batch.ServerCompletedSteps = append(batch.ServerCompletedSteps, *rec)
				continue
			}
			in.active = run
			batch.Steps = append(batch.Steps, *rec)
			return batch, nil
		}

		record := e.clientRecord(step, ctx)
		in.queue.advance()
		if stepAwaitsResult(step.Type) {
			in.pending[step.ID] = &pendingStep{step: step}
			if step.TimeoutMs > 0 {
				// Expiry funnels through the step's handler; cascade
				// cancellation is applied by the sweep's cancelled expiries.
				e.timeouts.TrackStep(in.ID, step.ID, "", time.Duration(step.TimeoutMs)*time.Millisecond, nil)
			}
		} else {
			in.completedSteps++
		}
		batch.Steps = append(batch.Steps, record)

		if step.Type.ClosesBatch() {
			return batch, nil
		}
		// A command or tool call whose captured result feeds state closes
		// the batch so later templates see the submitted values.
		if (step.Type == domain.StepShellCommand || step.Type == domain.StepMCPCall) && len(step.StateUpdate) > 0 {
			return batch, nil
		}
	}
}

// stepAwaitsResult reports whether a client step may receive a submitted
// result before the next advance. Messages and prompts complete on return.
func stepAwaitsResult(t domain.StepType) bool {
	return t == domain.StepShellCommand || t == domain.StepMCPCall || t == domain.StepUserInput
}

// completePendingLocked applies implicit completion to the client steps
// returned by the previous batch.
func (e *Engine) completePendingLocked(in *Instance) {
	for id := range in.pending {
		delete(in.pending, id)
		in.completedSteps++
		e.retries.ClearSuccess(in.ID, id)
	}
}

// templateCtx builds the expansion context from the current snapshot and
// the innermost loop bindings.
func (e *Engine) templateCtx(in *Instance) *template.Context {
	snap, err := e.store.Read(in.ID)
	if err != nil {
		snap = nil
	}
	return &template.Context{Snapshot: snap, Loop: in.queue.loopBindings()}
}

// clientRecord expands a client-facing step into its wire record.
func (e *Engine) clientRecord(step *domain.Step, ctx *template.Context) StepRecord {
	def := map[string]any{}
	switch step.Type {
	case domain.StepUserMessage, domain.StepAgentPrompt:
		def["message"] = e.template.ExpandString(step.Message, ctx)
	case domain.StepShellCommand:
		def["command"] = e.template.ExpandString(step.Command, ctx)
		if len(step.StateUpdate) > 0 {
			def["state_update"] = step.StateUpdate
		}
	case domain.StepMCPCall:
		def["tool"] = step.Tool
		def["params"] = e.template.Expand(step.Params, ctx)
		if len(step.StateUpdate) > 0 {
			def["state_update"] = step.StateUpdate
		}
	case domain.StepUserInput:
		def["prompt"] = e.template.ExpandString(step.Prompt, ctx)
		if len(step.Validator) > 0 {
			def["validator"] = step.Validator
		}
	}
	return StepRecord{ID: step.ID, Type: string(step.Type), Definition: def}
}

// handleStepErrorLocked funnels a step failure through its handler. The
// first return reports whether the advance loop must stop (terminal failure
// or retry suspension); the second carries the terminal error, if any.
func (e *Engine) handleStepErrorLocked(in *Instance, step *domain.Step, taskID string, stepErr error) (bool, error) {
	stepID := ""
	var handler *recovery.Handler
	if step != nil {
		stepID = step.ID
		handler = recovery.FromDef(step.OnError)
	} else {
		handler = recovery.DefaultHandler()
	}

	switch handler.Strategy {
	case recovery.StrategyContinue:
		e.recordError(in, stepID, taskID, stepErr, domain.SeverityLow, "continue")
		if step != nil && step.Type.IsServerInternal() {
			in.queue.advance()
		}
		e.logger.Warn().Str("workflow_id", in.ID).Str("step_id", stepID).Err(stepErr).Msg("error ignored by continue strategy")
		return false, nil

	case recovery.StrategyFallback:
		e.recordError(in, stepID, taskID, stepErr, domain.SeverityLow, "fallback")
		e.applyFallbackLocked(in, step, handler)
		return false, nil

	case recovery.StrategyRetry:
		rec := e.recordError(in, stepID, taskID, stepErr, domain.SeverityMedium, "retry")
		if _, scheduled := e.retries.RecordFailure(in.ID, stepID, handler, rec); scheduled {
			// A client step re-enters the dispatch queue; a server step is
			// still at the front of its frame.
			if step != nil && !step.Type.IsServerInternal() {
				in.queue.pushRedispatch(step)
			}
			e.safeNotify(ExecutionEvent{Type: EventStepRetrying, WorkflowID: in.ID, StepID: stepID, TaskID: taskID, Error: stepErr.Error()})
			return true, nil
		}
		exhausted := domain.NewDomainError(domain.ErrCodeRetryExhausted,
			"retry attempts exhausted", stepErr)
		e.recordError(in, stepID, taskID, exhausted, domain.SeverityHigh, "fail")
		return true, e.failLocked(in, exhausted)

	case recovery.StrategyCircuitBreaker:
		cb := e.circuits.Get(in.ID, stepID)
		before := cb.State()
		cb.RecordFailure(handler, time.Now())
		if before != recovery.CircuitOpen && cb.State() == recovery.CircuitOpen {
			e.safeNotify(ExecutionEvent{Type: EventCircuitOpened, WorkflowID: in.ID, StepID: stepID})
		}
		e.recordError(in, stepID, taskID, stepErr, domain.SeverityMedium, "circuit_breaker")
		// The step stays dispatchable; the breaker gates the next attempt.
		if step != nil && !step.Type.IsServerInternal() {
			in.queue.pushRedispatch(step)
		}
		return true, nil

	default: // fail
		e.recordError(in, stepID, taskID, stepErr, domain.SeverityHigh, "fail")
		return true, e.failLocked(in, stepErr)
	}
}

// applyFallbackLocked injects the handler's fallback value as the step's
// successful result and advances.
func (e *Engine) applyFallbackLocked(in *Instance, step *domain.Step, handler *recovery.Handler) {
	if step == nil {
		return
	}
	if step.Type.IsServerInternal() {
		in.queue.advance()
	}
	if len(step.StateUpdate) > 0 {
		ctx := e.templateCtx(in)
		ctx.Result = resultEnv(handler.FallbackValue)
		ops := make([]domain.UpdateOp, len(step.StateUpdate))
		for i, op := range step.StateUpdate {
			ops[i] = domain.UpdateOp{Path: op.Path, Value: e.template.Expand(op.Value, ctx), Operation: op.Operation}
		}
		if _, err := e.store.Update(in.ID, ops); err != nil {
			e.logger.Warn().Str("workflow_id", in.ID).Str("step_id", step.ID).Err(err).Msg("fallback capture failed")
		}
	}
	in.completedSteps++
}

// failLocked transitions the workflow to failed and returns the terminal
// error for the caller's envelope.
func (e *Engine) failLocked(in *Instance, err error) error {
	in.fail(err)
	e.finalise(in)
	e.logger.Error().Str("workflow_id", in.ID).Err(err).Msg("workflow failed")
	return err
}

// recordError copies an error into history.
func (e *Engine) recordError(in *Instance, stepID, taskID string, err error, severity domain.ErrorSeverity, action string) domain.ErrorRecord {
	retryCount := 0
	if stepID != "" {
		retryCount = e.retries.State(in.ID, stepID).AttemptCount
	}
	rec := newErrorRecord(in.ID, stepID, taskID, err, retryCount, severity)
	e.tracker.Track(rec, action)
	e.safeNotify(ExecutionEvent{Type: EventStepFailed, WorkflowID: in.ID, StepID: stepID, TaskID: taskID, Error: err.Error()})
	return rec
}

// loopStepOf names the step responsible for a frame's continuation error.
func loopStepOf(f *frame) *domain.Step {
	if f.whileStep != nil {
		return f.whileStep
	}
	if f.foreachStep != nil {
		return f.foreachStep
	}
	return nil
}
