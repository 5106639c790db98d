package engine

import (
	"fmt"
	"time"

	"github.com/smilemakc/stepflow/internal/application/parallel"
	"github.com/smilemakc/stepflow/internal/application/template"
	"github.com/smilemakc/stepflow/internal/domain"
)

// materialiseParallelLocked resolves a parallel_foreach into task records.
// Every item gets a task; concurrency is capped by max_parallel through the
// slot check in GetNextSubAgentStep. A nil run with a non-nil record means
// the items were empty and the step completed with zero tasks.
func (e *Engine) materialiseParallelLocked(in *Instance, step *domain.Step, ctx *template.Context) (*parallelRun, *StepRecord, error) {
	items, err := e.evalItems(step.Items, ctx)
	if err != nil {
		return nil, nil, err
	}

	taskDef, ok := in.Definition.SubAgentTasks[step.SubAgentTask]
	if !ok {
		return nil, nil, domain.NewDomainError(domain.ErrCodeNotFound,
			fmt.Sprintf("sub-agent task %s not defined", step.SubAgentTask), nil)
	}

	if len(items) == 0 {
		return nil, &StepRecord{
			ID:         step.ID,
			Type:       string(step.Type),
			Definition: map[string]any{"items": []any{}, "sub_agent_task": step.SubAgentTask},
			Result:     map[string]any{"tasks": 0},
		}, nil
	}

	if step.TimeoutMs > 0 {
		e.timeouts.TrackStep(in.ID, step.ID, "", time.Duration(step.TimeoutMs)*time.Millisecond, e.cancelActiveTasksCleanup(in))
	}

	policy := parallel.ParsePolicy(step.FanIn)
	run := &parallelRun{
		step:        step,
		maxParallel: step.MaxParallel,
		policy:      policy,
		aggregator:  parallel.NewAggregator(policy, len(items), step.Threshold),
		tasks:       make(map[string]*subAgentTask, len(items)),
	}

	taskDicts := make([]map[string]any, 0, len(items))
	for i, item := range items {
		taskID := fmt.Sprintf("%s.parallel.%d", in.ID, i)
		taskCtx := &template.Context{
			Snapshot: ctx.Snapshot,
			Loop:     map[string]any{"item": item, "index": i, "total": len(items)},
		}
		inputs := map[string]any{}
		for name, tmpl := range taskDef.Inputs {
			inputs[name] = e.template.Expand(tmpl, taskCtx)
		}

		task := &subAgentTask{
			id:      taskID,
			index:   i,
			item:    item,
			total:   len(items),
			inputs:  inputs,
			status:  domain.TaskStatusPending,
			queue:   newStepQueue(taskDef.Steps),
			pending: make(map[string]*pendingStep),
		}
		run.tasks[taskID] = task
		run.order = append(run.order, taskID)

		taskDicts = append(taskDicts, map[string]any{
			"task_id": taskID,
			"context": map[string]any{
				"item":        item,
				"index":       i,
				"total":       len(items),
				"workflow_id": in.ID,
			},
			"inputs": inputs,
		})
	}

	rec := &StepRecord{
		ID:   step.ID,
		Type: string(step.Type),
		Definition: map[string]any{
			"items":          items,
			"max_parallel":   step.MaxParallel,
			"sub_agent_task": step.SubAgentTask,
			"fan_in":         string(policy),
			"tasks":          taskDicts,
		},
	}
	return run, rec, nil
}

// resolveParallelLocked applies the fan-in policy once every task is
// terminal. On success the parent advances past the parallel_foreach; on
// failure the workflow fails with the aggregated error.
func (e *Engine) resolveParallelLocked(in *Instance) error {
	run := in.active
	if run == nil || run.resolved {
		return nil
	}
	run.resolved = true
	if err := run.aggregator.Resolve(); err != nil {
		// The run stays attached so cancelled tasks remain queryable.
		e.recordError(in, run.step.ID, "", err, domain.SeverityHigh, "fail")
		return e.failLocked(in, err)
	}
	in.active = nil
	in.queue.advance()
	in.completedSteps++
	e.safeNotify(ExecutionEvent{Type: EventStepCompleted, WorkflowID: in.ID, StepID: run.step.ID})
	return nil
}

// GetNextSubAgentStep advances one sub-agent task and returns its next
// client-facing step. Cancelled tasks return the cancellation sentinel; a
// terminal task returns nil. A pending task beyond the concurrency window
// reports Pending until a slot frees.
func (e *Engine) GetNextSubAgentStep(workflowID, taskID string) (*TaskStepResponse, error) {
	in, err := e.instance(workflowID)
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.touch()

	if in.active == nil {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound,
			fmt.Sprintf("workflow %s has no active parallel step", workflowID), nil)
	}
	task, ok := in.active.tasks[taskID]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound,
			fmt.Sprintf("task %s not found", taskID), nil)
	}

	if task.status == domain.TaskStatusCancelled {
		return &TaskStepResponse{Cancelled: true}, nil
	}
	if task.status.Terminal() {
		return nil, nil
	}

	// Concurrency window: at most max_parallel tasks hold a slot.
	if task.status == domain.TaskStatusPending {
		if in.active.running() >= in.active.maxParallel {
			return &TaskStepResponse{Pending: true}, nil
		}
		task.status = domain.TaskStatusRunning
		e.safeNotify(ExecutionEvent{Type: EventTaskStarted, WorkflowID: in.ID, TaskID: taskID})
	}

	// Implicit completion of the task's previously returned step.
	for id := range task.pending {
		delete(task.pending, id)
	}

	for {
		step := task.queue.peek()
		if step == nil {
			f := task.queue.top()
			if f == nil {
				e.completeTaskLocked(in, task)
				return nil, nil
			}
			ctx := e.taskCtx(in, task)
			if err := e.continueFrame(in, task.queue, f, ctx); err != nil {
				e.failTaskLocked(in, task, loopStepIDOf(f), err)
				return nil, nil
			}
			continue
		}

		ctx := e.taskCtx(in, task)

		if step.Type.IsServerInternal() {
			if _, err := e.executeServerStep(in, task.queue, step, ctx); err != nil {
				e.failTaskLocked(in, task, step.ID, err)
				return nil, nil
			}
			continue
		}

		if step.Type == domain.StepParallelForeach {
			// Nested fan-out inside a sub-agent task is not supported.
			err := domain.NewDomainError(domain.ErrCodeInvalidInput,
				fmt.Sprintf("step %s: parallel_foreach cannot nest inside a sub-agent task", step.ID), nil)
			e.failTaskLocked(in, task, step.ID, err)
			return nil, nil
		}

		record := e.clientRecord(step, ctx)
		// Sibling tasks share the template's step ids; the surfaced id is
		// namespaced by task so submitted results route unambiguously.
		record.ID = task.id + ":" + step.ID
		task.queue.advance()
		if stepAwaitsResult(step.Type) {
			task.pending[record.ID] = &pendingStep{step: step, taskID: taskID}
			if step.TimeoutMs > 0 {
				// Task step deadlines cascade under the parallel step's own
				// deadline when it declares one; cascade cancellation is
				// applied by the sweep's cancelled expiries.
				parent := ""
				if in.active.step.TimeoutMs > 0 {
					parent = in.active.step.ID
				}
				e.timeouts.TrackStep(in.ID, record.ID, parent, time.Duration(step.TimeoutMs)*time.Millisecond, nil)
			}
		}
		return &TaskStepResponse{Step: &record}, nil
	}
}

// taskCtx builds a sub-agent task's expansion context: the parent snapshot,
// the task's item bindings, and its materialised inputs.
func (e *Engine) taskCtx(in *Instance, task *subAgentTask) *template.Context {
	snap, err := e.store.Read(in.ID)
	if err != nil {
		snap = nil
	}
	loop := task.queue.loopBindings()
	if loop == nil {
		loop = map[string]any{"item": task.item, "index": task.index, "total": task.total}
	}
	return &template.Context{
		Snapshot: snap,
		Loop:     loop,
		Task: map[string]any{
			"task_id":     task.id,
			"workflow_id": in.ID,
			"item":        task.item,
			"index":       task.index,
			"total":       task.total,
			"inputs":      task.inputs,
		},
	}
}

// completeTaskLocked marks a task completed and resolves the fan-out when
// it was the last one.
func (e *Engine) completeTaskLocked(in *Instance, task *subAgentTask) {
	task.status = domain.TaskStatusCompleted
	in.active.aggregator.AddSuccess(task.id)
	e.safeNotify(ExecutionEvent{Type: EventTaskCompleted, WorkflowID: in.ID, TaskID: task.id})
	if in.active.done() {
		_ = e.resolveParallelLocked(in)
	}
}

// failTaskLocked marks a task failed, feeds the aggregator, and applies the
// fan-in policy's cancellation decision. Returns true when the fan-out was
// short-circuited.
func (e *Engine) failTaskLocked(in *Instance, task *subAgentTask, stepID string, taskErr error) bool {
	task.status = domain.TaskStatusFailed
	rec := e.recordError(in, stepID, task.id, taskErr, domain.SeverityMedium, "")
	e.safeNotify(ExecutionEvent{Type: EventTaskFailed, WorkflowID: in.ID, TaskID: task.id, Error: taskErr.Error()})

	cancel := in.active.aggregator.AddFailure(task.id, rec)
	if cancel {
		for _, cancelled := range in.active.cancelRemaining() {
			e.safeNotify(ExecutionEvent{Type: EventTaskCancelled, WorkflowID: in.ID, TaskID: cancelled})
		}
	}
	if in.active.done() {
		_ = e.resolveParallelLocked(in)
	}
	return cancel
}

func loopStepIDOf(f *frame) string {
	if s := loopStepOf(f); s != nil {
		return s.ID
	}
	return ""
}
