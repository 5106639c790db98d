package engine

import (
	"github.com/smilemakc/stepflow/internal/domain"
)

// cancelActiveTasksCleanup is the cleanup callback for workflow and
// parallel-step deadlines: when the deadline fires, any in-flight fan-out
// tasks are cancelled cooperatively. The manager invokes it without holding
// its own lock.
func (e *Engine) cancelActiveTasksCleanup(in *Instance) func() {
	return func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		if in.active == nil {
			return
		}
		for _, cancelled := range in.active.cancelRemaining() {
			e.safeNotify(ExecutionEvent{Type: EventTaskCancelled, WorkflowID: in.ID, TaskID: cancelled})
		}
	}
}

// cancelCascadedStepLocked applies the cascade rule to a step whose
// deadline was cancelled by a parent deadline's expiry: the pending entry
// is dropped and the step (or its sub-agent task) inherits CANCELLED.
func (e *Engine) cancelCascadedStepLocked(in *Instance, stepID string) {
	cancelErr := domain.NewDomainError(domain.ErrCodeCancelled,
		"cancelled by parent deadline", nil)

	pending, task := e.findPendingLocked(in, stepID)
	switch {
	case task != nil:
		delete(task.pending, stepID)
		rec := newErrorRecord(in.ID, stepID, task.id, cancelErr, 0, domain.SeverityLow)
		e.tracker.Track(rec, "")
		if !task.status.Terminal() {
			task.status = domain.TaskStatusCancelled
			e.safeNotify(ExecutionEvent{Type: EventTaskCancelled, WorkflowID: in.ID, TaskID: task.id})
			if in.active != nil && in.active.done() {
				_ = e.resolveParallelLocked(in)
			}
		}
	case pending != nil:
		delete(in.pending, stepID)
		rec := newErrorRecord(in.ID, stepID, "", cancelErr, 0, domain.SeverityLow)
		e.tracker.Track(rec, "")
		e.logger.Info().Str("workflow_id", in.ID).Str("step_id", stepID).Msg("step cancelled by parent deadline")
	}
}
