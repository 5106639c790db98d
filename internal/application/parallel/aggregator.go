// Package parallel implements fan-in policies and error aggregation for
// parallel_foreach task sets.
package parallel

import (
	"fmt"
	"sync"

	"github.com/smilemakc/stepflow/internal/domain"
)

// Policy is the closed set of fan-in policies.
type Policy string

const (
	PolicyFailFast   Policy = "fail_fast"
	PolicyCollectAll Policy = "collect_all"
	PolicyBestEffort Policy = "best_effort"
	PolicyThreshold  Policy = "threshold"
)

// ParsePolicy resolves the definition string, defaulting to fail_fast.
func ParsePolicy(s string) Policy {
	switch Policy(s) {
	case PolicyCollectAll, PolicyBestEffort, PolicyThreshold:
		return Policy(s)
	default:
		return PolicyFailFast
	}
}

// TaskError pairs a task id with its failure record.
type TaskError struct {
	TaskID string
	Record domain.ErrorRecord
}

// Aggregator collects per-task outcomes for one parallel_foreach and
// decides, under its policy, when the step as a whole fails.
type Aggregator struct {
	mu         sync.Mutex
	policy     Policy
	threshold  float64
	totalTasks int
	failed     map[string]TaskError
	succeeded  map[string]bool
}

// NewAggregator creates an aggregator for totalTasks tasks. threshold is the
// failure fraction for PolicyThreshold, ignored otherwise.
func NewAggregator(policy Policy, totalTasks int, threshold float64) *Aggregator {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Aggregator{
		policy:     policy,
		threshold:  threshold,
		totalTasks: totalTasks,
		failed:     make(map[string]TaskError),
		succeeded:  make(map[string]bool),
	}
}

// AddFailure records a task failure and reports whether the remaining tasks
// should be cancelled immediately.
func (a *Aggregator) AddFailure(taskID string, rec domain.ErrorRecord) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.failed[taskID]; !seen {
		a.failed[taskID] = TaskError{TaskID: taskID, Record: rec}
	}
	return a.shouldCancelLocked()
}

// AddSuccess records a completed task.
func (a *Aggregator) AddSuccess(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.succeeded[taskID] = true
}

// Errors returns the collected task errors.
func (a *Aggregator) Errors() []TaskError {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TaskError, 0, len(a.failed))
	for _, te := range a.failed {
		out = append(out, te)
	}
	return out
}

// Resolve decides the step's outcome once every task is terminal (or a
// fail-fast cancellation ended the fan-out early). A nil error means the
// parent proceeds.
func (a *Aggregator) Resolve() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.failed) == 0 {
		return nil
	}

	switch a.policy {
	case PolicyBestEffort:
		return nil
	case PolicyThreshold:
		if a.failureRateLocked() <= a.threshold {
			return nil
		}
	case PolicyFailFast, PolicyCollectAll:
	}

	first := a.firstErrorLocked()
	return domain.NewDomainError(domain.ErrCodeOperationFailed,
		fmt.Sprintf("%d of %d parallel tasks failed", len(a.failed), a.totalTasks), nil).
		WithData(map[string]any{
			"failed_tasks": len(a.failed),
			"total_tasks":  a.totalTasks,
			"first_error":  first,
			"errors":       a.errorDictsLocked(),
		})
}

// Summary reports aggregate counts for status queries.
func (a *Aggregator) Summary() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{
		"total_tasks":        a.totalTasks,
		"failed_tasks":       len(a.failed),
		"succeeded_tasks":    len(a.succeeded),
		"success_rate":       float64(a.totalTasks-len(a.failed)) / float64(max(1, a.totalTasks)),
		"threshold_exceeded": a.failureRateLocked() > a.threshold,
	}
}

func (a *Aggregator) shouldCancelLocked() bool {
	switch a.policy {
	case PolicyFailFast:
		return len(a.failed) > 0
	case PolicyThreshold:
		return a.failureRateLocked() > a.threshold
	default:
		return false
	}
}

func (a *Aggregator) failureRateLocked() float64 {
	if a.totalTasks == 0 {
		return 0
	}
	return float64(len(a.failed)) / float64(a.totalTasks)
}

func (a *Aggregator) firstErrorLocked() map[string]any {
	var first *TaskError
	for _, te := range a.failed {
		te := te
		if first == nil || te.Record.Timestamp < first.Record.Timestamp {
			first = &te
		}
	}
	if first == nil {
		return nil
	}
	return map[string]any{
		"task_id":    first.TaskID,
		"error_type": first.Record.ErrorType,
		"message":    first.Record.Message,
	}
}

func (a *Aggregator) errorDictsLocked() []map[string]any {
	out := make([]map[string]any, 0, len(a.failed))
	for _, te := range a.failed {
		out = append(out, map[string]any{
			"task_id":    te.TaskID,
			"error_type": te.Record.ErrorType,
			"message":    te.Record.Message,
		})
	}
	return out
}
