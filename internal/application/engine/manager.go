// Package engine drives workflow instances: the queue-based step executor,
// control flow, the parallel coordinator and the error funnel.
package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smilemakc/stepflow/internal/application/expression"
	"github.com/smilemakc/stepflow/internal/application/recovery"
	"github.com/smilemakc/stepflow/internal/application/state"
	"github.com/smilemakc/stepflow/internal/application/template"
	"github.com/smilemakc/stepflow/internal/application/timeout"
	"github.com/smilemakc/stepflow/internal/application/tracking"
	"github.com/smilemakc/stepflow/internal/application/validation"
	"github.com/smilemakc/stepflow/internal/domain"
)

// Options tunes engine-wide behavior.
type Options struct {
	// InactivityTTL deletes idle workflows; zero disables the idle expiry
	// (the sweep still handles deadlines and due retries).
	InactivityTTL time.Duration
	// WorkflowTimeout bounds total execution; zero disables it.
	WorkflowTimeout time.Duration
}

// Engine is the orchestration core behind the RPC surface.
type Engine struct {
	mu          sync.RWMutex
	definitions map[string]*domain.WorkflowDefinition
	instances   map[string]*Instance

	store    *state.Store
	eval     *expression.Evaluator
	template *template.Engine
	retries  *recovery.RetryManager
	circuits *recovery.CircuitRegistry
	timeouts *timeout.Manager
	tracker  *tracking.Tracker
	notifier Notifier
	opts     Options
	logger   zerolog.Logger
}

// New wires the engine's subsystems together.
func New(logger zerolog.Logger, notifier Notifier, tracker *tracking.Tracker, opts Options) *Engine {
	eval := expression.New()
	return &Engine{
		definitions: make(map[string]*domain.WorkflowDefinition),
		instances:   make(map[string]*Instance),
		store:       state.NewStore(eval, logger),
		eval:        eval,
		template:    template.NewEngine(eval),
		retries:     recovery.NewRetryManager(logger),
		circuits:    recovery.NewCircuitRegistry(),
		timeouts:    timeout.NewManager(logger),
		tracker:     tracker,
		notifier:    notifier,
		opts:        opts,
		logger:      logger.With().Str("component", "engine").Logger(),
	}
}

// Store exposes the state store for the API layer's read paths.
func (e *Engine) Store() *state.Store { return e.store }

// Tracker exposes error history for the API layer.
func (e *Engine) Tracker() *tracking.Tracker { return e.tracker }

// Timeouts exposes the deadline manager for the sweeper.
func (e *Engine) Timeouts() *timeout.Manager { return e.timeouts }

// Register validates and stores a workflow definition, including the
// computed-field cycle check.
func (e *Engine) Register(def *domain.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	// Cycle validation happens at load, not first start.
	if err := state.ValidateComputed(def.Computed); err != nil {
		return err
	}
	e.mu.Lock()
	e.definitions[def.Name] = def
	e.mu.Unlock()
	e.logger.Info().Str("workflow", def.Name).Msg("definition registered")
	return nil
}

// StartResult is the response to workflow.start.
type StartResult struct {
	WorkflowID string          `json:"workflow_id"`
	Status     string          `json:"status"`
	State      *state.Snapshot `json:"state"`
	TotalSteps int             `json:"total_steps"`
}

// Start creates a workflow instance from a registered definition.
func (e *Engine) Start(name string, inputs map[string]any) (*StartResult, error) {
	e.mu.RLock()
	def, ok := e.definitions[name]
	e.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound,
			fmt.Sprintf("workflow definition %s not registered", name), nil)
	}

	if err := validation.ValidateInputs(def.Inputs, inputs); err != nil {
		return nil, err
	}

	id := "wf_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	snap, err := e.store.Initialise(id, def, inputs)
	if err != nil {
		return nil, err
	}

	in := newInstance(id, def)
	e.mu.Lock()
	e.instances[id] = in
	e.mu.Unlock()

	if e.opts.WorkflowTimeout > 0 {
		e.timeouts.TrackWorkflow(id, e.opts.WorkflowTimeout, e.cancelActiveTasksCleanup(in))
	}

	e.safeNotify(ExecutionEvent{Type: EventWorkflowStarted, WorkflowID: id, Status: string(in.Status)})
	e.logger.Info().Str("workflow_id", id).Str("workflow", name).Msg("workflow started")

	return &StartResult{
		WorkflowID: id,
		Status:     string(in.Status),
		State:      snap,
		TotalSteps: in.TotalSteps,
	}, nil
}

// StatusResult is the response to workflow.status.
type StatusResult struct {
	WorkflowID string          `json:"workflow_id"`
	Status     string          `json:"status"`
	State      *state.Snapshot `json:"state"`
	Progress   map[string]any  `json:"progress"`
	Error      map[string]any  `json:"error,omitempty"`
	Tasks      []map[string]any `json:"tasks,omitempty"`
}

// Status reports a workflow's current status, state and progress.
func (e *Engine) Status(id string) (*StatusResult, error) {
	in, err := e.instance(id)
	if err != nil {
		return nil, err
	}

	snap, err := e.store.Read(id)
	if err != nil {
		snap = &state.Snapshot{}
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	result := &StatusResult{
		WorkflowID: id,
		Status:     string(in.Status),
		State:      snap,
		Progress:   in.progress(),
	}
	if in.Err != nil {
		result.Error = errorEnvelope(in.Err)
	}
	if in.active != nil {
		for _, taskID := range in.active.order {
			t := in.active.tasks[taskID]
			result.Tasks = append(result.Tasks, map[string]any{
				"task_id": t.id,
				"status":  string(t.status),
				"index":   t.index,
			})
		}
	}
	return result, nil
}

// WorkflowSummary is one entry of workflow.list.
type WorkflowSummary struct {
	WorkflowID string         `json:"workflow_id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Progress   map[string]any `json:"progress"`
}

// List returns summaries of all known workflows.
func (e *Engine) List() []WorkflowSummary {
	e.mu.RLock()
	instances := make([]*Instance, 0, len(e.instances))
	for _, in := range e.instances {
		instances = append(instances, in)
	}
	e.mu.RUnlock()

	out := make([]WorkflowSummary, 0, len(instances))
	for _, in := range instances {
		in.mu.Lock()
		out = append(out, WorkflowSummary{
			WorkflowID: in.ID,
			Name:       in.Definition.Name,
			Status:     string(in.Status),
			Progress:   in.progress(),
		})
		in.mu.Unlock()
	}
	return out
}

// Sweep fires due retries, expires deadlines, and deletes idle or finished
// workflows past the TTL. Called periodically by the scheduler.
func (e *Engine) Sweep() {
	now := time.Now()

	// Timeouts inject TIMEOUT errors through the error layer: a workflow
	// deadline is terminal, a step deadline funnels through the step's own
	// handler, and deadlines cancelled by a parent's cascade transition
	// their steps to CANCELLED.
	for _, exp := range e.timeouts.Expired(now) {
		in, err := e.instance(exp.WorkflowID)
		if err != nil {
			continue
		}
		in.mu.Lock()
		if in.Status.Terminal() {
			in.mu.Unlock()
			continue
		}
		if exp.Cancelled {
			e.cancelCascadedStepLocked(in, exp.StepID)
			in.mu.Unlock()
			continue
		}
		timeoutErr := domain.NewDomainError(domain.ErrCodeTimeout,
			fmt.Sprintf("%s deadline exceeded", exp.Kind), nil)
		switch {
		case exp.Kind == timeout.KindWorkflow:
			e.recordError(in, "", "", timeoutErr, domain.SeverityHigh, "fail")
			in.fail(timeoutErr)
			e.finalise(in)
		default:
			pending, task := e.findPendingLocked(in, exp.StepID)
			switch {
			case task != nil:
				delete(task.pending, exp.StepID)
				e.failTaskLocked(in, task, exp.StepID, timeoutErr)
			case pending != nil:
				delete(in.pending, exp.StepID)
				_, _ = e.handleStepErrorLocked(in, pending.step, "", timeoutErr)
			default:
				e.recordError(in, exp.StepID, "", timeoutErr, domain.SeverityHigh, "fail")
				in.fail(timeoutErr)
				e.finalise(in)
			}
		}
		in.mu.Unlock()
	}

	// Retry due-times only need the heap drained; the next get_next_step
	// call executes the re-dispatch.
	e.retries.PopDue(now)

	if e.opts.InactivityTTL <= 0 {
		return
	}
	cutoff := now.Add(-e.opts.InactivityTTL)
	e.mu.Lock()
	for id, in := range e.instances {
		in.mu.Lock()
		idle := in.touched.Before(cutoff)
		terminal := in.Status.Terminal()
		in.mu.Unlock()
		if idle && terminal {
			delete(e.instances, id)
			e.store.Delete(id)
			e.tracker.History.DropWorkflow(id)
		} else if idle {
			delete(e.instances, id)
			e.store.Delete(id)
			e.retries.PurgeWorkflow(id)
			e.circuits.PurgeWorkflow(id)
			e.timeouts.PurgeWorkflow(id)
			e.logger.Info().Str("workflow_id", id).Msg("workflow expired by inactivity")
		}
	}
	e.mu.Unlock()
}

func (e *Engine) instance(id string) (*Instance, error) {
	e.mu.RLock()
	in, ok := e.instances[id]
	e.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound,
			fmt.Sprintf("workflow %s not found", id), nil)
	}
	return in, nil
}

// finalise purges auxiliary state once an instance reaches terminal status;
// callers hold the instance lock.
func (e *Engine) finalise(in *Instance) {
	e.retries.PurgeWorkflow(in.ID)
	e.circuits.PurgeWorkflow(in.ID)
	e.timeouts.PurgeWorkflow(in.ID)

	event := ExecutionEvent{WorkflowID: in.ID, Status: string(in.Status)}
	if in.Status == domain.WorkflowStatusCompleted {
		event.Type = EventWorkflowCompleted
	} else {
		event.Type = EventWorkflowFailed
		if in.Err != nil {
			event.Error = in.Err.Error()
		}
	}
	e.safeNotify(event)
}

// errorEnvelope renders a terminal error as the wire payload.
func errorEnvelope(err error) map[string]any {
	out := map[string]any{
		"code":    domain.CodeOf(err),
		"message": err.Error(),
	}
	var de *domain.DomainError
	if ok := asDomainError(err, &de); ok && len(de.Data) > 0 {
		out["data"] = de.Data
	}
	return out
}
