package engine

import (
	"sync"
	"time"

	"github.com/smilemakc/stepflow/internal/application/parallel"
	"github.com/smilemakc/stepflow/internal/domain"
)

// StepRecord is a step as surfaced to the client: templates expanded, plus
// the result payload for server-completed entries.
type StepRecord struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Definition map[string]any `json:"definition"`
	Result     any            `json:"result,omitempty"`
}

// Batch is the response to one get_next_step call.
type Batch struct {
	Steps                []StepRecord `json:"steps"`
	ServerCompletedSteps []StepRecord `json:"server_completed_steps"`
}

// TaskStepResponse is the response to one get_next_sub_agent_step call.
type TaskStepResponse struct {
	Step      *StepRecord `json:"step,omitempty"`
	Cancelled bool        `json:"cancelled,omitempty"`
	Pending   bool        `json:"pending,omitempty"`
}

// pendingStep is a client step awaiting its (optional) submitted result.
type pendingStep struct {
	step   *domain.Step
	taskID string // empty for parent-workflow steps
}

// subAgentTask is one unit of a parallel_foreach fan-out. It owns an
// independent step queue; its state writes land in the parent's tiers.
type subAgentTask struct {
	id      string
	index   int
	item    any
	total   int
	inputs  map[string]any
	status  domain.TaskStatus
	queue   *stepQueue
	pending map[string]*pendingStep
}

// parallelRun tracks one active parallel_foreach fan-out. A failed run is
// kept (resolved) so cancelled tasks stay queryable until the workflow is
// swept; a successful run is dropped when the parent advances.
type parallelRun struct {
	step        *domain.Step
	maxParallel int
	policy      parallel.Policy
	aggregator  *parallel.Aggregator
	tasks       map[string]*subAgentTask
	order       []string
	resolved    bool
}

// running counts tasks currently occupying a concurrency slot.
func (pr *parallelRun) running() int {
	n := 0
	for _, t := range pr.tasks {
		if t.status == domain.TaskStatusRunning {
			n++
		}
	}
	return n
}

// done reports whether every task reached a terminal state.
func (pr *parallelRun) done() bool {
	for _, t := range pr.tasks {
		if !t.status.Terminal() {
			return false
		}
	}
	return true
}

// cancelRemaining marks every non-terminal task cancelled.
func (pr *parallelRun) cancelRemaining() []string {
	var cancelled []string
	for _, id := range pr.order {
		t := pr.tasks[id]
		if !t.status.Terminal() {
			t.status = domain.TaskStatusCancelled
			cancelled = append(cancelled, id)
		}
	}
	return cancelled
}

// Instance is a live workflow execution. All advancement serialises on mu;
// different instances proceed independently.
type Instance struct {
	mu sync.Mutex

	ID         string
	Definition *domain.WorkflowDefinition
	Status     domain.WorkflowStatus
	TotalSteps int
	Err        error

	queue    *stepQueue
	pending  map[string]*pendingStep
	active   *parallelRun
	created  time.Time
	touched  time.Time
	finished time.Time

	completedSteps int
}

func newInstance(id string, def *domain.WorkflowDefinition) *Instance {
	now := time.Now()
	return &Instance{
		ID:         id,
		Definition: def,
		Status:     domain.WorkflowStatusRunning,
		TotalSteps: countSteps(def.Steps),
		queue:      newStepQueue(def.Steps),
		pending:    make(map[string]*pendingStep),
		created:    now,
		touched:    now,
	}
}

// touch refreshes the inactivity clock; callers hold mu.
func (in *Instance) touch() {
	in.touched = time.Now()
}

// fail transitions the instance to failed; callers hold mu.
func (in *Instance) fail(err error) {
	if in.Status.Terminal() {
		return
	}
	in.Status = domain.WorkflowStatusFailed
	in.Err = err
	in.finished = time.Now()
}

// complete transitions the instance to completed; callers hold mu.
func (in *Instance) complete() {
	if in.Status.Terminal() {
		return
	}
	in.Status = domain.WorkflowStatusCompleted
	in.finished = time.Now()
}

// Progress reports completed vs total step counts; callers hold mu.
func (in *Instance) progress() map[string]any {
	return map[string]any{
		"completed_steps": in.completedSteps,
		"total_steps":     in.TotalSteps,
	}
}
