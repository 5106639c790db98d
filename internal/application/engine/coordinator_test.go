package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/stepflow/internal/domain"
)

func parallelDef(fanIn string, maxParallel int) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		Name:         "fanout-" + fanIn,
		DefaultState: map[string]any{"items": []any{"a", "b", "c", "d"}, "results": []any{}},
		Steps: []*domain.Step{
			{
				ID: "fan", Type: domain.StepParallelForeach,
				Items:        "state.items",
				MaxParallel:  maxParallel,
				SubAgentTask: "worker",
				FanIn:        fanIn,
			},
			{ID: "done", Type: domain.StepUserMessage, Message: "all done"},
		},
		SubAgentTasks: map[string]*domain.SubAgentTaskDef{
			"worker": {
				Inputs: map[string]any{"target": "{{loop.item}}"},
				Steps: []*domain.Step{
					{ID: "call", Type: domain.StepMCPCall, Tool: "process", Params: map[string]any{"file": "{{task.inputs.target}}"}, StateUpdate: []domain.UpdateOp{
						{Path: "state.results", Value: "{{result.output}}", Operation: "append"},
					}},
				},
			},
		},
	}
}

func TestParallelForeachMaterialisesTasks(t *testing.T) {
	e := newTestEngine()
	id := mustStart(t, e, parallelDef("fail_fast", 2), nil)

	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)

	def := batch.Steps[0].Definition
	assert.Equal(t, 2, def["max_parallel"])
	tasks := def["tasks"].([]map[string]any)
	require.Len(t, tasks, 4)

	first := tasks[0]
	assert.Equal(t, id+".parallel.0", first["task_id"])
	ctx := first["context"].(map[string]any)
	assert.Equal(t, "a", ctx["item"])
	assert.Equal(t, 0, ctx["index"])
	assert.Equal(t, 4, ctx["total"])
	assert.Equal(t, id, ctx["workflow_id"])
	assert.Equal(t, map[string]any{"target": "a"}, first["inputs"])
}

func TestParallelConcurrencyWindow(t *testing.T) {
	e := newTestEngine()
	id := mustStart(t, e, parallelDef("fail_fast", 2), nil)

	_, err := e.GetNextStep(id)
	require.NoError(t, err)

	t0 := id + ".parallel.0"
	t1 := id + ".parallel.1"
	t2 := id + ".parallel.2"

	resp, err := e.GetNextSubAgentStep(id, t0)
	require.NoError(t, err)
	require.NotNil(t, resp.Step)

	resp, err = e.GetNextSubAgentStep(id, t1)
	require.NoError(t, err)
	require.NotNil(t, resp.Step)

	// Both slots taken: the third task waits.
	resp, err = e.GetNextSubAgentStep(id, t2)
	require.NoError(t, err)
	assert.True(t, resp.Pending)

	// Finishing one task frees a slot.
	_, err = e.SubmitStepResult(id, t0+":call", map[string]any{"output": "done-a"})
	require.NoError(t, err)
	resp, err = e.GetNextSubAgentStep(id, t0)
	require.NoError(t, err)
	assert.Nil(t, resp)

	resp, err = e.GetNextSubAgentStep(id, t2)
	require.NoError(t, err)
	require.NotNil(t, resp.Step)
}

func TestParallelFailFastScenario(t *testing.T) {
	e := newTestEngine()
	id := mustStart(t, e, parallelDef("fail_fast", 2), nil)

	_, err := e.GetNextStep(id)
	require.NoError(t, err)

	t0 := id + ".parallel.0"
	t1 := id + ".parallel.1"
	t2 := id + ".parallel.2"

	resp, err := e.GetNextSubAgentStep(id, t0)
	require.NoError(t, err)
	require.NotNil(t, resp.Step)

	resp, err = e.GetNextSubAgentStep(id, t1)
	require.NoError(t, err)
	require.NotNil(t, resp.Step)
	assert.Equal(t, "b", resp.Step.Definition["params"].(map[string]any)["file"])

	// The task processing "b" reports a failure.
	_, err = e.SubmitStepResult(id, t1+":call", map[string]any{"error": "processing failed"})
	require.NoError(t, err)

	// Remaining tasks are cancelled cooperatively.
	resp, err = e.GetNextSubAgentStep(id, t0)
	require.NoError(t, err)
	assert.True(t, resp.Cancelled)

	resp, err = e.GetNextSubAgentStep(id, t2)
	require.NoError(t, err)
	assert.True(t, resp.Cancelled)

	// The parent fails with the aggregated error.
	_, err = e.GetNextStep(id)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeOperationFailed))

	status, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "failed", status.Status)
}

func TestParallelFullIterationProcessesAllItems(t *testing.T) {
	e := newTestEngine()
	id := mustStart(t, e, parallelDef("collect_all", 1), nil)

	_, err := e.GetNextStep(id)
	require.NoError(t, err)

	// With one slot, tasks run strictly one at a time, all four items.
	for i := 0; i < 4; i++ {
		taskID := fmt.Sprintf("%s.parallel.%d", id, i)
		resp, err := e.GetNextSubAgentStep(id, taskID)
		require.NoError(t, err)
		require.NotNil(t, resp.Step, "task %d", i)

		_, err = e.SubmitStepResult(id, resp.Step.ID, map[string]any{"output": fmt.Sprintf("out-%d", i)})
		require.NoError(t, err)

		resp, err = e.GetNextSubAgentStep(id, taskID)
		require.NoError(t, err)
		assert.Nil(t, resp, "task %d should be terminal", i)
	}

	// Fan-in completed: the parent proceeds past the parallel step.
	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)
	assert.Equal(t, "all done", batch.Steps[0].Definition["message"])

	status, err := e.Status(id)
	require.NoError(t, err)
	results := status.State.State["results"].([]any)
	assert.Len(t, results, 4)
}

func TestParallelSiblingWritesShareParentState(t *testing.T) {
	e := newTestEngine()
	id := mustStart(t, e, parallelDef("best_effort", 2), nil)

	_, err := e.GetNextStep(id)
	require.NoError(t, err)

	t0 := id + ".parallel.0"
	t1 := id + ".parallel.1"

	_, err = e.GetNextSubAgentStep(id, t0)
	require.NoError(t, err)
	_, err = e.SubmitStepResult(id, t0+":call", map[string]any{"output": "from-t0"})
	require.NoError(t, err)

	// The sibling's expansion sees t0's write in the shared state tier.
	resp, err := e.GetNextSubAgentStep(id, t1)
	require.NoError(t, err)
	require.NotNil(t, resp.Step)

	status, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, []any{"from-t0"}, status.State.State["results"])
}

func TestParallelBestEffortContinuesPastFailures(t *testing.T) {
	def := parallelDef("best_effort", 4)
	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	_, err := e.GetNextStep(id)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		taskID := fmt.Sprintf("%s.parallel.%d", id, i)
		resp, err := e.GetNextSubAgentStep(id, taskID)
		require.NoError(t, err)
		require.NotNil(t, resp.Step)

		payload := map[string]any{"output": "ok"}
		if i%2 == 0 {
			payload = map[string]any{"error": "boom"}
		}
		_, err = e.SubmitStepResult(id, resp.Step.ID, payload)
		require.NoError(t, err)
		_, err = e.GetNextSubAgentStep(id, taskID)
		require.NoError(t, err)
	}

	// Two failures are logged but the parent continues.
	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)
	assert.Equal(t, "all done", batch.Steps[0].Definition["message"])
}

func TestParallelEmptyItemsCompletesImmediately(t *testing.T) {
	def := parallelDef("fail_fast", 2)
	def.Name = "fanout-empty"
	def.DefaultState["items"] = []any{}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	batch, err := e.GetNextStep(id)
	require.NoError(t, err)

	require.Len(t, batch.ServerCompletedSteps, 1)
	assert.Equal(t, "fan", batch.ServerCompletedSteps[0].ID)
	require.Len(t, batch.Steps, 1)
	assert.Equal(t, "all done", batch.Steps[0].Definition["message"])
}

func TestParallelThresholdPolicy(t *testing.T) {
	def := parallelDef("threshold", 4)
	def.Steps[0].Threshold = 0.5

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	_, err := e.GetNextStep(id)
	require.NoError(t, err)

	// One failure of four stays under the 0.5 threshold.
	for i := 0; i < 4; i++ {
		taskID := fmt.Sprintf("%s.parallel.%d", id, i)
		resp, err := e.GetNextSubAgentStep(id, taskID)
		require.NoError(t, err)
		require.NotNil(t, resp.Step)

		payload := map[string]any{"output": "ok"}
		if i == 0 {
			payload = map[string]any{"error": "boom"}
		}
		_, err = e.SubmitStepResult(id, resp.Step.ID, payload)
		require.NoError(t, err)
		_, err = e.GetNextSubAgentStep(id, taskID)
		require.NoError(t, err)
	}

	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)
}

func TestParallelBlocksParentUntilFanIn(t *testing.T) {
	e := newTestEngine()
	id := mustStart(t, e, parallelDef("fail_fast", 2), nil)

	_, err := e.GetNextStep(id)
	require.NoError(t, err)

	// Tasks outstanding: the parent reports an empty batch and blocks.
	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	assert.Empty(t, batch.Steps)

	status, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "blocked", status.Status)
}
