package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/stepflow/internal/application/tracking"
	"github.com/smilemakc/stepflow/internal/domain"
)

func newTestEngine() *Engine {
	tracker := tracking.NewTracker(100, 1000, zerolog.Nop())
	return New(zerolog.Nop(), nil, tracker, Options{})
}

func mustStart(t *testing.T, e *Engine, def *domain.WorkflowDefinition, inputs map[string]any) string {
	t.Helper()
	require.NoError(t, e.Register(def))
	result, err := e.Start(def.Name, inputs)
	require.NoError(t, err)
	return result.WorkflowID
}

func TestSimpleSequentialScenario(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name:         "simple",
		Inputs:       map[string]*domain.InputDef{"name": {Type: "string", Required: true}},
		DefaultState: map[string]any{"counter": 0},
		Computed: map[string]*domain.ComputedDef{
			"doubled": {From: []string{"state.counter"}, Transform: "input * 2"},
		},
		Steps: []*domain.Step{
			{ID: "set", Type: domain.StepStateUpdate, Updates: []domain.UpdateOp{
				{Path: "state.counter", Value: 5, Operation: "set"},
			}},
			{ID: "msg", Type: domain.StepUserMessage, Message: "c={{state.counter}} d={{computed.doubled}}"},
			{ID: "sh", Type: domain.StepShellCommand, Command: "echo Hi", StateUpdate: []domain.UpdateOp{
				{Path: "state.message", Value: "{{result.stdout}}", Operation: "set"},
			}},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, map[string]any{"name": "T"})

	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	require.NotNil(t, batch)

	require.Len(t, batch.ServerCompletedSteps, 1)
	assert.Equal(t, "set", batch.ServerCompletedSteps[0].ID)

	require.Len(t, batch.Steps, 2)
	assert.Equal(t, "msg", batch.Steps[0].ID)
	assert.Equal(t, "c=5 d=10", batch.Steps[0].Definition["message"])
	assert.Equal(t, "sh", batch.Steps[1].ID)
	assert.Equal(t, "echo Hi", batch.Steps[1].Definition["command"])

	applied, err := e.SubmitStepResult(id, "sh", map[string]any{"stdout": "Hi\n"})
	require.NoError(t, err)
	assert.True(t, applied)

	batch, err = e.GetNextStep(id)
	require.NoError(t, err)
	assert.Nil(t, batch)

	status, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, "Hi\n", status.State.State["message"])
}

func TestConditionalWithBreakScenario(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name:         "loop-break",
		DefaultState: map[string]any{"counter": 0},
		Steps: []*domain.Step{
			{
				ID: "loop", Type: domain.StepWhileLoop,
				Condition:     "state.counter < 10",
				MaxIterations: 50,
				Body: []*domain.Step{
					{ID: "inc", Type: domain.StepStateUpdate, Updates: []domain.UpdateOp{
						{Path: "state.counter", Operation: "increment"},
					}},
					{
						ID: "check", Type: domain.StepConditional,
						Condition: "state.counter == 3",
						ThenSteps: []*domain.Step{{ID: "stop", Type: domain.StepBreak}},
					},
				},
			},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	assert.Nil(t, batch)

	status, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, 3, status.State.State["counter"])
}

func TestWhileLoopMaxIterationsExceeded(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name:         "runaway",
		DefaultState: map[string]any{"counter": 0},
		Steps: []*domain.Step{
			{
				ID: "loop", Type: domain.StepWhileLoop,
				Condition:     "true",
				MaxIterations: 5,
				Body: []*domain.Step{
					{ID: "inc", Type: domain.StepStateUpdate, Updates: []domain.UpdateOp{
						{Path: "state.counter", Operation: "increment"},
					}},
				},
			},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	_, err := e.GetNextStep(id)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeMaxIterations))

	status, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "failed", status.Status)
	assert.Equal(t, 5, status.State.State["counter"])

	// Subsequent calls keep returning the terminal error.
	_, err = e.GetNextStep(id)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeMaxIterations))
}

func TestForeachBindsLoopContext(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name:         "each",
		DefaultState: map[string]any{"files": []any{"a.txt", "b.txt", "c.txt"}},
		Steps: []*domain.Step{
			{
				ID: "each", Type: domain.StepForeach,
				Items: "state.files",
				Body: []*domain.Step{
					{ID: "say", Type: domain.StepUserMessage, Message: "{{loop.index}}/{{loop.total}}: {{loop.item}}"},
				},
			},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Steps, 3)
	assert.Equal(t, "0/3: a.txt", batch.Steps[0].Definition["message"])
	assert.Equal(t, "1/3: b.txt", batch.Steps[1].Definition["message"])
	assert.Equal(t, "2/3: c.txt", batch.Steps[2].Definition["message"])

	status, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", status.Status)
}

func TestForeachEmptySequence(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name:         "each-empty",
		DefaultState: map[string]any{"files": []any{}},
		Steps: []*domain.Step{
			{
				ID: "each", Type: domain.StepForeach,
				Items: "state.files",
				Body:  []*domain.Step{{ID: "say", Type: domain.StepUserMessage, Message: "never"}},
			},
			{ID: "done", Type: domain.StepUserMessage, Message: "done"},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Steps, 1)
	assert.Equal(t, "done", batch.Steps[0].Definition["message"])
}

func TestForeachNonIterableFails(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name:         "each-bad",
		DefaultState: map[string]any{"files": 42},
		Steps: []*domain.Step{
			{
				ID: "each", Type: domain.StepForeach,
				Items: "state.files",
				Body:  []*domain.Step{{ID: "say", Type: domain.StepUserMessage, Message: "never"}},
			},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	_, err := e.GetNextStep(id)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeNonIterable))
}

func TestBreakOutsideLoopIsRuntimeError(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name:  "stray-break",
		Steps: []*domain.Step{{ID: "b", Type: domain.StepBreak}},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	_, err := e.GetNextStep(id)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeBreakOutsideLoop))
}

func TestContinueSkipsRestOfIteration(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name:         "skip-odd",
		DefaultState: map[string]any{"evens": []any{}},
		Steps: []*domain.Step{
			{
				ID: "each", Type: domain.StepForeach,
				Items: "[1, 2, 3, 4]",
				Body: []*domain.Step{
					{
						ID: "odd", Type: domain.StepConditional,
						Condition: "loop.item % 2 == 1",
						ThenSteps: []*domain.Step{{ID: "next", Type: domain.StepContinue}},
					},
					{ID: "keep", Type: domain.StepStateUpdate, Updates: []domain.UpdateOp{
						{Path: "state.evens", Value: "{{loop.item}}", Operation: "append"},
					}},
				},
			},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	_, err := e.GetNextStep(id)
	require.NoError(t, err)

	status, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, []any{2, 4}, status.State.State["evens"])
}

func TestUserInputClosesBatch(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name: "ask",
		Steps: []*domain.Step{
			{ID: "hello", Type: domain.StepUserMessage, Message: "hello"},
			{ID: "ask", Type: domain.StepUserInput, Prompt: "your name?", Validator: map[string]any{"type": "string"}},
			{ID: "bye", Type: domain.StepUserMessage, Message: "bye"},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 2)
	assert.Equal(t, "ask", batch.Steps[1].ID)

	applied, err := e.SubmitStepResult(id, "ask", map[string]any{"value": "T"})
	require.NoError(t, err)
	assert.True(t, applied)

	batch, err = e.GetNextStep(id)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)
	assert.Equal(t, "bye", batch.Steps[0].ID)
}

func TestUserInputValidationFailure(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name: "ask-num",
		Steps: []*domain.Step{
			{ID: "ask", Type: domain.StepUserInput, Prompt: "age?", Validator: map[string]any{"type": "number"}},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	_, err := e.GetNextStep(id)
	require.NoError(t, err)

	_, err = e.SubmitStepResult(id, "ask", map[string]any{"value": "not a number"})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeValidationFailed))
}

func TestContinueStrategySkipsFailedStep(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name: "tolerant",
		Steps: []*domain.Step{
			{
				ID: "bad", Type: domain.StepStateUpdate,
				Updates: []domain.UpdateOp{{Path: "inputs.locked", Value: 1, Operation: "set"}},
				OnError: &domain.ErrorHandlerDef{Strategy: "continue"},
			},
			{ID: "msg", Type: domain.StepUserMessage, Message: "still here"},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)
	assert.Equal(t, "msg", batch.Steps[0].ID)

	errs := e.Tracker().History.WorkflowErrors(id)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.ErrCodeInvalidPath, errs[0].ErrorType)
}

func TestFallbackStrategyInjectsValue(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name: "fallback",
		Steps: []*domain.Step{
			{
				ID: "sh", Type: domain.StepShellCommand, Command: "flaky",
				StateUpdate: []domain.UpdateOp{{Path: "state.out", Value: "{{result.stdout}}", Operation: "set"}},
				OnError:     &domain.ErrorHandlerDef{Strategy: "fallback", FallbackValue: map[string]any{"stdout": "default"}},
			},
			{ID: "msg", Type: domain.StepUserMessage, Message: "out={{state.out}}"},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	_, err := e.GetNextStep(id)
	require.NoError(t, err)

	applied, err := e.SubmitStepResult(id, "sh", map[string]any{"error": "command failed"})
	require.NoError(t, err)
	assert.True(t, applied)

	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)
	assert.Equal(t, "out=default", batch.Steps[0].Definition["message"])
}

func TestRetryWithBackoffThenSuccess(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name: "retry",
		Steps: []*domain.Step{
			{
				ID: "sh", Type: domain.StepShellCommand, Command: "flaky",
				StateUpdate: []domain.UpdateOp{{Path: "state.out", Value: "{{result.stdout}}", Operation: "set"}},
				OnError: &domain.ErrorHandlerDef{
					Strategy:          "retry",
					RetryCount:        2,
					RetryDelayMs:      100,
					BackoffMultiplier: 2,
					JitterDisabled:    true,
				},
			},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)

	// First failure schedules a 100ms backoff.
	_, err = e.SubmitStepResult(id, "sh", map[string]any{"error": "boom"})
	require.NoError(t, err)

	// Not due yet: the call suspends with an empty batch.
	batch, err = e.GetNextStep(id)
	require.NoError(t, err)
	assert.Empty(t, batch.Steps)

	time.Sleep(150 * time.Millisecond)
	batch, err = e.GetNextStep(id)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)
	assert.Equal(t, "sh", batch.Steps[0].ID)

	// Success clears retry state and the workflow finishes.
	_, err = e.SubmitStepResult(id, "sh", map[string]any{"stdout": "ok"})
	require.NoError(t, err)

	batch, err = e.GetNextStep(id)
	require.NoError(t, err)
	assert.Nil(t, batch)

	status, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, "ok", status.State.State["out"])
}

func TestRetryExhaustionFailsWorkflow(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name: "retry-exhaust",
		Steps: []*domain.Step{
			{
				ID: "sh", Type: domain.StepShellCommand, Command: "flaky",
				OnError: &domain.ErrorHandlerDef{
					Strategy:       "retry",
					RetryCount:     1,
					RetryDelayMs:   100,
					JitterDisabled: true,
				},
			},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	_, err := e.GetNextStep(id)
	require.NoError(t, err)

	_, err = e.SubmitStepResult(id, "sh", map[string]any{"error": "boom"})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	_, err = e.GetNextStep(id)
	require.NoError(t, err)

	// Second failure exhausts the single retry.
	_, err = e.SubmitStepResult(id, "sh", map[string]any{"error": "boom"})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeRetryExhausted))

	status, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "failed", status.Status)
}

func TestCircuitBreakerScenario(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name: "breaker",
		Steps: []*domain.Step{
			{
				ID: "call", Type: domain.StepMCPCall, Tool: "deploy",
				OnError: &domain.ErrorHandlerDef{
					Strategy:         "circuit_breaker",
					FailureThreshold: 2,
					CircuitTimeoutMs: 200,
				},
			},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	// Two consecutive failures open the circuit.
	for i := 0; i < 2; i++ {
		batch, err := e.GetNextStep(id)
		require.NoError(t, err)
		require.Len(t, batch.Steps, 1)
		_, err = e.SubmitStepResult(id, "call", map[string]any{"error": "down"})
		require.NoError(t, err)
	}

	// Third dispatch is refused without execution; the workflow survives.
	_, err := e.GetNextStep(id)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeCircuitOpen))

	status, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "running", status.Status)

	// After the timeout the half-open trial goes through and closes.
	time.Sleep(250 * time.Millisecond)
	batch, err := e.GetNextStep(id)
	require.NoError(t, err)
	require.Len(t, batch.Steps, 1)

	_, err = e.SubmitStepResult(id, "call", map[string]any{"output": "ok"})
	require.NoError(t, err)

	batch, err = e.GetNextStep(id)
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestStartValidatesInputs(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name:   "typed",
		Inputs: map[string]*domain.InputDef{"count": {Type: "number"}},
		Steps:  []*domain.Step{{ID: "m", Type: domain.StepUserMessage, Message: "x"}},
	}

	e := newTestEngine()
	require.NoError(t, e.Register(def))

	_, err := e.Start("typed", map[string]any{"count": "three"})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeInvalidInput))

	_, err = e.Start("typed", map[string]any{"undeclared": 1})
	require.Error(t, err)

	_, err = e.Start("missing-def", nil)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeNotFound))
}

func TestListAndProgress(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name: "listed",
		Steps: []*domain.Step{
			{ID: "a", Type: domain.StepUserMessage, Message: "a"},
			{ID: "b", Type: domain.StepUserMessage, Message: "b"},
		},
	}

	e := newTestEngine()
	id := mustStart(t, e, def, nil)

	list := e.List()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].WorkflowID)
	assert.Equal(t, "listed", list[0].Name)
	assert.Equal(t, 2, list[0].Progress["total_steps"])
}

func TestRegisterRejectsComputedCycle(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name: "cyclic",
		Computed: map[string]*domain.ComputedDef{
			"a": {From: []string{"computed.b"}, Transform: "input"},
			"b": {From: []string{"computed.a"}, Transform: "input"},
		},
		Steps: []*domain.Step{{ID: "m", Type: domain.StepUserMessage, Message: "x"}},
	}

	e := newTestEngine()
	err := e.Register(def)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeCyclicDependency))
}
