package domain

import "fmt"

// StepType is the closed set of step kinds.
type StepType string

const (
	// Server-internal steps execute in place and never reach the client.
	StepStateUpdate StepType = "state_update"
	StepConditional StepType = "conditional"
	StepWhileLoop   StepType = "while_loop"
	StepForeach     StepType = "foreach"
	StepBreak       StepType = "break"
	StepContinue    StepType = "continue"

	// Client-facing steps are surfaced in a batch.
	StepUserMessage     StepType = "user_message"
	StepShellCommand    StepType = "shell_command"
	StepMCPCall         StepType = "mcp_call"
	StepUserInput       StepType = "user_input"
	StepParallelForeach StepType = "parallel_foreach"
	StepAgentPrompt     StepType = "agent_prompt"
)

// IsServerInternal reports whether the step type executes without a client
// round-trip.
func (t StepType) IsServerInternal() bool {
	switch t {
	case StepStateUpdate, StepConditional, StepWhileLoop, StepForeach, StepBreak, StepContinue:
		return true
	}
	return false
}

// ClosesBatch reports whether a client-facing step terminates the current
// response batch unconditionally.
func (t StepType) ClosesBatch() bool {
	return t == StepUserInput || t == StepParallelForeach
}

// UpdateOp is a single state mutation.
type UpdateOp struct {
	Path      string `json:"path"`
	Value     any    `json:"value,omitempty"`
	Operation string `json:"operation,omitempty"` // set | increment | append
}

// Step is an immutable node of a workflow definition. The Definition payload
// is type-specific; nested constructs carry child step lists.
type Step struct {
	ID   string   `json:"id"`
	Type StepType `json:"type"`

	// state_update
	Updates []UpdateOp `json:"updates,omitempty"`

	// user_message / agent_prompt
	Message string `json:"message,omitempty"`

	// shell_command
	Command string `json:"command,omitempty"`

	// mcp_call
	Tool   string         `json:"tool,omitempty"`
	Params map[string]any `json:"params,omitempty"`

	// shell_command / mcp_call result capture: applied when the client
	// submits the step result, with `result` bound in the expressions.
	StateUpdate []UpdateOp `json:"state_update,omitempty"`

	// user_input
	Prompt    string         `json:"prompt,omitempty"`
	Validator map[string]any `json:"validator,omitempty"`

	// conditional
	Condition string  `json:"condition,omitempty"`
	ThenSteps []*Step `json:"then_steps,omitempty"`
	ElseSteps []*Step `json:"else_steps,omitempty"`

	// while_loop / foreach
	Items         string  `json:"items,omitempty"`
	MaxIterations int     `json:"max_iterations,omitempty"`
	Body          []*Step `json:"body,omitempty"`

	// parallel_foreach
	MaxParallel  int    `json:"max_parallel,omitempty"`
	SubAgentTask string `json:"sub_agent_task,omitempty"`
	FanIn        string `json:"fan_in,omitempty"` // fail_fast | collect_all | best_effort | threshold
	Threshold    float64 `json:"threshold,omitempty"`

	// error handling override for this step
	OnError *ErrorHandlerDef `json:"on_error,omitempty"`

	// timeout in milliseconds, 0 means no step deadline
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// ErrorHandlerDef configures the recovery strategy for a step.
type ErrorHandlerDef struct {
	Strategy              string   `json:"strategy"` // fail | continue | retry | fallback | circuit_breaker
	RetryCount            int      `json:"retry_count,omitempty"`
	RetryDelayMs          int      `json:"retry_delay_ms,omitempty"`
	BackoffMultiplier     float64  `json:"backoff_multiplier,omitempty"`
	MaxDelayMs            int      `json:"max_delay_ms,omitempty"`
	FallbackValue         any      `json:"fallback_value,omitempty"`
	FailureThreshold      int      `json:"failure_threshold,omitempty"`
	CircuitTimeoutMs      int      `json:"circuit_timeout_ms,omitempty"`
	RetryOnErrorTypes     []string `json:"retry_on_error_types,omitempty"`
	SkipRetryOnErrorTypes []string `json:"skip_retry_on_error_types,omitempty"`
	JitterDisabled        bool     `json:"jitter_disabled,omitempty"`
}

// ChildSteps returns the nested step lists of a compound step.
func (s *Step) ChildSteps() [][]*Step {
	var out [][]*Step
	if len(s.ThenSteps) > 0 {
		out = append(out, s.ThenSteps)
	}
	if len(s.ElseSteps) > 0 {
		out = append(out, s.ElseSteps)
	}
	if len(s.Body) > 0 {
		out = append(out, s.Body)
	}
	return out
}

// Validate checks the step's type-specific payload.
func (s *Step) Validate() error {
	if s.ID == "" {
		return NewDomainError(ErrCodeInvalidInput, "step id is required", nil)
	}
	switch s.Type {
	case StepStateUpdate:
		if len(s.Updates) == 0 {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("step %s: state_update requires operations", s.ID), nil)
		}
	case StepConditional:
		if s.Condition == "" {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("step %s: conditional requires a condition", s.ID), nil)
		}
	case StepWhileLoop:
		if s.Condition == "" {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("step %s: while_loop requires a condition", s.ID), nil)
		}
		if s.MaxIterations <= 0 {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("step %s: while_loop requires max_iterations > 0", s.ID), nil)
		}
	case StepForeach:
		if s.Items == "" {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("step %s: foreach requires an items expression", s.ID), nil)
		}
	case StepParallelForeach:
		if s.Items == "" || s.SubAgentTask == "" {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("step %s: parallel_foreach requires items and sub_agent_task", s.ID), nil)
		}
		if s.MaxParallel <= 0 {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("step %s: parallel_foreach requires max_parallel > 0", s.ID), nil)
		}
	case StepUserMessage, StepAgentPrompt:
		if s.Message == "" {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("step %s: message is required", s.ID), nil)
		}
	case StepShellCommand:
		if s.Command == "" {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("step %s: command is required", s.ID), nil)
		}
	case StepMCPCall:
		if s.Tool == "" {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("step %s: tool is required", s.ID), nil)
		}
	case StepUserInput:
		if s.Prompt == "" {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("step %s: prompt is required", s.ID), nil)
		}
	case StepBreak, StepContinue:
	default:
		return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("step %s: unknown type %q", s.ID, s.Type), nil)
	}
	return nil
}
