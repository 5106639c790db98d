package domain

import "fmt"

// WorkflowDefinition is the declarative document a workflow instance runs.
// Parsing from YAML happens outside the core; definitions arrive registered
// as values.
type WorkflowDefinition struct {
	Name          string                      `json:"name"`
	Description   string                      `json:"description,omitempty"`
	Version       string                      `json:"version,omitempty"`
	Inputs        map[string]*InputDef        `json:"inputs,omitempty"`
	DefaultState  map[string]any              `json:"default_state,omitempty"`
	Computed      map[string]*ComputedDef     `json:"state_schema,omitempty"`
	Steps         []*Step                     `json:"steps"`
	SubAgentTasks map[string]*SubAgentTaskDef `json:"sub_agent_tasks,omitempty"`
}

// InputDef declares a workflow input.
type InputDef struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// ComputedDef declares a derived field: one or more source paths and a pure
// transform expression over `input`.
type ComputedDef struct {
	From      []string `json:"from"`
	Transform string   `json:"transform"`
}

// SubAgentTaskDef is the template a parallel_foreach materialises per item.
type SubAgentTaskDef struct {
	Inputs       map[string]any `json:"inputs,omitempty"`
	DefaultState map[string]any `json:"default_state,omitempty"`
	Steps        []*Step        `json:"steps"`
}

// Validate checks structural soundness of a definition. Computed-field cycle
// detection happens separately at registration, where the dependency graph
// is built.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return NewDomainError(ErrCodeInvalidInput, "workflow name is required", nil)
	}
	if len(d.Steps) == 0 {
		return NewDomainError(ErrCodeInvalidInput, "workflow must declare at least one step", nil)
	}
	seen := make(map[string]bool)
	var walk func(steps []*Step) error
	walk = func(steps []*Step) error {
		for _, s := range steps {
			if err := s.Validate(); err != nil {
				return err
			}
			if seen[s.ID] {
				return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("duplicate step id: %s", s.ID), nil)
			}
			seen[s.ID] = true
			for _, nested := range s.ChildSteps() {
				if err := walk(nested); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(d.Steps); err != nil {
		return err
	}
	for name, c := range d.Computed {
		if c == nil || len(c.From) == 0 {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("computed field %s declares no sources", name), nil)
		}
		if c.Transform == "" {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("computed field %s declares no transform", name), nil)
		}
	}
	for name, t := range d.SubAgentTasks {
		if t == nil || len(t.Steps) == 0 {
			return NewDomainError(ErrCodeInvalidInput, fmt.Sprintf("sub-agent task %s declares no steps", name), nil)
		}
		if err := walk(t.Steps); err != nil {
			return err
		}
	}
	return nil
}
