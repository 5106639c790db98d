// Package template expands {{ … }} references in step definitions against
// the current workflow state.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/smilemakc/stepflow/internal/application/expression"
	"github.com/smilemakc/stepflow/internal/application/state"
)

// templatePattern matches placeholders like {{state.counter}} or
// {{ computed.total > 10 ? "high" : "low" }}.
var templatePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Engine resolves templates in strings and nested structures. Expansion
// itself never fails: an undefined reference or evaluation error resolves to
// the absence sentinel.
type Engine struct {
	eval *expression.Evaluator
}

// NewEngine creates a template engine backed by the shared evaluator.
func NewEngine(eval *expression.Evaluator) *Engine {
	return &Engine{eval: eval}
}

// Context is the variable space templates resolve against: the snapshot's
// tiers plus optional loop and result bindings.
type Context struct {
	Snapshot *state.Snapshot
	Loop     map[string]any
	Result   map[string]any
	Task     map[string]any
}

// Env builds the expression environment: tier-qualified names plus the
// flattened view at top level.
func (c *Context) Env() map[string]any {
	env := map[string]any{}
	if c.Snapshot != nil {
		for k, v := range c.Snapshot.Flattened() {
			env[k] = v
		}
		env["inputs"] = c.Snapshot.Inputs
		env["state"] = c.Snapshot.State
		env["computed"] = c.Snapshot.Computed
	}
	if c.Loop != nil {
		env["loop"] = c.Loop
	}
	if c.Result != nil {
		env["result"] = c.Result
	}
	if c.Task != nil {
		env["task"] = c.Task
	}
	return env
}

// Expand resolves templates in any value: strings are interpolated, maps and
// slices are walked recursively, other types pass through.
func (e *Engine) Expand(value any, ctx *Context) any {
	switch v := value.(type) {
	case string:
		return e.ExpandString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = e.Expand(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = e.Expand(item, ctx)
		}
		return out
	default:
		return v
	}
}

// ExpandString interpolates a template string. A string that is exactly one
// placeholder returns the raw evaluated value so non-string results survive
// expansion; mixed content renders each placeholder as text.
func (e *Engine) ExpandString(template string, ctx *Context) any {
	if !strings.Contains(template, "{{") {
		return template
	}

	matches := templatePattern.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(template) {
		code := strings.TrimSpace(template[matches[0][2]:matches[0][3]])
		return e.evaluate(code, ctx)
	}

	env := ctx.Env()
	return templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		code := strings.TrimSpace(match[2 : len(match)-2])
		value, err := e.eval.Evaluate(code, env)
		if err != nil || value == nil {
			return ""
		}
		return valueToString(value)
	})
}

// Evaluate runs a bare expression (no braces) against the context; used for
// conditions and items expressions where the caller needs the error.
func (e *Engine) Evaluate(code string, ctx *Context) (any, error) {
	return e.eval.Evaluate(code, ctx.Env())
}

// EvaluateBool runs a condition expression with truthiness coercion.
func (e *Engine) EvaluateBool(code string, ctx *Context) (bool, error) {
	return e.eval.EvaluateBool(code, ctx.Env())
}

func (e *Engine) evaluate(code string, ctx *Context) any {
	value, err := e.eval.Evaluate(code, ctx.Env())
	if err != nil || value == nil {
		return state.Undefined
	}
	return value
}

func valueToString(value any) string {
	if state.IsUndefined(value) {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case int, int32, int64:
		return fmt.Sprintf("%d", v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}
