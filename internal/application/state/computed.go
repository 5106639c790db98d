package state

import (
	"fmt"
	"strings"

	"github.com/smilemakc/stepflow/internal/domain"
	"github.com/smilemakc/stepflow/internal/application/expression"
)

// computedGraph is the dependency DAG built from the definition's computed
// field declarations. Evaluation order is fixed at build time by a
// topological sort; writes map to impacted fields via the reverse index.
type computedGraph struct {
	fields map[string]*domain.ComputedDef
	order  []string            // topological evaluation order
	index  map[string][]string // source path -> dependent computed fields
}

// ValidateComputed builds the dependency graph for load-time validation; a
// cycle or dangling reference fails registration.
func ValidateComputed(fields map[string]*domain.ComputedDef) error {
	_, err := buildComputedGraph(fields)
	return err
}

// buildComputedGraph validates the declarations and returns the DAG. A cycle
// is a fatal load error.
func buildComputedGraph(fields map[string]*domain.ComputedDef) (*computedGraph, error) {
	g := &computedGraph{
		fields: fields,
		index:  make(map[string][]string),
	}
	if len(fields) == 0 {
		return g, nil
	}

	// Edges between computed fields: field -> fields it feeds.
	dependents := make(map[string][]string)
	indegree := make(map[string]int)
	for name := range fields {
		indegree[name] = 0
	}
	for name, def := range fields {
		for _, src := range def.From {
			g.index[src] = append(g.index[src], name)
			if dep, ok := strings.CutPrefix(src, "computed."); ok {
				if _, exists := fields[dep]; !exists {
					return nil, domain.NewDomainError(domain.ErrCodeInvalidInput,
						fmt.Sprintf("computed field %s references unknown computed field %s", name, dep), nil)
				}
				dependents[dep] = append(dependents[dep], name)
				indegree[name]++
			}
		}
	}

	// Kahn's algorithm; deterministic enough since remaining cycle is fatal.
	queue := make([]string, 0, len(fields))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		g.order = append(g.order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(g.order) != len(fields) {
		return nil, domain.NewDomainError(domain.ErrCodeCyclicDependency,
			"computed field dependency graph contains a cycle", nil)
	}
	return g, nil
}

// impacted returns the transitive set of computed fields whose sources
// intersect any of the written paths.
func (g *computedGraph) impacted(writtenPaths []string) map[string]bool {
	out := make(map[string]bool)
	var mark func(path string)
	mark = func(path string) {
		for src, names := range g.index {
			if !pathsIntersect(src, path) {
				continue
			}
			for _, name := range names {
				if !out[name] {
					out[name] = true
					mark("computed." + name)
				}
			}
		}
	}
	for _, p := range writtenPaths {
		mark(p)
	}
	return out
}

// evaluate re-computes the impacted fields in dependency order against the
// given tiers, mutating the computed tier in place. A transform failure sets
// the field to the absence sentinel and reports COMPUTED_FIELD_ERROR.
func (g *computedGraph) evaluate(
	eval *expression.Evaluator,
	impacted map[string]bool,
	inputs, state, computed map[string]any,
) error {
	var firstErr error
	for _, name := range g.order {
		if impacted != nil && !impacted[name] {
			continue
		}
		def := g.fields[name]
		value, err := evalTransform(eval, def, inputs, state, computed)
		if err != nil {
			computed[name] = Undefined
			if firstErr == nil {
				firstErr = domain.NewDomainError(domain.ErrCodeComputedField,
					fmt.Sprintf("computed field %s", name), err)
			}
			continue
		}
		computed[name] = value
	}
	return firstErr
}

func evalTransform(
	eval *expression.Evaluator,
	def *domain.ComputedDef,
	inputs, state, computed map[string]any,
) (any, error) {
	resolve := func(src string) any {
		switch {
		case strings.HasPrefix(src, "inputs."):
			return exportValue(getPath(inputs, strings.TrimPrefix(src, "inputs.")))
		case strings.HasPrefix(src, "computed."):
			return exportValue(getPath(computed, strings.TrimPrefix(src, "computed.")))
		case strings.HasPrefix(src, "state."):
			return exportValue(getPath(state, strings.TrimPrefix(src, "state.")))
		default:
			return exportValue(getPath(state, src))
		}
	}

	var input any
	if len(def.From) == 1 {
		input = resolve(def.From[0])
	} else {
		values := make([]any, len(def.From))
		for i, src := range def.From {
			values[i] = resolve(src)
		}
		input = values
	}

	return eval.Evaluate(def.Transform, map[string]any{"input": input})
}

// exportValue maps the absence sentinel to nil for expression environments
// and wire payloads.
func exportValue(v any) any {
	if IsUndefined(v) {
		return nil
	}
	return v
}
