// Package state implements the three-tier reactive store: immutable inputs,
// writable state, and declaratively computed fields kept consistent inside
// every update transaction.
package state

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/smilemakc/stepflow/internal/application/expression"
	"github.com/smilemakc/stepflow/internal/domain"
)

// Operation names accepted by Update.
const (
	OpSet       = "set"
	OpIncrement = "increment"
	OpAppend    = "append"
)

// Snapshot is a fully consistent copy of one workflow's tiers. Mutating a
// snapshot never affects the store.
type Snapshot struct {
	Inputs   map[string]any `json:"inputs"`
	State    map[string]any `json:"state"`
	Computed map[string]any `json:"computed"`
}

// Flattened returns the template-expansion view: computed overrides state
// overrides inputs on name collision.
func (s *Snapshot) Flattened() map[string]any {
	out := make(map[string]any, len(s.Inputs)+len(s.State)+len(s.Computed))
	for k, v := range s.Inputs {
		out[k] = v
	}
	for k, v := range s.State {
		out[k] = v
	}
	for k, v := range s.Computed {
		out[k] = v
	}
	return out
}

// workflowState is the store's private record for one workflow. All access
// is serialised by mu: concurrent readers, single writer.
type workflowState struct {
	mu       sync.RWMutex
	inputs   map[string]any
	state    map[string]any
	computed map[string]any
	graph    *computedGraph
}

// Store owns every workflow's tiers. Different workflows proceed
// independently; operations on one workflow serialise on its own lock.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*workflowState
	eval      *expression.Evaluator
	logger    zerolog.Logger
}

// NewStore creates an empty store.
func NewStore(eval *expression.Evaluator, logger zerolog.Logger) *Store {
	return &Store{
		workflows: make(map[string]*workflowState),
		eval:      eval,
		logger:    logger.With().Str("component", "state_store").Logger(),
	}
}

// Initialise seeds a workflow's tiers: inputs merged over declared defaults,
// state from default_state, computed fully evaluated. The computed graph is
// validated here; a cycle is fatal.
func (s *Store) Initialise(id string, def *domain.WorkflowDefinition, inputs map[string]any) (*Snapshot, error) {
	graph, err := buildComputedGraph(def.Computed)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	for name, decl := range def.Inputs {
		if decl.Default != nil {
			merged[name] = deepCopy(decl.Default)
		}
	}
	for name, value := range inputs {
		merged[name] = deepCopy(value)
	}
	for name, decl := range def.Inputs {
		if decl.Required {
			if _, ok := merged[name]; !ok {
				return nil, domain.NewDomainError(domain.ErrCodeInvalidInput,
					fmt.Sprintf("required input %s is missing", name), nil)
			}
		}
	}

	ws := &workflowState{
		inputs:   merged,
		state:    deepCopyMap(def.DefaultState),
		computed: make(map[string]any),
		graph:    graph,
	}
	if err := graph.evaluate(s.eval, nil, ws.inputs, ws.state, ws.computed); err != nil {
		// Absence is a legal computed value; the error is recorded, not fatal.
		s.logger.Warn().Str("workflow_id", id).Err(err).Msg("computed field seeding failed")
	}

	s.mu.Lock()
	s.workflows[id] = ws
	s.mu.Unlock()

	return ws.snapshot(), nil
}

// Read returns a consistent snapshot of a workflow's tiers.
func (s *Store) Read(id string) (*Snapshot, error) {
	ws, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.snapshot(), nil
}

// Update applies all operations atomically, re-evaluates every computed
// field whose transitive sources intersect the written paths, and publishes
// the new snapshot. Readers observe either the pre-state or the fully
// consistent post-state, never an intermediate.
func (s *Store) Update(id string, ops []domain.UpdateOp) (*Snapshot, error) {
	ws, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	// Stage on a copy so a failing operation leaves the published tiers
	// untouched.
	staged := deepCopyMap(ws.state)
	written := make([]string, 0, len(ops))
	for _, op := range ops {
		path, err := normalisePath(op.Path)
		if err != nil {
			return nil, err
		}
		switch op.Operation {
		case OpSet, "":
			err = setPath(staged, path, deepCopy(op.Value))
		case OpIncrement:
			err = incrementPath(staged, path, op.Value)
		case OpAppend:
			err = appendPath(staged, path, deepCopy(op.Value))
		default:
			err = domain.NewDomainError(domain.ErrCodeValidationFailed,
				fmt.Sprintf("unknown operation %q for path %s", op.Operation, op.Path), nil)
		}
		if err != nil {
			return nil, err
		}
		written = append(written, "state."+path)
	}

	computed := deepCopyMap(ws.computed)
	impacted := ws.graph.impacted(written)
	if len(impacted) > 0 {
		if err := ws.graph.evaluate(s.eval, impacted, ws.inputs, staged, computed); err != nil {
			s.logger.Warn().Str("workflow_id", id).Err(err).Msg("computed field re-evaluation failed")
		}
	}

	ws.state = staged
	ws.computed = computed
	return ws.snapshot(), nil
}

// Delete drops a workflow's state.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.workflows, id)
	s.mu.Unlock()
}

// FlattenedView returns the deterministic template-expansion map for a
// workflow's current snapshot.
func (s *Store) FlattenedView(id string) (map[string]any, error) {
	snap, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	return snap.Flattened(), nil
}

func (s *Store) lookup(id string) (*workflowState, error) {
	s.mu.RLock()
	ws, ok := s.workflows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound,
			fmt.Sprintf("workflow %s has no state", id), nil)
	}
	return ws, nil
}

// snapshot copies the tiers; callers must hold at least a read lock.
func (ws *workflowState) snapshot() *Snapshot {
	return &Snapshot{
		Inputs:   deepCopyMap(ws.inputs),
		State:    deepCopyMap(ws.state),
		Computed: deepCopyMap(ws.computed),
	}
}

// normalisePath strips the optional state. prefix and rejects writes into
// the read-only tiers.
func normalisePath(path string) (string, error) {
	if path == "" {
		return "", domain.NewDomainError(domain.ErrCodeInvalidPath, "empty update path", nil)
	}
	if strings.HasPrefix(path, "inputs.") || path == "inputs" {
		return "", domain.NewDomainError(domain.ErrCodeInvalidPath,
			fmt.Sprintf("path %s targets the immutable inputs tier", path), nil)
	}
	if strings.HasPrefix(path, "computed.") || path == "computed" {
		return "", domain.NewDomainError(domain.ErrCodeInvalidPath,
			fmt.Sprintf("path %s targets the derived computed tier", path), nil)
	}
	return strings.TrimPrefix(path, "state."), nil
}
