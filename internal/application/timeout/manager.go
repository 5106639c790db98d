// Package timeout tracks step and workflow deadlines with cascade
// cancellation of descendant deadlines.
package timeout

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind distinguishes what a deadline guards.
type Kind string

const (
	KindStep     Kind = "step"
	KindWorkflow Kind = "workflow"
)

// Expiry describes a deadline handed back by Expired: either fired (its
// time arrived) or cancelled by a parent deadline's cascade. The guarded
// step of a cancelled entry inherits CANCELLED status.
type Expiry struct {
	WorkflowID string
	StepID     string // empty for a workflow deadline
	Kind       Kind
	Deadline   time.Time
	Cancelled  bool
}

// entry is one tracked deadline.
type entry struct {
	workflowID string
	stepID     string
	kind       Kind
	deadline   time.Time
	parent     string // parent deadline key, "" for roots
	cleanup    func()
}

// Manager tracks deadlines and the parent→child cascade graph. It holds no
// timers of its own: the sweeper polls Expired and the executor checks
// deadlines at suspension points.
type Manager struct {
	mu       sync.Mutex
	entries  map[string]*entry
	children map[string][]string
	logger   zerolog.Logger
}

// NewManager creates an empty timeout manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		entries:  make(map[string]*entry),
		children: make(map[string][]string),
		logger:   logger.With().Str("component", "timeout_manager").Logger(),
	}
}

func stepKey(workflowID, stepID string) string { return workflowID + "/" + stepID }

// TrackWorkflow registers a workflow deadline.
func (m *Manager) TrackWorkflow(workflowID string, timeout time.Duration, cleanup func()) {
	if timeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[workflowID] = &entry{
		workflowID: workflowID,
		kind:       KindWorkflow,
		deadline:   time.Now().Add(timeout),
		cleanup:    cleanup,
	}
}

// TrackStep registers a step deadline. parentStepID links the cascade
// graph; when the parent's deadline fires, this one is cancelled.
func (m *Manager) TrackStep(workflowID, stepID, parentStepID string, timeout time.Duration, cleanup func()) {
	if timeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey(workflowID, stepID)
	parent := ""
	if parentStepID != "" {
		parent = stepKey(workflowID, parentStepID)
		m.children[parent] = append(m.children[parent], key)
	}
	m.entries[key] = &entry{
		workflowID: workflowID,
		stepID:     stepID,
		kind:       KindStep,
		deadline:   time.Now().Add(timeout),
		parent:     parent,
		cleanup:    cleanup,
	}
}

// Complete cancels a deadline after the guarded work finished in time.
func (m *Manager) Complete(workflowID, stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workflowID
	if stepID != "" {
		key = stepKey(workflowID, stepID)
	}
	m.removeLocked(key)
}

// Expired pops every deadline at or past now. Firing a deadline cancels all
// descendant deadlines (cascade rule): the descendants never fire, they are
// surfaced with Cancelled set so the caller can transition their steps to
// CANCELLED. Cleanup callbacks run for fired deadlines only, outside the
// manager lock.
func (m *Manager) Expired(now time.Time) []Expiry {
	m.mu.Lock()
	var fired []*entry
	var cascaded []*entry
	for key, e := range m.entries {
		if e.deadline.After(now) {
			continue
		}
		if _, live := m.entries[key]; !live {
			// Removed by an earlier cascade in this same sweep.
			continue
		}
		fired = append(fired, e)
		cascaded = append(cascaded, m.collectDescendantsLocked(key)...)
		m.removeLocked(key)
	}
	m.mu.Unlock()

	out := make([]Expiry, 0, len(fired)+len(cascaded))
	for _, e := range cascaded {
		m.logger.Info().
			Str("workflow_id", e.workflowID).
			Str("step_id", e.stepID).
			Msg("deadline cancelled by parent cascade")
		out = append(out, Expiry{
			WorkflowID: e.workflowID,
			StepID:     e.stepID,
			Kind:       e.kind,
			Deadline:   e.deadline,
			Cancelled:  true,
		})
	}
	for _, e := range fired {
		if e.cleanup != nil {
			e.cleanup()
		}
		m.logger.Warn().
			Str("workflow_id", e.workflowID).
			Str("step_id", e.stepID).
			Str("kind", string(e.kind)).
			Msg("deadline expired")
		out = append(out, Expiry{
			WorkflowID: e.workflowID,
			StepID:     e.stepID,
			Kind:       e.kind,
			Deadline:   e.deadline,
		})
	}
	return out
}

// PurgeWorkflow drops every deadline of a workflow.
func (m *Manager) PurgeWorkflow(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if e.workflowID == workflowID {
			m.removeLocked(key)
		}
	}
}

// collectDescendantsLocked removes a deadline's descendants and returns
// them deepest first.
func (m *Manager) collectDescendantsLocked(key string) []*entry {
	var out []*entry
	children := append([]string(nil), m.children[key]...)
	for _, child := range children {
		e, ok := m.entries[child]
		if !ok {
			continue
		}
		out = append(out, m.collectDescendantsLocked(child)...)
		out = append(out, e)
		m.removeLocked(child)
	}
	return out
}

func (m *Manager) removeLocked(key string) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	delete(m.entries, key)
	delete(m.children, key)
	if e.parent != "" {
		siblings := m.children[e.parent]
		for i, s := range siblings {
			if s == key {
				m.children[e.parent] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
}
