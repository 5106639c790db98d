// Package tracking keeps bounded error history with summaries, pattern
// detection and export.
package tracking

import (
	"sync"
	"time"

	"github.com/smilemakc/stepflow/internal/domain"
)

// ring is a fixed-capacity FIFO of error records.
type ring struct {
	records []domain.ErrorRecord
	cap     int
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity}
}

func (r *ring) add(rec domain.ErrorRecord) {
	r.records = append(r.records, rec)
	if len(r.records) > r.cap {
		r.records = r.records[len(r.records)-r.cap:]
	}
}

func (r *ring) list() []domain.ErrorRecord {
	out := make([]domain.ErrorRecord, len(r.records))
	copy(out, r.records)
	return out
}

// History holds a bounded per-workflow ring plus a bounded global ring.
// Records are copied on insert; nothing retains a live reference.
type History struct {
	mu             sync.RWMutex
	perWorkflow    map[string]*ring
	global         *ring
	perWorkflowCap int
}

// NewHistory creates a history with the given ring capacities.
func NewHistory(perWorkflowCap, globalCap int) *History {
	if perWorkflowCap <= 0 {
		perWorkflowCap = 100
	}
	if globalCap <= 0 {
		globalCap = 1000
	}
	return &History{
		perWorkflow:    make(map[string]*ring),
		global:         newRing(globalCap),
		perWorkflowCap: perWorkflowCap,
	}
}

// Add appends a record to the workflow's ring and the global ring.
func (h *History) Add(rec domain.ErrorRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.perWorkflow[rec.WorkflowID]
	if !ok {
		r = newRing(h.perWorkflowCap)
		h.perWorkflow[rec.WorkflowID] = r
	}
	r.add(rec)
	h.global.add(rec)
}

// WorkflowErrors returns the records for one workflow, oldest first.
func (h *History) WorkflowErrors(workflowID string) []domain.ErrorRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.perWorkflow[workflowID]
	if !ok {
		return nil
	}
	return r.list()
}

// RecentErrors returns global records from the last window.
func (h *History) RecentErrors(window time.Duration) []domain.ErrorRecord {
	cutoff := time.Now().Add(-window).UnixMilli()
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []domain.ErrorRecord
	for _, rec := range h.global.records {
		if rec.Timestamp >= cutoff {
			out = append(out, rec)
		}
	}
	return out
}

// ByID finds a global record by error id.
func (h *History) ByID(errorID string) (domain.ErrorRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, rec := range h.global.records {
		if rec.ID == errorID {
			return rec, true
		}
	}
	return domain.ErrorRecord{}, false
}

// MarkRecovered flags a record as recovered in both rings.
func (h *History) MarkRecovered(errorID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	found := false
	for i := range h.global.records {
		if h.global.records[i].ID == errorID {
			h.global.records[i].Recovered = true
			found = true
		}
	}
	for _, r := range h.perWorkflow {
		for i := range r.records {
			if r.records[i].ID == errorID {
				r.records[i].Recovered = true
			}
		}
	}
	return found
}

// StepErrors returns the records for one step of a workflow.
func (h *History) StepErrors(workflowID, stepID string) []domain.ErrorRecord {
	var out []domain.ErrorRecord
	for _, rec := range h.WorkflowErrors(workflowID) {
		if rec.StepID == stepID {
			out = append(out, rec)
		}
	}
	return out
}

// DropWorkflow removes a workflow's ring; global records remain.
func (h *History) DropWorkflow(workflowID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.perWorkflow, workflowID)
}
