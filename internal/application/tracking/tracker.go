package tracking

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smilemakc/stepflow/internal/domain"
)

// patternWindow is how far back pattern detection looks.
const patternWindow = 24 * time.Hour

// patternMinOccurrences is the recurrence count that makes a pattern.
const patternMinOccurrences = 3

// Summary aggregates history counts.
type Summary struct {
	TotalErrors  int            `json:"total_errors"`
	BySeverity   map[string]int `json:"by_severity"`
	ByType       map[string]int `json:"by_type"`
	RecentErrors int            `json:"recent_errors"`
	FirstError   int64          `json:"first_error,omitempty"`
	LastError    int64          `json:"last_error,omitempty"`
}

// Pattern is a recurring (error_type, step_id) pair.
type Pattern struct {
	ErrorType   string `json:"error_type"`
	StepID      string `json:"step_id"`
	Occurrences int    `json:"occurrences"`
	FirstSeen   int64  `json:"first_seen"`
	LastSeen    int64  `json:"last_seen"`
}

// Tracker wraps the history with pattern detection and recovery statistics.
type Tracker struct {
	History *History

	mu            sync.Mutex
	patterns      map[string][]int64 // "type:step" -> timestamps (ms)
	recoveryStats map[string]int
	logger        zerolog.Logger
}

// NewTracker creates a tracker over a fresh history.
func NewTracker(perWorkflowCap, globalCap int, logger zerolog.Logger) *Tracker {
	return &Tracker{
		History:       NewHistory(perWorkflowCap, globalCap),
		patterns:      make(map[string][]int64),
		recoveryStats: make(map[string]int),
		logger:        logger.With().Str("component", "error_tracker").Logger(),
	}
}

// Track records an error and the recovery action applied to it (empty for
// none).
func (t *Tracker) Track(rec domain.ErrorRecord, recoveryAction string) {
	t.History.Add(rec)

	t.mu.Lock()
	key := rec.ErrorType + ":" + rec.StepID
	t.patterns[key] = append(t.patterns[key], rec.Timestamp)
	if recoveryAction != "" {
		t.recoveryStats[recoveryAction]++
	}
	t.mu.Unlock()

	t.logger.Debug().
		Str("error_id", rec.ID).
		Str("workflow_id", rec.WorkflowID).
		Str("step_id", rec.StepID).
		Str("error_type", rec.ErrorType).
		Msg("error tracked")
}

// MarkRecovered flags an error as recovered.
func (t *Tracker) MarkRecovered(errorID string) {
	if t.History.MarkRecovered(errorID) {
		t.mu.Lock()
		t.recoveryStats["recovered"]++
		t.mu.Unlock()
	}
}

// Summarise builds a summary for one workflow, or for the global ring when
// workflowID is empty.
func (t *Tracker) Summarise(workflowID string) Summary {
	var records []domain.ErrorRecord
	if workflowID != "" {
		records = t.History.WorkflowErrors(workflowID)
	} else {
		records = t.History.RecentErrors(1000000 * time.Hour)
	}

	summary := Summary{
		BySeverity: make(map[string]int),
		ByType:     make(map[string]int),
	}
	if len(records) == 0 {
		return summary
	}

	recentCutoff := time.Now().Add(-time.Hour).UnixMilli()
	for _, rec := range records {
		summary.TotalErrors++
		summary.BySeverity[string(rec.Severity)]++
		summary.ByType[rec.ErrorType]++
		if rec.Timestamp >= recentCutoff {
			summary.RecentErrors++
		}
	}
	summary.FirstError = records[0].Timestamp
	summary.LastError = records[len(records)-1].Timestamp
	return summary
}

// DetectPatterns returns the recurring (error_type, step_id) pairs from the
// last 24 hours.
func (t *Tracker) DetectPatterns() []Pattern {
	cutoff := time.Now().Add(-patternWindow).UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Pattern
	for key, timestamps := range t.patterns {
		var recent []int64
		for _, ts := range timestamps {
			if ts >= cutoff {
				recent = append(recent, ts)
			}
		}
		// Trim aged-out timestamps while we're here.
		t.patterns[key] = recent
		if len(recent) < patternMinOccurrences {
			continue
		}
		errorType, stepID := splitPatternKey(key)
		out = append(out, Pattern{
			ErrorType:   errorType,
			StepID:      stepID,
			Occurrences: len(recent),
			FirstSeen:   recent[0],
			LastSeen:    recent[len(recent)-1],
		})
	}
	return out
}

// RecoveryStats returns a copy of the per-action recovery counters.
func (t *Tracker) RecoveryStats() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.recoveryStats))
	for k, v := range t.recoveryStats {
		out[k] = v
	}
	return out
}

// ExportJSON renders a workflow's records (or the global ring) as JSON.
func (t *Tracker) ExportJSON(workflowID string) ([]byte, error) {
	records := t.exportRecords(workflowID)
	return json.MarshalIndent(records, "", "  ")
}

// ExportCSV renders a workflow's records (or the global ring) as CSV.
func (t *Tracker) ExportCSV(workflowID string) ([]byte, error) {
	records := t.exportRecords(workflowID)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "workflow_id", "step_id", "error_type", "message", "timestamp", "retry_count", "recovered", "severity"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, rec := range records {
		row := []string{
			rec.ID,
			rec.WorkflowID,
			rec.StepID,
			rec.ErrorType,
			rec.Message,
			fmt.Sprintf("%d", rec.Timestamp),
			fmt.Sprintf("%d", rec.RetryCount),
			fmt.Sprintf("%t", rec.Recovered),
			string(rec.Severity),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func (t *Tracker) exportRecords(workflowID string) []domain.ErrorRecord {
	if workflowID != "" {
		return t.History.WorkflowErrors(workflowID)
	}
	return t.History.RecentErrors(1000000 * time.Hour)
}

func splitPatternKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
