package recovery

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smilemakc/stepflow/internal/domain"
)

// minBackoff is the floor for any computed retry delay.
const minBackoff = 100 * time.Millisecond

// RetryState tracks retry bookkeeping for one (workflow, step) pair.
type RetryState struct {
	AttemptCount    int
	LastAttemptTime time.Time
	NextRetryTime   time.Time
	CumulativeDelay time.Duration
	Errors          []domain.ErrorRecord
}

// retryKey identifies a retryable operation.
type retryKey struct {
	workflowID string
	stepID     string
}

// DueEntry is a scheduled re-dispatch popped from the heap.
type DueEntry struct {
	WorkflowID string
	StepID     string
	Due        time.Time
}

type dueHeap []DueEntry

func (h dueHeap) Len() int            { return len(h) }
func (h dueHeap) Less(i, j int) bool  { return h[i].Due.Before(h[j].Due) }
func (h dueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *dueHeap) Push(x any)         { *h = append(*h, x.(DueEntry)) }
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// RetryManager owns retry state and the due-time min-heap polled by the
// executor and the background sweeper.
type RetryManager struct {
	mu     sync.Mutex
	states map[retryKey]*RetryState
	due    dueHeap
	rng    *rand.Rand
	logger zerolog.Logger
}

// NewRetryManager creates an empty retry manager.
func NewRetryManager(logger zerolog.Logger) *RetryManager {
	return &RetryManager{
		states: make(map[retryKey]*RetryState),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger.With().Str("component", "retry_manager").Logger(),
	}
}

// State returns the retry state for a step, creating it on first use.
func (rm *RetryManager) State(workflowID, stepID string) *RetryState {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	key := retryKey{workflowID, stepID}
	st, ok := rm.states[key]
	if !ok {
		st = &RetryState{}
		rm.states[key] = st
	}
	return st
}

// RecordFailure registers a failed attempt and, when the handler still has
// retries left for this error type, schedules the re-dispatch and returns
// the delay. The boolean reports whether a retry was scheduled.
func (rm *RetryManager) RecordFailure(workflowID, stepID string, handler *Handler, rec domain.ErrorRecord) (time.Duration, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	key := retryKey{workflowID, stepID}
	st, ok := rm.states[key]
	if !ok {
		st = &RetryState{}
		rm.states[key] = st
	}

	st.Errors = append(st.Errors, rec)
	st.AttemptCount++
	st.LastAttemptTime = time.Now()

	if !handler.ShouldRetry(rec.ErrorType) || st.AttemptCount > handler.RetryCount {
		return 0, false
	}

	delay := rm.delayFor(st.AttemptCount, handler)
	st.NextRetryTime = time.Now().Add(delay)
	st.CumulativeDelay += delay
	heap.Push(&rm.due, DueEntry{WorkflowID: workflowID, StepID: stepID, Due: st.NextRetryTime})

	rm.logger.Info().
		Str("workflow_id", workflowID).
		Str("step_id", stepID).
		Int("attempt", st.AttemptCount).
		Dur("delay", delay).
		Msg("retry scheduled")

	return delay, true
}

// delayFor computes min(base * multiplier^attempt, max) with ±20% uniform
// jitter and a 100ms floor. attempt is 1-based: the first retry after the
// initial failure uses the base delay.
func (rm *RetryManager) delayFor(attempt int, handler *Handler) time.Duration {
	backoff := float64(handler.RetryDelay) * math.Pow(handler.BackoffMultiplier, float64(attempt-1))
	delay := math.Min(backoff, float64(handler.MaxDelay))

	if handler.Jitter {
		jitter := delay * 0.2 * (rm.rng.Float64() - 0.5) * 2
		delay += jitter
	}
	if delay < float64(minBackoff) {
		delay = float64(minBackoff)
	}
	return time.Duration(delay)
}

// NextDue returns the retry time for a pending re-dispatch, or zero when
// none is scheduled.
func (rm *RetryManager) NextDue(workflowID, stepID string) (time.Time, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	st, ok := rm.states[retryKey{workflowID, stepID}]
	if !ok || st.NextRetryTime.IsZero() {
		return time.Time{}, false
	}
	return st.NextRetryTime, true
}

// PopDue drains every scheduled re-dispatch whose time has arrived.
func (rm *RetryManager) PopDue(now time.Time) []DueEntry {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	var out []DueEntry
	for rm.due.Len() > 0 && !rm.due[0].Due.After(now) {
		out = append(out, heap.Pop(&rm.due).(DueEntry))
	}
	return out
}

// ClearSuccess drops retry state after a successful attempt.
func (rm *RetryManager) ClearSuccess(workflowID, stepID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.states, retryKey{workflowID, stepID})
}

// PurgeWorkflow drops all retry state for a workflow reaching terminal
// status.
func (rm *RetryManager) PurgeWorkflow(workflowID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for key := range rm.states {
		if key.workflowID == workflowID {
			delete(rm.states, key)
		}
	}
}
