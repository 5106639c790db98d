package recovery

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/stepflow/internal/domain"
)

func retryHandler(jitter bool) *Handler {
	return FromDef(&domain.ErrorHandlerDef{
		Strategy:          "retry",
		RetryCount:        3,
		RetryDelayMs:      100,
		BackoffMultiplier: 2,
		MaxDelayMs:        30000,
		JitterDisabled:    !jitter,
	})
}

func failureRecord(errType string) domain.ErrorRecord {
	return domain.ErrorRecord{
		ID:         "err_test",
		WorkflowID: "wf_1",
		StepID:     "s1",
		ErrorType:  errType,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func TestBackoffSequenceWithoutJitter(t *testing.T) {
	rm := NewRetryManager(zerolog.Nop())
	h := retryHandler(false)

	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, want := range expected {
		delay, scheduled := rm.RecordFailure("wf_1", "s1", h, failureRecord("OPERATION_FAILED"))
		require.True(t, scheduled, "attempt %d", i+1)
		assert.Equal(t, want, delay)
	}

	// Fourth failure exhausts the retry budget.
	_, scheduled := rm.RecordFailure("wf_1", "s1", h, failureRecord("OPERATION_FAILED"))
	assert.False(t, scheduled)
}

func TestDelayCappedAtMaxDelay(t *testing.T) {
	rm := NewRetryManager(zerolog.Nop())
	h := FromDef(&domain.ErrorHandlerDef{
		Strategy:          "retry",
		RetryCount:        10,
		RetryDelayMs:      1000,
		BackoffMultiplier: 10,
		MaxDelayMs:        2000,
		JitterDisabled:    true,
	})

	var prev time.Duration
	for i := 0; i < 5; i++ {
		delay, scheduled := rm.RecordFailure("wf_1", "s1", h, failureRecord("OPERATION_FAILED"))
		require.True(t, scheduled)
		assert.LessOrEqual(t, delay, 2*time.Second)
		assert.GreaterOrEqual(t, delay, prev)
		prev = delay
	}
}

func TestJitterBoundsAndFloor(t *testing.T) {
	rm := NewRetryManager(zerolog.Nop())
	h := retryHandler(true)

	delay, scheduled := rm.RecordFailure("wf_1", "s1", h, failureRecord("OPERATION_FAILED"))
	require.True(t, scheduled)
	// ±20% around 100ms, floored at 100ms.
	assert.GreaterOrEqual(t, delay, 100*time.Millisecond)
	assert.LessOrEqual(t, delay, 120*time.Millisecond)
}

func TestRetryEligibilityAllowList(t *testing.T) {
	h := FromDef(&domain.ErrorHandlerDef{
		Strategy:          "retry",
		RetryOnErrorTypes: []string{"TIMEOUT"},
	})
	assert.True(t, h.ShouldRetry("TIMEOUT"))
	assert.False(t, h.ShouldRetry("VALIDATION_ERROR"))
}

func TestRetryEligibilityDenyList(t *testing.T) {
	h := FromDef(&domain.ErrorHandlerDef{
		Strategy:              "retry",
		SkipRetryOnErrorTypes: []string{"VALIDATION_ERROR"},
	})
	assert.False(t, h.ShouldRetry("VALIDATION_ERROR"))
	assert.True(t, h.ShouldRetry("TIMEOUT"))
}

func TestRetryStateClearedOnSuccess(t *testing.T) {
	rm := NewRetryManager(zerolog.Nop())
	h := retryHandler(false)

	_, scheduled := rm.RecordFailure("wf_1", "s1", h, failureRecord("OPERATION_FAILED"))
	require.True(t, scheduled)
	_, ok := rm.NextDue("wf_1", "s1")
	assert.True(t, ok)

	rm.ClearSuccess("wf_1", "s1")
	_, ok = rm.NextDue("wf_1", "s1")
	assert.False(t, ok)
	assert.Equal(t, 0, rm.State("wf_1", "s1").AttemptCount)
}

func TestPurgeWorkflowDropsAllSteps(t *testing.T) {
	rm := NewRetryManager(zerolog.Nop())
	h := retryHandler(false)

	rm.RecordFailure("wf_1", "s1", h, failureRecord("OPERATION_FAILED"))
	rm.RecordFailure("wf_1", "s2", h, failureRecord("OPERATION_FAILED"))
	rm.RecordFailure("wf_2", "s1", h, failureRecord("OPERATION_FAILED"))

	rm.PurgeWorkflow("wf_1")
	assert.Equal(t, 0, rm.State("wf_1", "s1").AttemptCount)
	assert.Equal(t, 0, rm.State("wf_1", "s2").AttemptCount)
	assert.Equal(t, 1, rm.State("wf_2", "s1").AttemptCount)
}

func TestPopDueDrainsOnlyArrived(t *testing.T) {
	rm := NewRetryManager(zerolog.Nop())
	h := retryHandler(false)

	rm.RecordFailure("wf_1", "s1", h, failureRecord("OPERATION_FAILED"))

	due := rm.PopDue(time.Now())
	assert.Empty(t, due)

	due = rm.PopDue(time.Now().Add(time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, "wf_1", due[0].WorkflowID)
	assert.Equal(t, "s1", due[0].StepID)
}

func TestCumulativeDelayAccumulates(t *testing.T) {
	rm := NewRetryManager(zerolog.Nop())
	h := retryHandler(false)

	rm.RecordFailure("wf_1", "s1", h, failureRecord("OPERATION_FAILED"))
	rm.RecordFailure("wf_1", "s1", h, failureRecord("OPERATION_FAILED"))

	st := rm.State("wf_1", "s1")
	assert.Equal(t, 300*time.Millisecond, st.CumulativeDelay)
	assert.Len(t, st.Errors, 2)
}
