package parallel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/stepflow/internal/domain"
)

func taskFailure(taskID string) domain.ErrorRecord {
	return domain.ErrorRecord{
		ID:         "err_" + taskID,
		WorkflowID: "wf_1",
		TaskID:     taskID,
		ErrorType:  "OPERATION_FAILED",
		Message:    "task failed",
		Timestamp:  time.Now().UnixMilli(),
	}
}

func TestParsePolicyDefaultsToFailFast(t *testing.T) {
	assert.Equal(t, PolicyFailFast, ParsePolicy(""))
	assert.Equal(t, PolicyFailFast, ParsePolicy("bogus"))
	assert.Equal(t, PolicyThreshold, ParsePolicy("threshold"))
}

func TestFailFastCancelsOnFirstFailure(t *testing.T) {
	a := NewAggregator(PolicyFailFast, 4, 0)
	assert.True(t, a.AddFailure("t1", taskFailure("t1")))

	err := a.Resolve()
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeOperationFailed))
}

func TestCollectAllRunsToCompletion(t *testing.T) {
	a := NewAggregator(PolicyCollectAll, 3, 0)
	assert.False(t, a.AddFailure("t0", taskFailure("t0")))
	assert.False(t, a.AddFailure("t1", taskFailure("t1")))
	a.AddSuccess("t2")

	err := a.Resolve()
	require.Error(t, err)
	assert.Len(t, a.Errors(), 2)
}

func TestBestEffortNeverFails(t *testing.T) {
	a := NewAggregator(PolicyBestEffort, 2, 0)
	assert.False(t, a.AddFailure("t0", taskFailure("t0")))
	assert.False(t, a.AddFailure("t1", taskFailure("t1")))
	assert.NoError(t, a.Resolve())
}

func TestThresholdPolicy(t *testing.T) {
	a := NewAggregator(PolicyThreshold, 4, 0.5)
	assert.False(t, a.AddFailure("t0", taskFailure("t0")))
	assert.False(t, a.AddFailure("t1", taskFailure("t1")))
	// 2/4 failed: at the threshold, not over it.
	assert.NoError(t, a.Resolve())

	assert.True(t, a.AddFailure("t2", taskFailure("t2")))
	require.Error(t, a.Resolve())
}

func TestNoFailuresResolvesClean(t *testing.T) {
	a := NewAggregator(PolicyFailFast, 2, 0)
	a.AddSuccess("t0")
	a.AddSuccess("t1")
	assert.NoError(t, a.Resolve())
}

func TestDuplicateFailureCountedOnce(t *testing.T) {
	a := NewAggregator(PolicyCollectAll, 2, 0)
	a.AddFailure("t0", taskFailure("t0"))
	a.AddFailure("t0", taskFailure("t0"))
	assert.Len(t, a.Errors(), 1)
}

func TestSummaryCounts(t *testing.T) {
	a := NewAggregator(PolicyBestEffort, 3, 0.5)
	a.AddSuccess("t0")
	a.AddFailure("t1", taskFailure("t1"))

	s := a.Summary()
	assert.Equal(t, 3, s["total_tasks"])
	assert.Equal(t, 1, s["failed_tasks"])
	assert.Equal(t, 1, s["succeeded_tasks"])
}
