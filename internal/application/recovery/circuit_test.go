package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/stepflow/internal/domain"
)

func circuitHandler() *Handler {
	return FromDef(&domain.ErrorHandlerDef{
		Strategy:         "circuit_breaker",
		FailureThreshold: 2,
		CircuitTimeoutMs: 500,
	})
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker()
	h := circuitHandler()
	now := time.Now()

	require.NoError(t, cb.Allow(now))
	cb.RecordFailure(h, now)
	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure(h, now)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Allow(now)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeCircuitOpen))
}

func TestCircuitHalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker()
	h := circuitHandler()
	now := time.Now()

	cb.RecordFailure(h, now)
	cb.RecordFailure(h, now)
	require.Equal(t, CircuitOpen, cb.State())

	// Before the timeout the circuit refuses.
	require.Error(t, cb.Allow(now.Add(400*time.Millisecond)))

	// After the timeout one trial is permitted.
	require.NoError(t, cb.Allow(now.Add(600*time.Millisecond)))
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// Success closes.
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker()
	h := circuitHandler()
	now := time.Now()

	cb.RecordFailure(h, now)
	cb.RecordFailure(h, now)
	require.NoError(t, cb.Allow(now.Add(time.Second)))
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure(h, now.Add(time.Second))
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker()
	h := circuitHandler()
	now := time.Now()

	cb.RecordFailure(h, now)
	cb.RecordSuccess()
	cb.RecordFailure(h, now)
	// Two non-consecutive failures never reach the threshold.
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestRegistryKeysPerStep(t *testing.T) {
	reg := NewCircuitRegistry()
	a := reg.Get("wf_1", "s1")
	b := reg.Get("wf_1", "s2")
	assert.NotSame(t, a, b)
	assert.Same(t, a, reg.Get("wf_1", "s1"))

	reg.PurgeWorkflow("wf_1")
	assert.NotSame(t, a, reg.Get("wf_1", "s1"))
}
