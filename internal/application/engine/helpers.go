package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/stepflow/internal/application/state"
	"github.com/smilemakc/stepflow/internal/domain"
)

func asDomainError(err error, target **domain.DomainError) bool {
	return errors.As(err, target)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// newErrorRecord copies an error into a history record.
func newErrorRecord(workflowID, stepID, taskID string, err error, retryCount int, severity domain.ErrorSeverity) domain.ErrorRecord {
	return domain.ErrorRecord{
		ID:         "err_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		WorkflowID: workflowID,
		StepID:     stepID,
		TaskID:     taskID,
		ErrorType:  domain.CodeOf(err),
		Message:    err.Error(),
		Timestamp:  nowMillis(),
		RetryCount: retryCount,
		Severity:   severity,
	}
}

// toSequence coerces an evaluated items expression into a []any sequence.
func toSequence(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, nil
	case nil:
		return nil, domain.NewDomainError(domain.ErrCodeNonIterable, "items expression evaluated to nothing", nil)
	default:
		if state.IsUndefined(v) {
			return nil, domain.NewDomainError(domain.ErrCodeNonIterable, "items expression evaluated to nothing", nil)
		}
		return nil, domain.NewDomainError(domain.ErrCodeNonIterable,
			fmt.Sprintf("items expression evaluated to non-iterable %T", v), nil)
	}
}

// resultEnv normalises a submitted step result into the template `result`
// namespace.
func resultEnv(result any) map[string]any {
	switch t := result.(type) {
	case map[string]any:
		return t
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"value": t}
	}
}
