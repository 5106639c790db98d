package state

import (
	"fmt"
	"strings"

	"github.com/smilemakc/stepflow/internal/domain"
)

// Absence is the sentinel returned when a path was never written and has no
// declared default. It renders as an empty value at the wire boundary.
type Absence struct{}

// Undefined is the shared absence sentinel.
var Undefined = Absence{}

// IsUndefined reports whether a value is the absence sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(Absence)
	return ok
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// getPath walks a dot-separated path through nested maps and list indices.
// Returns Undefined when any segment is missing.
func getPath(root map[string]any, path string) any {
	var current any = root
	for _, part := range splitPath(path) {
		m, ok := current.(map[string]any)
		if !ok {
			return Undefined
		}
		current, ok = m[part]
		if !ok {
			return Undefined
		}
	}
	return current
}

// setPath writes a leaf value, creating intermediate maps as needed. An
// existing non-map intermediate is an invalid path.
func setPath(root map[string]any, path string, value any) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return domain.NewDomainError(domain.ErrCodeInvalidPath, "empty path", nil)
	}
	current := root
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok {
			child := make(map[string]any)
			current[part] = child
			current = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return domain.NewDomainError(domain.ErrCodeInvalidPath,
				fmt.Sprintf("path %s traverses non-mapping segment %s", path, part), nil)
		}
		current = child
	}
	current[parts[len(parts)-1]] = value
	return nil
}

// incrementPath adds a numeric delta to a leaf, defaulting a missing leaf to
// zero before the add.
func incrementPath(root map[string]any, path string, delta any) error {
	existing := getPath(root, path)
	base, ok := toFloat(existing)
	if !ok {
		if IsUndefined(existing) || existing == nil {
			base = 0
		} else {
			return domain.NewDomainError(domain.ErrCodeValidationFailed,
				fmt.Sprintf("increment target %s is not numeric", path), nil)
		}
	}
	d := 1.0
	if delta != nil {
		v, ok := toFloat(delta)
		if !ok {
			return domain.NewDomainError(domain.ErrCodeValidationFailed,
				fmt.Sprintf("increment delta for %s is not numeric", path), nil)
		}
		d = v
	}
	result := base + d
	// Keep integral results as int so comparisons and templates stay clean.
	if result == float64(int64(result)) {
		return setPath(root, path, int(result))
	}
	return setPath(root, path, result)
}

// appendPath pushes a value onto a list leaf, creating an empty list for a
// missing leaf.
func appendPath(root map[string]any, path string, value any) error {
	existing := getPath(root, path)
	var lst []any
	switch t := existing.(type) {
	case Absence:
		lst = []any{}
	case nil:
		lst = []any{}
	case []any:
		lst = t
	default:
		return domain.NewDomainError(domain.ErrCodeValidationFailed,
			fmt.Sprintf("append target %s is not a list", path), nil)
	}
	return setPath(root, path, append(lst, value))
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// deepCopy clones a value tree of maps, slices and scalars.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return t
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return deepCopy(m).(map[string]any)
}

// pathsIntersect reports whether one dot path is a prefix of the other on a
// segment boundary, meaning a write to either can affect the other.
func pathsIntersect(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}
