// Package expression wraps expr-lang with program caching and the helper
// function set available to workflow definitions.
package expression

import (
	"container/list"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/smilemakc/stepflow/internal/domain"
)

// programCache is a thread-safe LRU cache for compiled expression programs.
type programCache struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key     string
	program *vm.Program
}

func newProgramCache(capacity int) *programCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &programCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

func (pc *programCache) get(key string) (*vm.Program, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if element, found := pc.cache[key]; found {
		pc.lruList.MoveToFront(element)
		return element.Value.(*cacheEntry).program, true
	}
	return nil, false
}

func (pc *programCache) put(key string, program *vm.Program) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if element, found := pc.cache[key]; found {
		pc.lruList.MoveToFront(element)
		element.Value.(*cacheEntry).program = program
		return
	}
	element := pc.lruList.PushFront(&cacheEntry{key: key, program: program})
	pc.cache[key] = element
	if pc.lruList.Len() > pc.capacity {
		oldest := pc.lruList.Back()
		if oldest != nil {
			pc.lruList.Remove(oldest)
			delete(pc.cache, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Evaluator compiles and runs workflow expressions. Compilation is cached by
// expression text; programs are compiled without a typed env so the same
// program serves every workflow's variable space.
type Evaluator struct {
	cache *programCache
}

// New creates an evaluator with the default cache capacity.
func New() *Evaluator {
	return &Evaluator{cache: newProgramCache(256)}
}

// Evaluate runs a single expression against the given environment. The
// environment is extended with the helper function set.
func (e *Evaluator) Evaluate(code string, env map[string]any) (any, error) {
	if strings.TrimSpace(code) == "" {
		return nil, domain.NewDomainError(domain.ErrCodeInvalidInput, "expression cannot be empty", nil)
	}

	program, found := e.cache.get(code)
	if !found {
		var err error
		program, err = expr.Compile(rewriteExpression(code), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile expression %q: %w", code, err)
		}
		e.cache.put(code, program)
	}

	full := make(map[string]any, len(env)+len(helperFuncs))
	for k, v := range helperFuncs {
		full[k] = v
	}
	for k, v := range env {
		full[k] = v
	}

	result, err := expr.Run(program, full)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", code, err)
	}
	return result, nil
}

// EvaluateBool runs a condition expression and coerces the result to a
// boolean, truthiness matching the definition language: nil, false, zero and
// empty string/sequence are falsy.
func (e *Evaluator) EvaluateBool(code string, env map[string]any) (bool, error) {
	result, err := e.Evaluate(code, env)
	if err != nil {
		return false, err
	}
	return Truthy(result), nil
}

// Truthy applies the definition language's truthiness rules.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// helperFuncs carries the method set workflow definitions may use, both as
// lowered dot-method targets and as plain calls, plus the Math and Object
// namespaces. join, split, trim, filter, map and reduce land on expr-lang
// builtins after lowering and are not repeated here.
var helperFuncs = map[string]any{
	"Math": map[string]any{
		"min": func(vals ...any) any {
			out, ok := toNumber(vals[0])
			if !ok {
				return nil
			}
			for _, v := range vals[1:] {
				n, ok := toNumber(v)
				if !ok {
					return nil
				}
				if n < out {
					out = n
				}
			}
			return fromNumber(out)
		},
		"max": func(vals ...any) any {
			out, ok := toNumber(vals[0])
			if !ok {
				return nil
			}
			for _, v := range vals[1:] {
				n, ok := toNumber(v)
				if !ok {
					return nil
				}
				if n > out {
					out = n
				}
			}
			return fromNumber(out)
		},
		"round": func(v any) any {
			n, ok := toNumber(v)
			if !ok {
				return nil
			}
			return fromNumber(math.Round(n))
		},
		"floor": func(v any) any {
			n, ok := toNumber(v)
			if !ok {
				return nil
			}
			return fromNumber(math.Floor(n))
		},
		"ceil": func(v any) any {
			n, ok := toNumber(v)
			if !ok {
				return nil
			}
			return fromNumber(math.Ceil(n))
		},
	},
	"Object": map[string]any{
		"keys":    objectKeys,
		"values":  objectValues,
		"entries": objectEntries,
	},
	"length": func(v any) int {
		switch t := v.(type) {
		case nil:
			return 0
		case string:
			return len(t)
		case []any:
			return len(t)
		case map[string]any:
			return len(t)
		default:
			return 0
		}
	},
	"slice": func(v []any, bounds ...int) []any {
		start, end := 0, len(v)
		if len(bounds) > 0 {
			start = clampIndex(bounds[0], len(v))
		}
		if len(bounds) > 1 {
			end = clampIndex(bounds[1], len(v))
		}
		if start > end {
			return []any{}
		}
		return append([]any{}, v[start:end]...)
	},
	"includes": func(v any, needle any) bool {
		switch t := v.(type) {
		case string:
			s, ok := needle.(string)
			return ok && strings.Contains(t, s)
		case []any:
			for _, item := range t {
				if fmt.Sprint(item) == fmt.Sprint(needle) {
					return true
				}
			}
		}
		return false
	},
	"startsWith":  func(s, prefix string) bool { return strings.HasPrefix(s, prefix) },
	"endsWith":    func(s, suffix string) bool { return strings.HasSuffix(s, suffix) },
	"toUpperCase": strings.ToUpper,
	"toLowerCase": strings.ToLower,
	"round":       math.Round,
	"concat":      concatValues,
	"keys":        objectKeys,
	"values":      objectValues,
	"entries":     objectEntries,
}

func clampIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

// concatValues follows the source language's concat: strings join, lists
// flatten one level, scalars append.
func concatValues(vals ...any) any {
	allStrings := len(vals) > 0
	for _, v := range vals {
		if _, ok := v.(string); !ok {
			allStrings = false
			break
		}
	}
	if allStrings {
		var b strings.Builder
		for _, v := range vals {
			b.WriteString(v.(string))
		}
		return b.String()
	}
	var out []any
	for _, v := range vals {
		if lst, ok := v.([]any); ok {
			out = append(out, lst...)
		} else {
			out = append(out, v)
		}
	}
	return out
}

func objectKeys(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, k)
	}
	return out
}

func objectValues(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func objectEntries(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, []any{k, m[k]})
	}
	return out
}

func toNumber(v any) (float64, bool) {
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

// fromNumber keeps integral results as int so comparisons and templates
// stay clean.
func fromNumber(f float64) any {
	if f == float64(int64(f)) {
		return int(f)
	}
	return f
}
