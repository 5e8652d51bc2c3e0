package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/concierge-dev/concierge/pkg/store"
)

// stepRefPattern matches $step_<toolCallId> references inside argument
// strings.
var stepRefPattern = regexp.MustCompile(`\$step_([A-Za-z0-9_-]+)`)

// ExecutionContext accumulates tool results within one turn so later calls
// can reference earlier ones and the persistence stage can record them all.
// It is request-scoped and not safe for concurrent use.
type ExecutionContext struct {
	results map[string]any
	records []store.ToolCallRecord
}

func newExecutionContext() *ExecutionContext {
	return &ExecutionContext{results: make(map[string]any)}
}

// Record stores one executed call keyed by its tool-call id.
func (e *ExecutionContext) Record(id, name string, args map[string]any, result any) {
	e.results[id] = result
	e.records = append(e.records, store.ToolCallRecord{
		Name:       name,
		Args:       args,
		Result:     result,
		ToolCallID: id,
	})
}

// Result returns the stored result for a tool-call id.
func (e *ExecutionContext) Result(id string) (any, bool) {
	result, ok := e.results[id]
	return result, ok
}

// Records returns the normalized call records in execution order.
func (e *ExecutionContext) Records() []store.ToolCallRecord {
	return e.records
}

// Substitute resolves $step_<id> references in tool arguments against
// earlier results. A string that is exactly one reference becomes the
// stored result itself; references embedded in longer strings are spliced
// in as text. Unknown references are logged and left unchanged.
func (e *ExecutionContext) Substitute(args map[string]any) map[string]any {
	if len(args) == 0 || len(e.results) == 0 {
		return args
	}
	out := make(map[string]any, len(args))
	for key, value := range args {
		out[key] = e.substituteValue(value)
	}
	return out
}

func (e *ExecutionContext) substituteValue(value any) any {
	switch v := value.(type) {
	case string:
		return e.substituteString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			out[key] = e.substituteValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = e.substituteValue(inner)
		}
		return out
	default:
		return value
	}
}

func (e *ExecutionContext) substituteString(s string) any {
	if id, ok := strings.CutPrefix(s, "$step_"); ok {
		if result, found := e.results[id]; found {
			return result
		}
	}
	if !strings.Contains(s, "$step_") {
		return s
	}
	return stepRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		id := strings.TrimPrefix(ref, "$step_")
		result, found := e.results[id]
		if !found {
			slog.Warn("Unresolved step reference in tool arguments", "ref", ref)
			return ref
		}
		return stringifyResult(result)
	})
}

// stringifyResult renders a tool result as text for splicing into argument
// strings and for feeding back to the chat model.
func stringifyResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	if raw, err := json.Marshal(result); err == nil {
		return string(raw)
	}
	return fmt.Sprint(result)
}
