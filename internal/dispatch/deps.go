package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gaja-assistant/gaja-server/internal/domain"
)

// placeholders returns the forms in which key may be referenced inside a
// string argument.
func placeholders(key string) []string {
	return []string{"${" + key + "}", "{{" + key + "}}"}
}

func mentions(s, key string) bool {
	if key == "" {
		return false
	}
	for _, p := range placeholders(key) {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// walkStrings calls fn for every string found in v, descending into maps and
// slices.
func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, x := range t {
			walkStrings(x, fn)
		}
	case []any:
		for _, x := range t {
			walkStrings(x, fn)
		}
	}
}

// dependencies returns, for every call of a batch, the indexes of the earlier
// calls it references. A string argument references an earlier call when it
// equals that call's ID, or contains ${id}, {{id}}, ${name} or {{name}}. A name
// resolves to the closest earlier call with that name.
func dependencies(calls []domain.FunctionCallRequest) [][]int {
	deps := make([][]int, len(calls))
	for i := range calls {
		set := make(map[int]bool)
		walkStrings(calls[i].Arguments, func(s string) {
			named := make(map[string]bool)
			for j := i - 1; j >= 0; j-- {
				prev := calls[j]
				if prev.ID != "" && (s == prev.ID || mentions(s, prev.ID)) {
					set[j] = true
				}
				if !named[prev.Name] && mentions(s, prev.Name) {
					named[prev.Name] = true
					set[j] = true
				}
			}
		})
		for j := range set {
			deps[i] = append(deps[i], j)
		}
		sort.Ints(deps[i])
	}
	return deps
}

// resolved is an earlier call whose record a dependent call may read.
type resolved struct {
	call   domain.FunctionCallRequest
	record *domain.FunctionCallRecord
}

// substitute returns a copy of v with references to deps replaced by their
// results. A string that is exactly a call ID takes the raw result; embedded
// placeholders take its text rendering. deps must be ordered oldest first.
func substitute(v any, deps []resolved) any {
	switch t := v.(type) {
	case string:
		for i := len(deps) - 1; i >= 0; i-- {
			if deps[i].call.ID != "" && t == deps[i].call.ID {
				return deps[i].record.Result
			}
		}
		for i := len(deps) - 1; i >= 0; i-- {
			text := render(deps[i].record.Result)
			for _, key := range []string{deps[i].call.ID, deps[i].call.Name} {
				if key == "" {
					continue
				}
				for _, p := range placeholders(key) {
					t = strings.ReplaceAll(t, p, text)
				}
			}
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = substitute(x, deps)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = substitute(x, deps)
		}
		return out
	default:
		return v
	}
}

func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
