package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// placeholder matches ${NAME}.
var placeholder = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// UndefinedVariableError lists placeholders with no value.
type UndefinedVariableError struct {
	Names []string
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}

// Expand returns a copy of c with every ${NAME} in a string value replaced
// by lookup(NAME). Strings inside lists are expanded too. Every missing
// name is reported in one *UndefinedVariableError.
//
//	hub:
//	  secret: ${HUB_SECRET}
func (c Config) Expand(lookup func(string) (string, bool)) (Config, error) {
	var missing []string
	expand := func(s string) string {
		return placeholder.ReplaceAllStringFunc(s, func(match string) string {
			name := match[2 : len(match)-1]
			if v, ok := lookup(name); ok {
				return v
			}
			if !slices.Contains(missing, name) {
				missing = append(missing, name)
			}
			return match
		})
	}
	out := expandMap(c.data, expand)
	if len(missing) > 0 {
		slices.Sort(missing)
		return Config{}, &UndefinedVariableError{Names: missing}
	}
	return New(out), nil
}

func expandMap(m map[string]any, expand func(string) string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = expandValue(v, expand)
	}
	return out
}

func expandValue(v any, expand func(string) string) any {
	switch val := v.(type) {
	case string:
		return expand(val)
	case map[string]any:
		return expandMap(val, expand)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item, expand)
		}
		return out
	default:
		return v
	}
}
