package util

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenPattern = regexp.MustCompile(`{(\$[^{}]*)}`)

// Lookup evaluates a jsonpath expression ("$.a.b") against data.
func Lookup(data map[string]any, path string) (any, error) {
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	return jsonpath.JsonPathLookup(data, path)
}

// ResolveParams expands {$.path} tokens in every string of params against
// data. A string that is exactly one token keeps the looked up value's type.
func ResolveParams(data map[string]any, params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(data, v)
	}
	return out
}

func ResolveString(data map[string]any, s string) string {
	return fmt.Sprintf("%v", resolveString(data, s))
}

func resolveValue(data map[string]any, v any) any {
	switch value := v.(type) {
	case map[string]any:
		return ResolveParams(data, value)
	case []any:
		list := make([]any, 0, len(value))
		for _, item := range value {
			list = append(list, resolveValue(data, item))
		}
		return list
	case string:
		return resolveString(data, value)
	default:
		return v
	}
}

func resolveString(data map[string]any, s string) any {
	matches := tokenPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s
	}
	if len(matches) == 1 && matches[0][0] == s {
		value, err := jsonpath.JsonPathLookup(data, matches[0][1])
		if err != nil {
			return nil
		}
		return value
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := token[1 : len(token)-1]
		value, err := jsonpath.JsonPathLookup(data, path)
		if err != nil || value == nil {
			return ""
		}
		return fmt.Sprintf("%v", value)
	})
}
