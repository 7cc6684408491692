package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Template pattern matches {{...}} expressions
var templatePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Interpolate resolves {{ path }} references in a string against the context,
// substituting the referenced values verbatim. It is used for step inputs,
// env values, and concurrency group keys.
//
// Example:
//
//	Interpolate("{{ runner.temp }}/codebrowser", ctx)
//	=> "/tmp/upkeep-run-1a2b/codebrowser"
//
// An unresolvable path is an error: a definition that references a missing
// value should fail loudly, not silently produce an empty string.
func Interpolate(s string, ctx map[string]interface{}) (string, error) {
	if s == "" || !strings.Contains(s, "{{") {
		return s, nil
	}

	var lastErr error
	result := templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		path = strings.TrimPrefix(path, ".")

		value, err := resolvePath(path, ctx)
		if err != nil {
			lastErr = err
			return match
		}
		if value == nil {
			return ""
		}
		return fmt.Sprintf("%v", value)
	})

	if lastErr != nil {
		return "", fmt.Errorf("template resolution failed: %w", lastErr)
	}

	return result, nil
}

// PreprocessTemplate resolves {{ path }} references inside a condition
// expression by replacing them with expr-lang compatible literals before
// compilation.
//
// This function performs a single-pass resolution:
// - Finds all {{...}} patterns
// - Resolves each path from the context
// - Replaces with appropriate literal (quoted strings, numbers, booleans, etc.)
//
// Example:
//
//	PreprocessTemplate(`{{ steps.fetch.outcome }} == "success"`, ctx)
//	=> `"success" == "success"`
//
// Returns the processed expression or an error if a referenced path cannot
// be resolved.
func PreprocessTemplate(expression string, ctx map[string]interface{}) (string, error) {
	if expression == "" {
		return expression, nil
	}

	var lastErr error
	result := templatePattern.ReplaceAllStringFunc(expression, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		path = strings.TrimPrefix(path, ".")

		value, err := resolvePath(path, ctx)
		if err != nil {
			lastErr = err
			return match // Keep original on error
		}

		return valueToLiteral(value)
	})

	if lastErr != nil {
		return "", fmt.Errorf("template resolution failed: %w", lastErr)
	}

	return result, nil
}

// resolvePath resolves a dot-separated path in the context.
// Example: "steps.fetch.outcome" => ctx["steps"]["fetch"]["outcome"]
func resolvePath(path string, ctx map[string]interface{}) (interface{}, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}

	parts := strings.Split(path, ".")
	var current interface{} = ctx

	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("invalid path: empty segment at position %d", i)
		}

		switch v := current.(type) {
		case map[string]interface{}:
			val, ok := v[part]
			if !ok {
				return nil, fmt.Errorf("path not found: %s (missing key '%s')", path, part)
			}
			current = val
		case map[string]string:
			val, ok := v[part]
			if !ok {
				return nil, fmt.Errorf("path not found: %s (missing key '%s')", path, part)
			}
			current = val
		default:
			return nil, fmt.Errorf("path not found: %s (cannot index into %T at '%s')", path, current, part)
		}
	}

	return current, nil
}

// valueToLiteral converts a Go value to an expr-lang literal string.
// - Strings are quoted and escaped
// - Numbers are rendered as-is
// - Booleans are rendered as true/false
// - nil becomes nil
// - Other types use string representation (best effort)
func valueToLiteral(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case string:
		escaped := strings.ReplaceAll(v, "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		return fmt.Sprintf(`"%s"`, escaped)
	default:
		// For arrays, maps, and other types, convert to string and quote.
		// This is a fallback - most cases should be primitives.
		str := fmt.Sprintf("%v", v)
		escaped := strings.ReplaceAll(str, "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		return fmt.Sprintf(`"%s"`, escaped)
	}
}
