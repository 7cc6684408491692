package expression

import (
	"fmt"
	"reflect"
	"strings"
)

// StatusFuncs returns the CI-style status functions for a run in the given
// state. The executor merges these into the evaluation context before each
// step's condition is evaluated, so the functions reflect the run's state at
// that point:
//
//   - always() is true unconditionally (cleanup steps)
//   - success() is true while no earlier step has failed the run
//   - failure() is true once an earlier step has failed the run
//   - cancelled() is true once the run has been cancelled
//
// A cancelled run reports neither success() nor failure().
func StatusFuncs(failed, cancelled bool) map[string]interface{} {
	return map[string]interface{}{
		"always": func() bool {
			return true
		},
		"success": func() bool {
			return !failed && !cancelled
		},
		"failure": func() bool {
			return failed && !cancelled
		},
		"cancelled": func() bool {
			return cancelled
		},
	}
}

// containsFunc checks if a collection contains an element.
// Usage: has(env.TARGETS, "master")
//
// Supports slices of any type and performs deep equality comparison.
// Maps check key presence; strings check substring containment.
func containsFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}

	collection := args[0]
	target := args[1]

	if collection == nil {
		return false, nil
	}

	v := reflect.ValueOf(collection)

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i).Interface()
			if reflect.DeepEqual(elem, target) {
				return true, nil
			}
		}
		return false, nil

	case reflect.Map:
		mapVal := v.MapIndex(reflect.ValueOf(target))
		return mapVal.IsValid(), nil

	case reflect.String:
		str, ok := collection.(string)
		if !ok {
			return false, nil
		}
		substr, ok := target.(string)
		if !ok {
			return false, nil
		}
		return len(str) > 0 && len(substr) > 0 && strings.Contains(str, substr), nil

	default:
		return false, nil
	}
}

// lenFunc returns the length of a collection or string.
// Usage: length(inputs.items) > 0
func lenFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length requires exactly 1 argument, got %d", len(args))
	}

	if args[0] == nil {
		return 0, nil
	}

	v := reflect.ValueOf(args[0])

	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len(), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", args[0])
	}
}
