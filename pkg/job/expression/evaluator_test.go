package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusCtx(failed, cancelled bool, extra map[string]interface{}) map[string]interface{} {
	ctx := make(map[string]interface{})
	for k, v := range extra {
		ctx[k] = v
	}
	for name, fn := range StatusFuncs(failed, cancelled) {
		ctx[name] = fn
	}
	return ctx
}

func TestEvaluator_StatusFunctions(t *testing.T) {
	e := New()

	tests := []struct {
		name      string
		expr      string
		failed    bool
		cancelled bool
		want      bool
	}{
		{name: "always on healthy run", expr: `always()`, want: true},
		{name: "always on failed run", expr: `always()`, failed: true, want: true},
		{name: "always on cancelled run", expr: `always()`, cancelled: true, want: true},
		{name: "success on healthy run", expr: `success()`, want: true},
		{name: "success after failure", expr: `success()`, failed: true, want: false},
		{name: "success after cancel", expr: `success()`, cancelled: true, want: false},
		{name: "failure on healthy run", expr: `failure()`, want: false},
		{name: "failure after failure", expr: `failure()`, failed: true, want: true},
		{name: "failure after cancel", expr: `failure()`, cancelled: true, want: false},
		{name: "cancelled after cancel", expr: `cancelled()`, cancelled: true, want: true},
		{name: "combined", expr: `failure() || cancelled()`, failed: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, statusCtx(tt.failed, tt.cancelled, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_EnvAndSteps(t *testing.T) {
	e := New()
	ctx := statusCtx(false, false, map[string]interface{}{
		"env": map[string]interface{}{
			"TARGET":    "master",
			"TEMP_PATH": "/tmp/codebrowser",
		},
		"steps": map[string]interface{}{
			"fetch": map[string]interface{}{"outcome": "success"},
			"index": map[string]interface{}{"outcome": "failure"},
		},
		"inputs": map[string]interface{}{
			"refs": []interface{}{"master", "23.8"},
		},
	})

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "env equality", expr: `env.TARGET == "master"`, want: true},
		{name: "step outcome", expr: `steps.fetch.outcome == "success"`, want: true},
		{name: "step outcome negative", expr: `steps.index.outcome == "success"`, want: false},
		{name: "in operator", expr: `"master" in inputs.refs`, want: true},
		{name: "has function", expr: `has(inputs.refs, "23.8")`, want: true},
		{name: "includes alias", expr: `includes(inputs.refs, "22.3")`, want: false},
		{name: "length function", expr: `length(inputs.refs) == 2`, want: true},
		{name: "combined with status", expr: `success() && env.TARGET == "master"`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_EmptyExpression(t *testing.T) {
	e := New()
	got, err := e.Evaluate("", nil)
	require.NoError(t, err)
	assert.True(t, got, "empty expression should default to true")
}

func TestEvaluator_NonBooleanResult(t *testing.T) {
	e := New()
	_, err := e.Evaluate(`1 + 1`, statusCtx(false, false, nil))
	require.Error(t, err)
}

func TestEvaluator_InvalidSyntax(t *testing.T) {
	e := New()
	_, err := e.Evaluate(`success( &&`, statusCtx(false, false, nil))
	require.Error(t, err)
}

func TestEvaluator_UndefinedVariable(t *testing.T) {
	// AllowUndefinedVariables means missing identifiers evaluate to nil,
	// and nil == "x" is false rather than an error.
	e := New()
	got, err := e.Evaluate(`env == nil`, statusCtx(false, false, nil))
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluator_Cache(t *testing.T) {
	e := New()
	ctx := statusCtx(false, false, nil)

	_, err := e.Evaluate(`always()`, ctx)
	require.NoError(t, err)
	_, err = e.Evaluate(`always()`, ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, e.CacheSize(), "identical expressions should compile once")

	e.ClearCache()
	assert.Equal(t, 0, e.CacheSize())
}
