package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolate(t *testing.T) {
	ctx := map[string]interface{}{
		"runner": map[string]interface{}{
			"temp": "/tmp/upkeep-run-1",
		},
		"env": map[string]string{
			"REPO_COPY": "/tmp/upkeep-run-1/codebrowser/ClickHouse",
		},
		"inputs": map[string]interface{}{
			"ref":   "master",
			"depth": 1,
		},
	}

	tests := []struct {
		name    string
		tmpl    string
		want    string
		wantErr bool
	}{
		{
			name: "single reference",
			tmpl: "{{ runner.temp }}/codebrowser",
			want: "/tmp/upkeep-run-1/codebrowser",
		},
		{
			name: "reference into string map",
			tmpl: "{{ env.REPO_COPY }}",
			want: "/tmp/upkeep-run-1/codebrowser/ClickHouse",
		},
		{
			name: "multiple references",
			tmpl: "{{ inputs.ref }}@{{ inputs.depth }}",
			want: "master@1",
		},
		{
			name: "no references passes through",
			tmpl: "plain string",
			want: "plain string",
		},
		{
			name: "leading dot tolerated",
			tmpl: "{{ .inputs.ref }}",
			want: "master",
		},
		{
			name:    "missing path errors",
			tmpl:    "{{ env.MISSING }}",
			wantErr: true,
		},
		{
			name:    "cannot index into scalar",
			tmpl:    "{{ inputs.ref.deeper }}",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Interpolate(tt.tmpl, ctx)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPreprocessTemplate(t *testing.T) {
	ctx := map[string]interface{}{
		"steps": map[string]interface{}{
			"fetch": map[string]interface{}{
				"outcome": "success",
				"retries": 2,
				"clean":   true,
			},
		},
	}

	tests := []struct {
		name string
		expr string
		want string
	}{
		{
			name: "string becomes quoted literal",
			expr: `{{ steps.fetch.outcome }} == "success"`,
			want: `"success" == "success"`,
		},
		{
			name: "int stays bare",
			expr: `{{ steps.fetch.retries }} > 1`,
			want: `2 > 1`,
		},
		{
			name: "bool stays bare",
			expr: `{{ steps.fetch.clean }}`,
			want: `true`,
		},
		{
			name: "untouched expression passes through",
			expr: `always()`,
			want: `always()`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PreprocessTemplate(tt.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValueToLiteral_Escaping(t *testing.T) {
	got := valueToLiteral(`path "with" \quotes`)
	assert.Equal(t, `"path \"with\" \\quotes"`, got)
}
