package compiler_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"stratagem/runtime/compiler"
)

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "kinase", "kinase"},
		{"true", true, "true"},
		{"false", false, "false"},
		{"int", 42, "42"},
		{"float whole", float64(3), "3"},
		{"float fractional", 2.5, "2.5"},
		{"json number", json.Number("10000"), "10000"},
		{"list", []any{"a", "b"}, `["a","b"]`},
		{"object", map[string]any{"min": float64(5)}, `{"min":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, compiler.NormalizeValue(tt.in))
		})
	}
}

func TestNormalizeParameters(t *testing.T) {
	got := compiler.NormalizeParameters(map[string]any{
		"organism":        []any{"P. falciparum", "P. vivax"},
		"text_expression": "kinase",
		"min_score":       float64(20),
		"include_subs":    true,
		"note":            nil,
	})
	require.Equal(t, map[string]string{
		"organism":        `["P. falciparum","P. vivax"]`,
		"text_expression": "kinase",
		"min_score":       "20",
		"include_subs":    "true",
		"note":            "",
	}, got)

	require.NotNil(t, compiler.NormalizeParameters(nil))
	require.Empty(t, compiler.NormalizeParameters(nil))
}
