package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractIgnoresMalformed(t *testing.T) {
	names := Extract("Do {{x}} then {{123x}} and {{}} and {{y}} again {{x}}")
	assert.Equal(t, []string{"x", "y"}, names)
}

func TestSubstituteLeavesUnknownTokensIntact(t *testing.T) {
	out := Substitute("Do {{x}} for {{y}}", map[string]string{"x": "a"})
	assert.Equal(t, "Do a for {{y}}", out)
}

func TestValidateReportsMissing(t *testing.T) {
	result := Validate("Do {{x}} for {{y}}", map[string]string{"x": "a", "extra": "z"})
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"y"}, result.Missing)
}

func TestValidateAllowsExtraVariables(t *testing.T) {
	result := Validate("Do {{x}}", map[string]string{"x": "a", "unused": "z"})
	assert.True(t, result.Valid)
	assert.Empty(t, result.Missing)
}

func TestRoundTripNoResidualTokens(t *testing.T) {
	tmpl := "Build {{component}} with {{flag}}"
	vars := map[string]string{"component": "engine", "flag": "-v"}
	out := Substitute(tmpl, vars)
	for _, name := range Extract(tmpl) {
		if _, ok := vars[name]; ok {
			assert.NotContains(t, out, "{{"+name+"}}")
		}
	}
}
