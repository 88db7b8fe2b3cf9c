package jobspec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const sampleManifest = `
can_resume = true

resources {
  partition = "gpu"
  nodes     = 2
}

input "temperatures" {
  type    = list(number)
  default = [300, 350]
}

input "molecule" {
  type = string
}

output "energy" {
  type = number
}

output "trajectory" {
  type = list(object({ step = number, coords = list(number) }))
}
`

func TestParse(t *testing.T) {
	spec, err := Parse("jobinfo.hcl", []byte(sampleManifest))
	require.NoError(t, err)

	assert.True(t, spec.CanResume)
	assert.Equal(t, map[string]any{"partition": "gpu", "nodes": 2.0}, spec.Resources)

	require.Len(t, spec.Inputs, 2)
	temps := spec.Inputs[0]
	assert.Equal(t, "temperatures", temps.Name)
	assert.Equal(t, cty.List(cty.Number), temps.Type)
	require.True(t, temps.HasDefault)
	assert.Equal(t, []any{300.0, 350.0}, temps.Default)

	molecule := spec.Inputs[1]
	assert.Equal(t, "molecule", molecule.Name)
	assert.Equal(t, cty.String, molecule.Type)
	assert.False(t, molecule.HasDefault)

	require.Len(t, spec.Outputs, 2)
	assert.Equal(t, "energy", spec.Outputs[0].Name)
	assert.Equal(t, cty.Number, spec.Outputs[0].Type)
}

func TestParseEmptyManifest(t *testing.T) {
	spec, err := Parse("jobinfo.hcl", []byte(""))
	require.NoError(t, err)
	assert.False(t, spec.CanResume)
	assert.Empty(t, spec.Inputs)
	assert.Empty(t, spec.Outputs)
	assert.Nil(t, spec.ResultSpec())
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"syntax error", `input "x" {`},
		{"unknown type keyword", `input "x" { type = integer }`},
		{"unknown constructor", `input "x" { type = vector(number) }`},
		{"duplicate input", "input \"x\" { type = string }\ninput \"x\" { type = string }"},
		{"duplicate output", "output \"x\" { type = string }\noutput \"x\" { type = string }"},
		{"missing type", `input "x" {}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse("jobinfo.hcl", []byte(tc.src))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobinfo.hcl")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	spec, err := Load(path)
	require.NoError(t, err)
	assert.True(t, spec.CanResume)

	_, err = Load(filepath.Join(dir, "absent.hcl"))
	assert.Error(t, err)
}

func TestTypeExpr(t *testing.T) {
	parse := func(t *testing.T, src string) cty.Type {
		t.Helper()
		spec, err := Parse("jobinfo.hcl", []byte(`input "x" { type = `+src+` }`))
		require.NoError(t, err)
		return spec.Inputs[0].Type
	}

	assert.Equal(t, cty.String, parse(t, "string"))
	assert.Equal(t, cty.Number, parse(t, "number"))
	assert.Equal(t, cty.Bool, parse(t, "bool"))
	assert.Equal(t, cty.DynamicPseudoType, parse(t, "any"))
	assert.Equal(t, cty.Set(cty.String), parse(t, "set(string)"))
	assert.Equal(t, cty.Map(cty.Number), parse(t, "map(number)"))
	assert.Equal(t,
		cty.Object(map[string]cty.Type{"a": cty.String, "b": cty.List(cty.Bool)}),
		parse(t, "object({ a = string, b = list(bool) })"))
}

func TestDefaults(t *testing.T) {
	spec, err := Parse("jobinfo.hcl", []byte(sampleManifest))
	require.NoError(t, err)

	defaults := spec.Defaults()
	assert.Equal(t, map[string]any{"temperatures": []any{300.0, 350.0}}, defaults)
}

func TestValidateKwargs(t *testing.T) {
	spec, err := Parse("jobinfo.hcl", []byte(sampleManifest))
	require.NoError(t, err)

	t.Run("accepts conforming kwargs", func(t *testing.T) {
		err := spec.ValidateKwargs(map[string]any{
			"molecule":     "water",
			"temperatures": []any{250.0},
		})
		assert.NoError(t, err)
	})

	t.Run("defaulted input may be omitted", func(t *testing.T) {
		err := spec.ValidateKwargs(map[string]any{"molecule": "water"})
		assert.NoError(t, err)
	})

	t.Run("missing required input", func(t *testing.T) {
		err := spec.ValidateKwargs(map[string]any{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "molecule")
	})

	t.Run("undeclared kwarg", func(t *testing.T) {
		err := spec.ValidateKwargs(map[string]any{"molecule": "water", "typo": 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "typo")
	})

	t.Run("type mismatch", func(t *testing.T) {
		err := spec.ValidateKwargs(map[string]any{
			"molecule":     "water",
			"temperatures": []any{"hot"},
		})
		assert.Error(t, err)
	})
}

func TestResultSpec(t *testing.T) {
	spec, err := Parse("jobinfo.hcl", []byte(sampleManifest))
	require.NoError(t, err)

	result := spec.ResultSpec()
	require.IsType(t, map[string]any{}, result)
	fields := result.(map[string]any)
	assert.Equal(t, cty.Number, fields["energy"])
	assert.Contains(t, fields, "trajectory")
}

func TestConforms(t *testing.T) {
	assert.NoError(t, Conforms("water", cty.String))
	assert.NoError(t, Conforms([]any{1.0, 2.0}, cty.List(cty.Number)))
	assert.NoError(t, Conforms(map[string]any{"a": 1.0}, cty.Object(map[string]cty.Type{"a": cty.Number})))
	assert.NoError(t, Conforms(nil, cty.DynamicPseudoType))
	assert.Error(t, Conforms("water", cty.Number))
	assert.Error(t, Conforms([]any{1.0, "two"}, cty.List(cty.Number)))
}
