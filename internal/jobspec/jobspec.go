// Package jobspec loads the metadata of a job template from its
// `jobinfo.hcl` manifest.
//
// A manifest declares the typed inputs a job script reads from kwargs.json,
// the typed outputs it writes to result.json, whether the script can resume
// an already-running remote computation, and free-form resource hints:
//
//	can_resume = true
//
//	resources {
//	  partition = "gpu"
//	  walltime  = "02:00:00"
//	}
//
//	input "temperatures" {
//	  type    = list(number)
//	  default = [300, 350]
//	}
//
//	output "energy" {
//	  type = number
//	}
//
// Types use the expression syntax of the type constructors: string, number,
// bool, any, list(...), map(...), set(...) and object({...}).
package jobspec

import (
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// Input declares one keyword argument of a job.
type Input struct {
	Name string
	Type cty.Type
	// Default is the native Go default value; HasDefault distinguishes an
	// explicit null default from no default at all.
	Default    any
	HasDefault bool
}

// Output declares one field of the job's result.
type Output struct {
	Name string
	Type cty.Type
}

// Spec is the parsed jobinfo manifest of a job template.
type Spec struct {
	CanResume bool
	Resources map[string]any
	Inputs    []*Input
	Outputs   []*Output
}

// manifest mirrors the raw HCL structure before type expressions are parsed.
type manifest struct {
	CanResume *bool          `hcl:"can_resume,optional"`
	Resources *resourceBlock `hcl:"resources,block"`
	Inputs    []inputBlock   `hcl:"input,block"`
	Outputs   []outputBlock  `hcl:"output,block"`
}

type resourceBlock struct {
	Body hcl.Body `hcl:",remain"`
}

type inputBlock struct {
	Name    string         `hcl:"name,label"`
	Type    hcl.Expression `hcl:"type"`
	Default hcl.Expression `hcl:"default,optional"`
}

type outputBlock struct {
	Name string         `hcl:"name,label"`
	Type hcl.Expression `hcl:"type"`
}

// Load reads and parses a jobinfo manifest from disk.
func Load(path string) (*Spec, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobspec: %w", err)
	}
	return Parse(path, src)
}

// Parse parses manifest source. The filename is only used in diagnostics.
func Parse(filename string, src []byte) (*Spec, error) {
	file, diags := hclsyntax.ParseConfig(src, filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("jobspec: failed to parse %s: %w", filename, diags)
	}

	var raw manifest
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("jobspec: failed to decode %s: %w", filename, diags)
	}

	spec := &Spec{}
	if raw.CanResume != nil {
		spec.CanResume = *raw.CanResume
	}

	if raw.Resources != nil {
		resources, err := decodeResources(raw.Resources.Body)
		if err != nil {
			return nil, fmt.Errorf("jobspec: %s: %w", filename, err)
		}
		spec.Resources = resources
	}

	seen := make(map[string]bool)
	for _, block := range raw.Inputs {
		if seen[block.Name] {
			return nil, fmt.Errorf("jobspec: %s: duplicate input %q", filename, block.Name)
		}
		seen[block.Name] = true

		ty, err := TypeExpr(block.Type)
		if err != nil {
			return nil, fmt.Errorf("jobspec: %s: input %q: %w", filename, block.Name, err)
		}
		input := &Input{Name: block.Name, Type: ty}
		if block.Default != nil {
			value, diags := block.Default.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("jobspec: %s: input %q default: %w", filename, block.Name, diags)
			}
			// gohcl leaves an absent optional attribute as a null literal.
			if !value.IsNull() {
				native, err := FromCty(value)
				if err != nil {
					return nil, fmt.Errorf("jobspec: %s: input %q default: %w", filename, block.Name, err)
				}
				input.Default = native
				input.HasDefault = true
			}
		}
		spec.Inputs = append(spec.Inputs, input)
	}

	seen = make(map[string]bool)
	for _, block := range raw.Outputs {
		if seen[block.Name] {
			return nil, fmt.Errorf("jobspec: %s: duplicate output %q", filename, block.Name)
		}
		seen[block.Name] = true

		ty, err := TypeExpr(block.Type)
		if err != nil {
			return nil, fmt.Errorf("jobspec: %s: output %q: %w", filename, block.Name, err)
		}
		spec.Outputs = append(spec.Outputs, &Output{Name: block.Name, Type: ty})
	}

	return spec, nil
}

// decodeResources evaluates every attribute of the resources block into a
// native Go value. Resource hints are free-form; runners interpret them.
func decodeResources(body hcl.Body) (map[string]any, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("resources: %w", diags)
	}
	resources := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		value, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("resources: %s: %w", name, diags)
		}
		native, err := FromCty(value)
		if err != nil {
			return nil, fmt.Errorf("resources: %s: %w", name, err)
		}
		resources[name] = native
	}
	return resources, nil
}

// Defaults returns the declared default for every input that has one.
func (s *Spec) Defaults() map[string]any {
	defaults := make(map[string]any)
	for _, input := range s.Inputs {
		if input.HasDefault {
			defaults[input.Name] = input.Default
		}
	}
	return defaults
}

// ValidateKwargs checks that every declared input is present and conforms to
// its type, and that no undeclared keyword arguments were passed.
func (s *Spec) ValidateKwargs(kwargs map[string]any) error {
	declared := make(map[string]*Input, len(s.Inputs))
	for _, input := range s.Inputs {
		declared[input.Name] = input
	}

	var names []string
	for name := range kwargs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		input, ok := declared[name]
		if !ok {
			return fmt.Errorf("undeclared keyword argument %q", name)
		}
		if err := Conforms(kwargs[name], input.Type); err != nil {
			return fmt.Errorf("keyword argument %q: %w", name, err)
		}
	}

	for _, input := range s.Inputs {
		if _, ok := kwargs[input.Name]; !ok && !input.HasDefault {
			return fmt.Errorf("missing required keyword argument %q", input.Name)
		}
	}
	return nil
}

// ResultSpec returns the result spec tree of the manifest: a map from output
// name to its cty.Type, in the shape expected by task.Task.ResultSpec. A
// manifest without outputs yields nil (opaque single result).
func (s *Spec) ResultSpec() any {
	if len(s.Outputs) == 0 {
		return nil
	}
	spec := make(map[string]any, len(s.Outputs))
	for _, output := range s.Outputs {
		spec[output.Name] = output.Type
	}
	return spec
}
