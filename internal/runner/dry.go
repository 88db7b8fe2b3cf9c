package runner

import (
	"context"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/workgrid/internal/closure"
	"github.com/vk/workgrid/internal/ctxlog"
	"github.com/vk/workgrid/internal/tree"
)

// DryRunner validates that a closure's declared inputs and outputs are
// structurally consistent without performing the computation. It is used to
// catch wiring mistakes in a workflow before committing to full-scale
// execution: every step receives a placeholder result synthesized from the
// task's result spec, so downstream steps can be validated against it.
type DryRunner struct{}

// NewDryRunner creates a DryRunner.
func NewDryRunner() *DryRunner { return &DryRunner{} }

// Run implements Runner.
func (r *DryRunner) Run(ctx context.Context, cl *closure.Closure) (any, error) {
	ctxlog.From(ctx).Info("Validating closure.", "closure", cl.Describe())
	if err := cl.Task.ValidateParams(cl.Args, cl.Kwargs); err != nil {
		return nil, err
	}
	spec, err := cl.Task.ResultSpec(cl.Args, cl.Kwargs)
	if err != nil {
		return nil, err
	}
	return mockResult(spec)
}

// Shutdown implements Runner.
func (r *DryRunner) Shutdown(ctx context.Context) error { return nil }

// mockResult replaces every cty.Type leaf of a result spec by a placeholder
// value of that type. Non-type leaves (literal examples) pass through as-is.
func mockResult(spec any) (any, error) {
	if spec == nil {
		return nil, nil
	}
	return tree.Transform(spec, func(_ tree.Path, leaf any) (any, error) {
		ty, ok := leaf.(cty.Type)
		if !ok {
			return leaf, nil
		}
		return placeholder(ty), nil
	})
}

// placeholder returns a zero-ish Go value conforming to the given type.
func placeholder(ty cty.Type) any {
	switch {
	case ty == cty.String:
		return ""
	case ty == cty.Number:
		return float64(0)
	case ty == cty.Bool:
		return false
	case ty.IsListType(), ty.IsSetType(), ty.IsTupleType():
		return []any{}
	case ty.IsMapType():
		return map[string]any{}
	case ty.IsObjectType():
		obj := make(map[string]any, len(ty.AttributeTypes()))
		for name, attrType := range ty.AttributeTypes() {
			obj[name] = placeholder(attrType)
		}
		return obj
	default:
		return nil
	}
}
