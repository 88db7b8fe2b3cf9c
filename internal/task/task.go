// Package task defines the callable-plus-metadata contract used by every
// unit of work in a workflow.
//
// The metadata methods exist so a workflow can be wired and checked before
// anything runs: ValidateParams catches miswired arguments during a dry run,
// and ResultSpec describes the shape of the return value so runners can hand
// out placeholder futures for results that do not exist yet.
//
// A result spec is a tree of []any slices and map[string]any maps whose
// leaves are cty.Type values (see the jobspec package for the HCL syntax
// that produces them). The spec tree mirrors the shape of the value the task
// will eventually return.
package task

import "context"

// Task is a callable with enough metadata to schedule it in a workflow.
type Task interface {
	// Describe returns a short human-readable identification of a concrete
	// call, used in logs and error messages.
	Describe(args []any, kwargs map[string]any) string

	// Call performs the actual work. Arguments contain no unresolved
	// futures; the runner materializes them before dispatch.
	Call(ctx context.Context, args []any, kwargs map[string]any) (any, error)

	// ValidateParams checks the arguments for structural consistency
	// without performing the computation.
	ValidateParams(args []any, kwargs map[string]any) error

	// ResultSpec returns the spec tree describing the eventual return
	// value. A nil spec means the task returns a single opaque value.
	ResultSpec(args []any, kwargs map[string]any) (any, error)

	// Resources returns runner-specific placement hints. May be empty.
	Resources() map[string]any

	// CanResume reports whether the task's backing script can detect and
	// reattach to an already-running remote computation instead of
	// resubmitting it.
	CanResume() bool
}

// Func adapts a plain Go function into a Task. It is the lightweight option
// for in-process steps of a workflow; directory-backed job scripts live in
// the job package.
type Func struct {
	// Name identifies the function in logs.
	Name string
	// Fn is the function to execute.
	Fn func(ctx context.Context, args []any, kwargs map[string]any) (any, error)
	// Spec optionally describes the return value shape.
	Spec any
	// Validate optionally checks arguments during dry runs.
	Validate func(args []any, kwargs map[string]any) error
}

// Describe implements Task.
func (f *Func) Describe(args []any, kwargs map[string]any) string {
	if f.Name == "" {
		return "anonymous"
	}
	return f.Name
}

// Call implements Task.
func (f *Func) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return f.Fn(ctx, args, kwargs)
}

// ValidateParams implements Task.
func (f *Func) ValidateParams(args []any, kwargs map[string]any) error {
	if f.Validate == nil {
		return nil
	}
	return f.Validate(args, kwargs)
}

// ResultSpec implements Task.
func (f *Func) ResultSpec(args []any, kwargs map[string]any) (any, error) {
	return f.Spec, nil
}

// Resources implements Task.
func (f *Func) Resources() map[string]any { return nil }

// CanResume implements Task. Plain functions always restart from scratch.
func (f *Func) CanResume() bool { return false }
