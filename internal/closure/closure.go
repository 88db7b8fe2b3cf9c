// Package closure bundles a task with the concrete arguments of one call.
package closure

import (
	"context"
	"fmt"

	"github.com/vk/workgrid/internal/future"
	"github.com/vk/workgrid/internal/task"
	"github.com/vk/workgrid/internal/tree"
)

// Closure is an immutable description of a deferred call: a task, its
// positional and keyword arguments, and whether the call may be deferred
// until embedded futures resolve. Arguments may contain *future.Future
// values nested arbitrarily deep inside []any and map[string]any containers.
//
// A closure is created by caller code and consumed exactly once by a runner.
type Closure struct {
	Task   task.Task
	Args   []any
	Kwargs map[string]any

	// Schedule allows the runner to register the call in the dependency
	// graph and return a pending future instead of blocking on unresolved
	// arguments.
	Schedule bool
}

// New copies the argument trees and returns a closure over them. Containers
// are copied so later in-place changes by the caller cannot race with a
// concurrently executing runner; leaves (including futures) are shared.
func New(t task.Task, args []any, kwargs map[string]any) *Closure {
	return &Closure{
		Task:   t,
		Args:   copyTree(args),
		Kwargs: copyTreeMap(kwargs),
	}
}

// Scheduled returns a copy of the closure with the Schedule flag set.
func (c *Closure) Scheduled() *Closure {
	scheduled := *c
	scheduled.Schedule = true
	return &scheduled
}

// Describe returns the task's description of this call.
func (c *Closure) Describe() string {
	return c.Task.Describe(c.Args, c.Kwargs)
}

// Futures collects every future embedded in the argument trees, at any
// nesting depth. The scheduler registers a dependency edge for each one.
func (c *Closure) Futures() []*future.Future {
	var deps []*future.Future
	for _, root := range []any{c.Args, c.Kwargs} {
		_ = tree.Walk(root, func(_ tree.Path, leaf any) error {
			if f, ok := leaf.(*future.Future); ok {
				deps = append(deps, f)
			}
			return nil
		})
	}
	return deps
}

// Unresolved returns the embedded futures that are not yet terminal.
func (c *Closure) Unresolved() []*future.Future {
	var pending []*future.Future
	for _, dep := range c.Futures() {
		if !dep.Terminal() {
			pending = append(pending, dep)
		}
	}
	return pending
}

// Materialize returns a copy of the closure in which every embedded future
// is replaced by its value, preserving the nesting structure. The context
// bounds the wait on any future that is still pending; a failed future
// aborts materialization with its error.
func (c *Closure) Materialize(ctx context.Context) (*Closure, error) {
	resolve := func(path tree.Path, leaf any) (any, error) {
		f, ok := leaf.(*future.Future)
		if !ok {
			return leaf, nil
		}
		value, err := f.Result(ctx)
		if err != nil {
			return nil, fmt.Errorf("argument %s of %s: %w", path, c.Describe(), err)
		}
		return value, nil
	}
	args, err := tree.Transform(c.Args, resolve)
	if err != nil {
		return nil, err
	}
	kwargs, err := tree.Transform(c.Kwargs, resolve)
	if err != nil {
		return nil, err
	}
	resolved := &Closure{Task: c.Task}
	if args != nil {
		resolved.Args = args.([]any)
	}
	if kwargs != nil {
		resolved.Kwargs = kwargs.(map[string]any)
	}
	return resolved, nil
}

// RequireResolved returns an error when any embedded future is not terminal.
// Scheduled dispatch guarantees resolution before the closure reaches a
// backend, so a violation indicates a bug in the dependency graph.
func (c *Closure) RequireResolved() error {
	for _, root := range []any{c.Args, c.Kwargs} {
		err := tree.Walk(root, func(path tree.Path, leaf any) error {
			if f, ok := leaf.(*future.Future); ok && !f.Terminal() {
				return fmt.Errorf("unresolved future at argument %s of %s", path, c.Describe())
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Call validates the parameters, invokes the task and returns its result.
func (c *Closure) Call(ctx context.Context) (any, error) {
	if err := c.Task.ValidateParams(c.Args, c.Kwargs); err != nil {
		return nil, fmt.Errorf("invalid parameters for %s: %w", c.Describe(), err)
	}
	return c.Task.Call(ctx, c.Args, c.Kwargs)
}

func copyTree(root []any) []any {
	if root == nil {
		return nil
	}
	copied, _ := tree.Transform(root, func(_ tree.Path, leaf any) (any, error) {
		return leaf, nil
	})
	return copied.([]any)
}

func copyTreeMap(root map[string]any) map[string]any {
	if root == nil {
		return nil
	}
	copied, _ := tree.Transform(root, func(_ tree.Path, leaf any) (any, error) {
		return leaf, nil
	})
	return copied.(map[string]any)
}
