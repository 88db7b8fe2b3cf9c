// Package runner executes closures against a pluggable backend capability:
// immediately on the calling goroutine (SerialRunner), as a structural check
// without computation (DryRunner), or on a bounded worker pool with
// dependency-aware scheduling (PoolRunner).
package runner

import (
	"context"

	"github.com/vk/workgrid/internal/closure"
)

// Runner executes closures. The return value of Run is either the concrete
// result of the call or, for future-based runners, a tree in which every
// leaf described by the task's result spec is a *future.Future. Downstream
// closures may embed those futures directly in their own arguments.
type Runner interface {
	Run(ctx context.Context, cl *closure.Closure) (any, error)

	// Shutdown waits until all submitted work has finished. It reports the
	// first execution failure so workflow drivers cannot exit 0 while a
	// job failed in the background.
	Shutdown(ctx context.Context) error
}
