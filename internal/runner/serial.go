package runner

import (
	"context"

	"github.com/vk/workgrid/internal/closure"
)

// SerialRunner executes every closure right away on the calling goroutine.
// Mainly useful for debugging workflows without any concurrency.
type SerialRunner struct{}

// NewSerialRunner creates a SerialRunner.
func NewSerialRunner() *SerialRunner { return &SerialRunner{} }

// Run implements Runner. Embedded futures in the arguments are resolved
// first, blocking if needed.
func (r *SerialRunner) Run(ctx context.Context, cl *closure.Closure) (any, error) {
	resolved, err := cl.Materialize(ctx)
	if err != nil {
		return nil, err
	}
	return resolved.Call(ctx)
}

// Shutdown implements Runner. Serial execution leaves nothing in flight.
func (r *SerialRunner) Shutdown(ctx context.Context) error { return nil }
