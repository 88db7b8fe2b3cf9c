// Package future provides a placeholder for values that are not yet
// available, plus a WaitGraph for tracking dependencies between them.
//
// A Future is written exactly once: the component that owns the computation
// transitions it out of Pending, and any number of readers may await it.
package future

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Future.
type State int32

const (
	// Pending indicates the value has not been computed yet.
	Pending State = iota
	// Running indicates the owning computation has been dispatched.
	Running
	// Done indicates the value is available.
	Done
	// Failed indicates the computation ended with an error.
	Failed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// Future is a placeholder for a value produced asynchronously.
//
// The zero value is not usable; create instances with New.
type Future struct {
	id    string
	state atomic.Int32

	mu        sync.Mutex
	value     any
	err       error
	done      chan struct{}
	callbacks []func(*Future)
}

// New creates a fresh Future in the Pending state.
func New() *Future {
	f := &Future{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
	f.state.Store(int32(Pending))
	return f
}

// ID returns the unique identifier of this future.
func (f *Future) ID() string {
	return f.id
}

// State returns the current state.
func (f *Future) State() State {
	return State(f.state.Load())
}

// Terminal reports whether the future reached Done or Failed.
func (f *Future) Terminal() bool {
	return f.State().Terminal()
}

// MarkRunning transitions the future from Pending to Running. It is a no-op
// when the future is already Running or terminal, so the owning dispatcher
// may call it without checking first.
func (f *Future) MarkRunning() {
	f.state.CompareAndSwap(int32(Pending), int32(Running))
}

// SetValue completes the future with a value. Completing an already terminal
// future is a programming error and is rejected.
func (f *Future) SetValue(value any) error {
	return f.complete(value, nil)
}

// Fail completes the future with an error.
func (f *Future) Fail(err error) error {
	if err == nil {
		return fmt.Errorf("future %s: Fail called with nil error", f.id)
	}
	return f.complete(nil, err)
}

func (f *Future) complete(value any, err error) error {
	f.mu.Lock()
	if f.State().Terminal() {
		f.mu.Unlock()
		return fmt.Errorf("future %s: already %s, result may not be overwritten", f.id, f.State())
	}
	f.value = value
	f.err = err
	if err == nil {
		f.state.Store(int32(Done))
	} else {
		f.state.Store(int32(Failed))
	}
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	// Callbacks run on the completing goroutine, outside the lock, in
	// registration order.
	for _, callback := range callbacks {
		callback(f)
	}
	return nil
}

// OnDone registers a callback invoked when the future completes. If the
// future is already terminal, the callback runs immediately on the calling
// goroutine.
func (f *Future) OnDone(callback func(*Future)) {
	f.mu.Lock()
	if !f.State().Terminal() {
		f.callbacks = append(f.callbacks, callback)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	callback(f)
}

// Result blocks until the future is terminal and returns its value or error.
// The context only bounds the wait; cancelling it does not affect the
// underlying computation.
func (f *Future) Result(ctx context.Context) (any, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Peek returns the value and error without blocking. The boolean reports
// whether the future is terminal; when false, value and error are nil.
func (f *Future) Peek() (value any, err error, terminal bool) {
	if !f.State().Terminal() {
		return nil, nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, true
}
