// Package scheduler defers dispatch of closures until their dependency
// futures have resolved.
//
// A scheduled future is registered against the set of futures embedded in a
// closure's arguments. When the last dependency completes, the closure is
// handed to the dispatch function on a dedicated submit-loop goroutine, and
// the dispatch's eventual value or error is adopted by the scheduled future.
// Submitting never blocks; all waiting happens inside the graph.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vk/workgrid/internal/closure"
	"github.com/vk/workgrid/internal/ctxlog"
	"github.com/vk/workgrid/internal/future"
)

// ErrShutdown is returned by Submit after Shutdown has been called.
var ErrShutdown = errors.New("scheduler: submit after shutdown")

// UpstreamError marks a failure inherited from a dependency. It is attached
// to every transitive dependent of a failed future, so callers can tell a
// job's own failure from one it never got to run because of.
type UpstreamError struct {
	// Dependent describes the call that was skipped.
	Dependent string
	// Err is the originating failure.
	Err error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s skipped due to upstream failure: %v", e.Dependent, e.Err)
}

// Unwrap exposes the originating failure to errors.Is and errors.As.
func (e *UpstreamError) Unwrap() error { return e.Err }

// Dispatch submits a fully-resolvable closure for execution and returns the
// future of the result. Implementations are called from the submit-loop
// goroutine only, one at a time.
type Dispatch func(ctx context.Context, cl *closure.Closure) *future.Future

// Scheduler wires wait futures to deferred closure dispatch.
type Scheduler struct {
	dispatch Dispatch
	graph    *future.WaitGraph

	mu       sync.Mutex
	shutdown bool
	inFlight sync.WaitGroup

	todo chan *entry
	done chan struct{}
}

type entry struct {
	cl        *closure.Closure
	scheduled *future.Future
}

// New creates a scheduler and starts its submit loop. The context is passed
// to every dispatch and carries the workflow logger.
func New(ctx context.Context, dispatch Dispatch, graph *future.WaitGraph) *Scheduler {
	s := &Scheduler{
		dispatch: dispatch,
		graph:    graph,
		todo:     make(chan *entry),
		done:     make(chan struct{}),
	}
	go s.submitLoop(ctx)
	return s
}

// Graph returns the wait graph the scheduler registers dependencies in.
func (s *Scheduler) Graph() *future.WaitGraph { return s.graph }

// Submit registers a closure to be dispatched once all deps are terminal and
// returns its scheduled future immediately. The deps slice must contain
// every future the closure's arguments embed; closures normally provide it
// via Closure.Futures.
func (s *Scheduler) Submit(cl *closure.Closure, deps []*future.Future) (*future.Future, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	s.inFlight.Add(1)
	s.mu.Unlock()

	wait, err := s.graph.Submit(deps, nil)
	if err != nil {
		s.inFlight.Done()
		return nil, fmt.Errorf("scheduling %s: %w", cl.Describe(), err)
	}

	scheduled := future.New()
	wait.OnDone(func(w *future.Future) {
		if _, werr, _ := w.Peek(); werr != nil {
			_ = scheduled.Fail(&UpstreamError{Dependent: cl.Describe(), Err: werr})
			s.inFlight.Done()
			return
		}
		// Hand over to the submit loop; dispatch must not run on the
		// goroutine that resolved the last dependency. The send happens on
		// a fresh goroutine because the resolver may itself be the submit
		// loop adopting a result, and blocking it there would deadlock.
		e := &entry{cl: cl, scheduled: scheduled}
		go func() { s.todo <- e }()
	})
	return scheduled, nil
}

// submitLoop serializes all dispatch calls on one goroutine.
func (s *Scheduler) submitLoop(ctx context.Context) {
	logger := ctxlog.From(ctx)
	for e := range s.todo {
		logger.Debug("Dispatching scheduled closure.", "closure", e.cl.Describe())
		work := s.dispatch(ctx, e.cl)
		scheduled := e.scheduled
		work.OnDone(func(w *future.Future) {
			value, err, _ := w.Peek()
			if err != nil {
				_ = scheduled.Fail(err)
			} else {
				_ = scheduled.SetValue(value)
			}
			s.inFlight.Done()
		})
	}
	close(s.done)
}

// Shutdown waits until every scheduled closure has been dispatched and
// adopted a result, then stops the submit loop. Further Submit calls fail
// with ErrShutdown.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.shutdown = true
	s.mu.Unlock()

	s.inFlight.Wait()
	close(s.todo)
	<-s.done
}
