package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vk/workgrid/internal/closure"
	"github.com/vk/workgrid/internal/ctxlog"
	"github.com/vk/workgrid/internal/future"
	"github.com/vk/workgrid/internal/scheduler"
	"github.com/vk/workgrid/internal/tree"
)

// PoolRunner executes closures on a bounded worker pool and integrates with
// the dependency graph.
//
// For a closure with Schedule set and unresolved futures among its
// arguments, Run registers a scheduled future and returns without blocking;
// dispatch happens later, when the dependencies resolve. In all other cases
// Run blocks on any unresolved argument and dispatches right away.
//
// The return value of Run is a promise tree: every leaf of the task's result
// spec becomes a *future.Future that yields that leaf of the eventual
// result. With a nil result spec, Run returns the dispatch future itself.
type PoolRunner struct {
	pool  *Pool
	graph *future.WaitGraph
	sched *scheduler.Scheduler

	mu      sync.Mutex
	futures []*future.Future
}

// NewPoolRunner starts a PoolRunner with the given number of workers. The
// context carries the workflow logger and bounds argument materialization.
func NewPoolRunner(ctx context.Context, workers int) *PoolRunner {
	r := &PoolRunner{
		pool:  NewPool(workers),
		graph: future.NewWaitGraph(),
	}
	r.sched = scheduler.New(ctx, r.dispatch, r.graph)
	return r
}

// Graph returns the wait graph shared by this runner and its scheduler.
func (r *PoolRunner) Graph() *future.WaitGraph { return r.graph }

// Run implements Runner.
func (r *PoolRunner) Run(ctx context.Context, cl *closure.Closure) (any, error) {
	logger := ctxlog.From(ctx)

	var work *future.Future
	if cl.Schedule && len(cl.Unresolved()) > 0 {
		deps := cl.Futures()
		logger.Debug("Scheduling closure after dependencies.", "closure", cl.Describe(), "dependencies", len(deps))
		scheduled, err := r.sched.Submit(cl, deps)
		if err != nil {
			return nil, err
		}
		work = scheduled
	} else {
		work = r.dispatch(ctx, cl)
	}

	r.mu.Lock()
	r.futures = append(r.futures, work)
	r.mu.Unlock()

	return r.promise(work, cl)
}

// dispatch materializes the closure's arguments (blocking on unresolved
// futures, if any) and hands the call to the pool. It is also the dispatch
// function of the scheduler, which only invokes it once every dependency is
// terminal.
func (r *PoolRunner) dispatch(ctx context.Context, cl *closure.Closure) *future.Future {
	work := future.New()
	resolved, err := cl.Materialize(ctx)
	if err != nil {
		_ = work.Fail(err)
		return work
	}
	ctxlog.From(ctx).Debug("Submitting closure to pool.", "closure", cl.Describe())
	r.pool.Go(func() {
		work.MarkRunning()
		value, callErr := resolved.Call(ctx)
		if callErr != nil {
			_ = work.Fail(callErr)
			return
		}
		_ = work.SetValue(value)
	})
	return work
}

// promise builds the value returned to the caller: a copy of the result spec
// tree in which each leaf is a future extracting that leaf from the dispatch
// result. Futures embedded in the actual result are passed through to
// downstream code untouched.
func (r *PoolRunner) promise(work *future.Future, cl *closure.Closure) (any, error) {
	spec, err := cl.Task.ResultSpec(cl.Args, cl.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("result spec of %s: %w", cl.Describe(), err)
	}
	if spec == nil {
		return work, nil
	}
	return tree.Transform(spec, func(path tree.Path, _ any) (any, error) {
		leafPath := path
		return r.graph.Submit([]*future.Future{work}, func(results []any) (any, error) {
			return tree.Get(results[0], leafPath)
		})
	})
}

// Shutdown implements Runner. It drains the scheduler, waits for every
// dispatched future and stops the pool. The first failure of each future is
// collected so the workflow driver sees errors from background jobs.
func (r *PoolRunner) Shutdown(ctx context.Context) error {
	ctxlog.From(ctx).Info("Shutting down the scheduler, waiting for it to drain.")
	r.sched.Shutdown()

	r.mu.Lock()
	pending := make([]*future.Future, len(r.futures))
	copy(pending, r.futures)
	r.mu.Unlock()

	var errs []error
	for _, f := range pending {
		if _, err := f.Result(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.pool.Close()
	return errors.Join(errs...)
}
