package future

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDependencyCycle is returned by WaitGraph.Submit when registering the
// requested wait future would close a cycle in the dependency graph.
var ErrDependencyCycle = errors.New("dependency cycle detected")

// Digest aggregates the values of completed dependencies into the value of a
// wait future. It runs on the goroutine that completed the last dependency.
// Results are ordered like the dependency slice passed to Submit.
type Digest func(results []any) (any, error)

// WaitGraph tracks which futures wait on which other futures.
//
// The directed acyclic graph of unfinished wait futures and their
// dependencies is represented by two maps guarded by a single mutex. Graph
// operations are cheap reference bookkeeping, so coarse locking is
// deliberate. Finished futures are removed immediately to keep memory
// bounded over long workflows.
type WaitGraph struct {
	mu sync.Mutex
	// before maps a wait future to its unfinished dependencies.
	before map[*Future]map[*Future]struct{}
	// after maps a dependency to the wait futures waiting on it.
	after map[*Future]map[*Future]struct{}
	// digests holds the aggregation spec of each unfinished wait future.
	digests map[*Future]*waitSpec
}

type waitSpec struct {
	deps   []*Future
	digest Digest
}

// NewWaitGraph creates an empty WaitGraph.
func NewWaitGraph() *WaitGraph {
	return &WaitGraph{
		before:  make(map[*Future]map[*Future]struct{}),
		after:   make(map[*Future]map[*Future]struct{}),
		digests: make(map[*Future]*waitSpec),
	}
}

// Submit registers a new wait future that completes once every dependency
// reaches Done. It never blocks. When digest is nil the wait future's value
// is nil; otherwise it is the digest of the dependency values. A dependency
// reaching Failed fails the wait future with the same error, without calling
// the digest.
//
// Dependencies that are already terminal are accounted for immediately, so a
// Submit with only finished dependencies returns an already-completed future.
func (g *WaitGraph) Submit(deps []*Future, digest Digest) (*Future, error) {
	wait := New()
	spec := &waitSpec{deps: deps, digest: digest}

	g.mu.Lock()
	if err := g.checkAcyclic(wait, deps); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	pending := make(map[*Future]struct{})
	for _, dep := range deps {
		if dep.Terminal() {
			continue
		}
		pending[dep] = struct{}{}
	}
	if len(pending) > 0 {
		g.before[wait] = pending
		g.digests[wait] = spec
		for dep := range pending {
			waiters, ok := g.after[dep]
			if !ok {
				waiters = make(map[*Future]struct{})
				g.after[dep] = waiters
			}
			waiters[wait] = struct{}{}
		}
	}
	g.mu.Unlock()

	if len(pending) == 0 {
		settle(wait, spec)
		return wait, nil
	}

	for dep := range pending {
		dep.OnDone(g.handleDepDone)
	}
	return wait, nil
}

// checkAcyclic rejects registrations that would close a cycle. A fresh wait
// future cannot be depended on yet, so the only reachable violations are a
// dependency listing the wait future itself, or dependencies whose pending
// transitive dependencies include the wait future. Both are walked here with
// a depth-first search over the before map. Callers hold g.mu.
func (g *WaitGraph) checkAcyclic(wait *Future, deps []*Future) error {
	seen := make(map[*Future]struct{})
	var visit func(f *Future) error
	visit = func(f *Future) error {
		if f == wait {
			return fmt.Errorf("%w: future %s transitively depends on itself", ErrDependencyCycle, wait.ID())
		}
		if _, ok := seen[f]; ok {
			return nil
		}
		seen[f] = struct{}{}
		for dep := range g.before[f] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range deps {
		if err := visit(dep); err != nil {
			return err
		}
	}
	return nil
}

// handleDepDone is registered as the completion callback of every pending
// dependency. It settles the wait futures whose last dependency finished.
func (g *WaitGraph) handleDepDone(dep *Future) {
	g.mu.Lock()
	var ready []*Future
	// The callback may fire once per Submit referencing the same dependency,
	// so a missing entry is normal and must not be treated as an error.
	for wait := range g.after[dep] {
		pending := g.before[wait]
		delete(pending, dep)
		if len(pending) == 0 {
			delete(g.before, wait)
			ready = append(ready, wait)
		}
	}
	delete(g.after, dep)
	specs := make([]*waitSpec, len(ready))
	for i, wait := range ready {
		specs[i] = g.digests[wait]
		delete(g.digests, wait)
	}
	g.mu.Unlock()

	for i, wait := range ready {
		settle(wait, specs[i])
	}
}

// settle completes a wait future whose dependencies are all terminal.
func settle(wait *Future, spec *waitSpec) {
	results := make([]any, len(spec.deps))
	for i, dep := range spec.deps {
		value, err, _ := dep.Peek()
		if err != nil {
			// The first failed dependency propagates; dependents never run.
			_ = wait.Fail(err)
			return
		}
		results[i] = value
	}
	if spec.digest == nil {
		_ = wait.SetValue(nil)
		return
	}
	value, err := spec.digest(results)
	if err != nil {
		_ = wait.Fail(err)
		return
	}
	_ = wait.SetValue(value)
}
