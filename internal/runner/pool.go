package runner

import "sync"

// Pool is a bounded pool of worker goroutines executing submitted functions.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// NewPool starts a pool with the given number of workers. A non-positive
// count panics: a zero-width pool would silently never run anything.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		panic("runner: pool requires at least one worker")
	}
	p := &Pool{tasks: make(chan func())}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.tasks {
		fn()
	}
}

// Go submits a function for execution, blocking while all workers are busy.
func (p *Pool) Go(fn func()) {
	p.tasks <- fn
}

// Close stops accepting work and waits for running functions to return.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
