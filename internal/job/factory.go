package job

import (
	"sync"

	"github.com/vk/workgrid/internal/closure"
)

// Factory creates job closures, loading and caching one Job per template so
// a workflow submitting hundreds of instances of the same template parses
// its manifest once.
type Factory struct {
	// Script and Env apply to every job created by this factory.
	Script string
	Env    map[string]string
	// Clerk selects where the scripts run, shared by every job. Nil runs
	// them in their job directories.
	Clerk Clerk

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewFactory creates a Factory. An empty script name defaults to "run".
func NewFactory(script string, env map[string]string) *Factory {
	return &Factory{Script: script, Env: env, jobs: make(map[string]*Job)}
}

// Job returns the cached Job for a template, loading it on first use.
func (f *Factory) Job(template string) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[template]; ok {
		return j, nil
	}
	j, err := FromTemplate(template, f.Script, f.Env)
	if err != nil {
		return nil, err
	}
	j.Clerk = f.Clerk
	f.jobs[template] = j
	return j, nil
}

// Closure builds a schedulable closure running the template's script in
// jobDir with the given keyword arguments. Kwargs may contain futures; the
// runner defers dispatch until they resolve.
func (f *Factory) Closure(template, jobDir string, kwargs map[string]any) (*closure.Closure, error) {
	j, err := f.Job(template)
	if err != nil {
		return nil, err
	}
	return closure.New(j, []any{jobDir}, kwargs).Scheduled(), nil
}
