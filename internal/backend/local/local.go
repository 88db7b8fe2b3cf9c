// Package local runs jobs as child processes of the current program. It is
// the backend used by tests and by workflows that do not need a cluster.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/vk/workgrid/internal/backend"
	"github.com/vk/workgrid/internal/ctxlog"
)

// Backend starts the executable script of each job directory as a
// subprocess and tracks its completion in memory. Handles are only valid
// within the process that issued them; polling a handle from a previous
// run reports StatusUnknown, mirroring a cluster scheduler that has
// forgotten an old job.
type Backend struct {
	// Script is the name of the executable inside the job directory.
	// Defaults to "run".
	Script string

	mu    sync.Mutex
	procs map[string]*proc
}

type proc struct {
	done   chan struct{}
	status backend.Status
}

// New creates a local backend running the given script in each job
// directory.
func New(script string) *Backend {
	if script == "" {
		script = "run"
	}
	return &Backend{Script: script, procs: make(map[string]*proc)}
}

// Submit implements backend.Backend. The script runs with the job directory
// as its working directory; stdout and stderr are captured next to it as
// <script>.out and <script>.err.
func (b *Backend) Submit(ctx context.Context, jobDir string) (string, error) {
	script := filepath.Join(jobDir, b.Script)
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("local: no script %s: %w", script, err)
	}

	stdout, err := os.Create(filepath.Join(jobDir, b.Script+".out"))
	if err != nil {
		return "", fmt.Errorf("local: %w", err)
	}
	stderr, err := os.Create(filepath.Join(jobDir, b.Script+".err"))
	if err != nil {
		stdout.Close()
		return "", fmt.Errorf("local: %w", err)
	}

	cmd := exec.Command("./" + b.Script)
	cmd.Dir = jobDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", fmt.Errorf("local: starting %s: %w", script, err)
	}

	handle := uuid.NewString()
	p := &proc{done: make(chan struct{}), status: backend.StatusRunning}
	b.mu.Lock()
	b.procs[handle] = p
	b.mu.Unlock()

	logger := ctxlog.From(ctx)
	logger.Debug("Started local job.", "dir", jobDir, "handle", handle, "pid", cmd.Process.Pid)

	go func() {
		waitErr := cmd.Wait()
		stdout.Close()
		stderr.Close()

		b.mu.Lock()
		if waitErr != nil {
			p.status = backend.StatusFailed
		} else {
			p.status = backend.StatusCompleted
		}
		b.mu.Unlock()
		close(p.done)

		logger.Debug("Local job finished.", "dir", jobDir, "handle", handle, "status", p.status)
	}()

	return handle, nil
}

// Poll implements backend.Backend.
func (b *Backend) Poll(_ context.Context, handle string) (backend.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs[handle]
	if !ok {
		return backend.StatusUnknown, nil
	}
	return p.status, nil
}

// Wait blocks until the job behind handle finishes and returns its final
// status. Unknown handles return immediately.
func (b *Backend) Wait(ctx context.Context, handle string) (backend.Status, error) {
	b.mu.Lock()
	p, ok := b.procs[handle]
	b.mu.Unlock()
	if !ok {
		return backend.StatusUnknown, nil
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return backend.StatusRunning, ctx.Err()
	}
	return b.Poll(ctx, handle)
}
