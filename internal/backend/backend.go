// Package backend defines the boundary between the watcher and the systems
// that actually run cluster jobs. A backend submits the job of a prepared
// job directory and answers status queries about it; everything else
// (journaling, polling cadence, caching) lives in the watcher.
package backend

import (
	"context"
	"fmt"
)

// Status is the life-cycle state of a submitted job as reported by a
// backend. The set is deliberately small; backends map their scheduler's
// richer vocabulary onto it.
type Status string

const (
	// StatusPending means the job is queued and waiting for resources.
	StatusPending Status = "pending"
	// StatusConfiguring means resources were allocated and the job is
	// being set up.
	StatusConfiguring Status = "configuring"
	// StatusRunning means the job is executing.
	StatusRunning Status = "running"
	// StatusCompleted means the job finished with a zero exit status.
	StatusCompleted Status = "completed"
	// StatusFailed means the job finished unsuccessfully, including
	// timeouts, node failures and out-of-memory kills.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled before completion.
	StatusCancelled Status = "cancelled"
	// StatusUnknown means the scheduler no longer knows the job. Records
	// age out of scheduler databases, so an unknown job is treated as
	// finished; whether it succeeded is decided from its output files.
	StatusUnknown Status = "unknown"
)

// Terminal reports whether no further status change can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusUnknown:
		return true
	default:
		return false
	}
}

// Backend submits jobs and reports their status.
//
// Submit starts the job described by the given job directory and returns an
// opaque handle that identifies it in later Poll calls. Poll must be safe to
// call from multiple goroutines and may be called with handles recovered
// from a previous process.
type Backend interface {
	Submit(ctx context.Context, jobDir string) (handle string, err error)
	Poll(ctx context.Context, handle string) (Status, error)
}

// TransientError marks a status query failure that is expected to heal on
// its own, such as a scheduler command timing out under load. Callers retry
// on it instead of giving up.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient backend failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
