// Package slurm submits jobs with sbatch and polls them with scontrol.
package slurm

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/vk/workgrid/internal/backend"
	"github.com/vk/workgrid/internal/ctxlog"
)

// runCommand runs a scheduler command and returns its combined output.
// Replaced in tests.
type runCommand func(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Backend talks to the Slurm workload manager through its command-line
// tools. Handles have the form "<jobid>" or "<jobid>;<cluster>", exactly as
// printed by `sbatch --parsable`, so a handle stored on disk by one process
// is usable by the next.
type Backend struct {
	// SbatchArgs are passed to sbatch after --parsable, typically the batch
	// script name plus scheduler options.
	SbatchArgs []string

	run runCommand
}

// New creates a Slurm backend submitting with the given sbatch arguments.
func New(sbatchArgs []string) *Backend {
	return &Backend{SbatchArgs: sbatchArgs, run: execCommand}
}

// Submit implements backend.Backend by running sbatch in the job directory.
func (b *Backend) Submit(ctx context.Context, jobDir string) (string, error) {
	args := append([]string{"--parsable"}, b.SbatchArgs...)
	out, err := b.run(ctx, jobDir, "sbatch", args...)
	if err != nil {
		return "", fmt.Errorf("slurm: sbatch failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	handle := strings.TrimSpace(string(out))
	if _, _, err := splitHandle(handle); err != nil {
		return "", err
	}
	ctxlog.From(ctx).Info("Submitted batch job.", "dir", jobDir, "handle", handle)
	return handle, nil
}

var jobStatePattern = regexp.MustCompile(`JobState=([A-Z_]+)`)

// Poll implements backend.Backend by running `scontrol show job`. Command
// failures are transient unless scontrol explicitly reports the job id as
// invalid, which means the job aged out of the scheduler's records.
func (b *Backend) Poll(ctx context.Context, handle string) (backend.Status, error) {
	jobID, cluster, err := splitHandle(handle)
	if err != nil {
		return backend.StatusUnknown, err
	}

	args := []string{"show", "job", jobID}
	if cluster != "" {
		args = append(args, "--clusters="+cluster)
	}
	out, err := b.run(ctx, "", "scontrol", args...)
	text := string(out)
	if err != nil {
		if strings.Contains(text, "Invalid job id specified") {
			return backend.StatusUnknown, nil
		}
		return backend.StatusUnknown, &backend.TransientError{
			Err: fmt.Errorf("scontrol failed for job %s: %w (output: %s)", handle, err, strings.TrimSpace(text)),
		}
	}

	match := jobStatePattern.FindStringSubmatch(text)
	if match == nil {
		return backend.StatusUnknown, &backend.TransientError{
			Err: fmt.Errorf("no JobState in scontrol output for job %s", handle),
		}
	}
	return mapJobState(match[1]), nil
}

// mapJobState folds Slurm's state vocabulary onto the backend status set.
// Any state that is not a form of waiting or running is final, so the
// default maps to failed rather than keeping the watcher polling forever.
func mapJobState(state string) backend.Status {
	switch state {
	case "PENDING", "SUSPENDED", "REQUEUED", "RESIZING":
		return backend.StatusPending
	case "CONFIGURING":
		return backend.StatusConfiguring
	case "RUNNING", "COMPLETING", "STAGE_OUT", "SIGNALING":
		return backend.StatusRunning
	case "COMPLETED":
		return backend.StatusCompleted
	case "CANCELLED", "REVOKED":
		return backend.StatusCancelled
	default:
		return backend.StatusFailed
	}
}

// splitHandle separates the job id from the optional cluster name in a
// `sbatch --parsable` handle.
func splitHandle(handle string) (jobID, cluster string, err error) {
	jobID, cluster, _ = strings.Cut(handle, ";")
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || strings.ContainsFunc(jobID, func(r rune) bool { return r < '0' || r > '9' }) {
		return "", "", fmt.Errorf("slurm: malformed job handle %q", handle)
	}
	return jobID, strings.TrimSpace(cluster), nil
}
