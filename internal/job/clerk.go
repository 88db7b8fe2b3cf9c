package job

import (
	"fmt"
	"os"

	"github.com/vk/workgrid/internal/fsutil"
)

// Clerk decides where a job script runs. Cluster nodes usually have fast
// node-local scratch storage; staging the job directory there and pushing
// the outputs back afterwards keeps heavy script I/O off the shared
// filesystem.
type Clerk interface {
	// Acquire returns the directory the script must run in for the given
	// job directory.
	Acquire(jobDir string) (string, error)
	// Release makes the files the script produced in the work directory
	// available in the job directory and disposes of any scratch space.
	// It is only called after a successful script run.
	Release(jobDir, workDir string) error
}

// InPlaceClerk runs the script directly in the job directory.
type InPlaceClerk struct{}

func (InPlaceClerk) Acquire(jobDir string) (string, error) { return jobDir, nil }

func (InPlaceClerk) Release(string, string) error { return nil }

// ScratchClerk copies the job directory into a fresh scratch directory,
// lets the script run there and copies the work tree back afterwards.
type ScratchClerk struct {
	// Root is the directory scratch space is created under. Empty means
	// the OS temporary directory.
	Root string
}

func (c ScratchClerk) Acquire(jobDir string) (string, error) {
	if c.Root != "" {
		if err := os.MkdirAll(c.Root, 0o755); err != nil {
			return "", fmt.Errorf("job: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(c.Root, "workgrid-*")
	if err != nil {
		return "", fmt.Errorf("job: %w", err)
	}
	if err := fsutil.CopyTree(jobDir, workDir); err != nil {
		return "", fmt.Errorf("job: staging %s into %s: %w", jobDir, workDir, err)
	}
	return workDir, nil
}

// Release copies everything back, so outputs the script did not declare
// survive too. The scratch directory is only removed after a complete copy;
// a failed run keeps it around for inspection because Release is never
// reached.
func (c ScratchClerk) Release(jobDir, workDir string) error {
	if err := fsutil.CopyTree(workDir, jobDir); err != nil {
		return fmt.Errorf("job: pushing outputs from %s back to %s: %w", workDir, jobDir, err)
	}
	if err := os.RemoveAll(workDir); err != nil {
		return fmt.Errorf("job: %w", err)
	}
	return nil
}
