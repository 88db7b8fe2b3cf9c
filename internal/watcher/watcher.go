// Package watcher waits for cluster jobs to finish. It submits the job of a
// prepared job directory exactly once, then polls its status at a
// randomized cadence until a terminal state is reached.
//
// Two files in the job directory make the wait restartable: the job id file
// records the backend handle, so a watcher killed and restarted reattaches
// to the running job instead of submitting a duplicate; the wait log is an
// append-only journal of every observed status change, kept for humans
// debugging a stuck workflow.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vk/workgrid/internal/backend"
	"github.com/vk/workgrid/internal/ctxlog"
	"github.com/vk/workgrid/internal/fsutil"
	"github.com/vk/workgrid/internal/jobstore"
	"github.com/vk/workgrid/internal/statuscache"
)

// LogVersion is the first line of every wait log. Bump it when the journal
// format changes so old logs are not misread.
const LogVersion = "workgrid waitlog 1"

// Defaults for the polling cadence.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultPollJitter   = 5 * time.Second
)

// Config tunes a Watcher.
type Config struct {
	// PollInterval is the base pause between status polls.
	PollInterval time.Duration
	// PollJitter is the width of the uniform random extension added to
	// every pause. Jitter spreads out the polls of watchers that were
	// started together, so they do not hit the scheduler in lockstep.
	PollJitter time.Duration
	// LogName is the journal file name inside the job directory.
	// Defaults to "waitlog".
	LogName string
}

// Watcher awaits the completion of submitted jobs.
type Watcher struct {
	backend backend.Backend
	cache   *statuscache.Cache
	cfg     Config
}

// New creates a Watcher. The cache may be nil, in which case every poll
// goes straight to the backend.
func New(b backend.Backend, cache *statuscache.Cache, cfg Config) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollJitter < 0 {
		cfg.PollJitter = DefaultPollJitter
	}
	if cfg.LogName == "" {
		cfg.LogName = "waitlog"
	}
	return &Watcher{backend: b, cache: cache, cfg: cfg}
}

// Await submits the job in jobDir unless a job id file already records an
// earlier submission, then blocks until the job reaches a terminal status
// and returns it. Transient backend failures are journaled and retried;
// ctx cancellation aborts the wait, not the job.
func (w *Watcher) Await(ctx context.Context, jobDir string) (backend.Status, error) {
	logger := ctxlog.From(ctx).With("dir", jobDir)

	journal, err := openJournal(filepath.Join(jobDir, w.cfg.LogName))
	if err != nil {
		return backend.StatusUnknown, err
	}
	defer journal.close()

	handle, resumed, err := w.handle(ctx, jobDir, journal)
	if err != nil {
		return backend.StatusUnknown, err
	}
	if resumed {
		logger.Info("Reattached to previously submitted job.", "handle", handle)
	}

	last := backend.Status("")
	for {
		if err := sleep(ctx, w.pause()); err != nil {
			return backend.StatusUnknown, err
		}

		status, err := w.poll(ctx, handle)
		var transient *backend.TransientError
		if errors.As(err, &transient) {
			logger.Debug("Status poll failed, will retry.", "handle", handle, "error", err)
			journal.step("poll-error " + transient.Err.Error())
			continue
		}
		if err != nil {
			return backend.StatusUnknown, err
		}

		if status != last {
			logger.Info("Job status changed.", "handle", handle, "status", status)
			journal.step(string(status))
			last = status
		}
		if status.Terminal() {
			return status, nil
		}
	}
}

// handle returns the backend handle for jobDir, submitting the job when no
// job id file exists yet. The file is written before the first poll, so a
// crash right after sbatch cannot lead to a duplicate submission later.
func (w *Watcher) handle(ctx context.Context, jobDir string, journal *journal) (string, bool, error) {
	idPath := filepath.Join(jobDir, jobstore.FileJobID)
	raw, err := os.ReadFile(idPath)
	if err == nil {
		handle := strings.TrimSpace(string(raw))
		if handle == "" {
			return "", false, fmt.Errorf("watcher: empty job id file %s", idPath)
		}
		return handle, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", false, fmt.Errorf("watcher: %w", err)
	}

	handle, err := w.backend.Submit(ctx, jobDir)
	if err != nil {
		return "", false, fmt.Errorf("watcher: %w", err)
	}
	if err := fsutil.WriteAtomic(idPath, []byte(handle+"\n"), 0o644); err != nil {
		return "", false, fmt.Errorf("watcher: recording job id: %w", err)
	}
	journal.step("submitted " + handle)
	return handle, false, nil
}

func (w *Watcher) poll(ctx context.Context, handle string) (backend.Status, error) {
	if w.cache == nil {
		return w.backend.Poll(ctx, handle)
	}
	return w.cache.Status(ctx, handle, func(ctx context.Context) (backend.Status, error) {
		return w.backend.Poll(ctx, handle)
	})
}

// pause returns the next sleep duration: the base interval plus a uniform
// random share of the jitter.
func (w *Watcher) pause() time.Duration {
	if w.cfg.PollJitter == 0 {
		return w.cfg.PollInterval
	}
	return w.cfg.PollInterval + rand.N(w.cfg.PollJitter)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// journal is the append-only wait log. Write failures are swallowed after
// the journal was opened: losing a log line must not fail the wait.
type journal struct {
	file *os.File
}

func openJournal(path string) (*journal, error) {
	_, statErr := os.Stat(path)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("watcher: opening wait log: %w", err)
	}
	if errors.Is(statErr, os.ErrNotExist) {
		fmt.Fprintln(file, LogVersion)
	}
	return &journal{file: file}, nil
}

func (j *journal) step(event string) {
	fmt.Fprintf(j.file, "%s %s\n", time.Now().UTC().Format(time.RFC3339), event)
}

func (j *journal) close() {
	j.file.Close()
}
