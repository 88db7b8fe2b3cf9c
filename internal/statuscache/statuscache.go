// Package statuscache rate-limits job status queries through a file-backed
// cache that is shared by every waiting process on the machine.
//
// Dozens of watchers polling one scheduler would otherwise multiply the
// load on it. The cache file holds the last known status per job handle
// with its timestamp; a query younger than the refresh interval is answered
// from the file. An OS-level file lock serializes readers and writers
// across processes.
package statuscache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/vk/workgrid/internal/backend"
	"github.com/vk/workgrid/internal/ctxlog"
	"github.com/vk/workgrid/internal/fsutil"
)

// DefaultRefreshInterval is the minimum age a cache entry must reach before
// the underlying backend is queried again.
const DefaultRefreshInterval = 30 * time.Second

const lockRetryDelay = 100 * time.Millisecond

type entry struct {
	Status    backend.Status `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Cache is a file-backed status cache. It is safe for concurrent use within
// one process and, through the lock file, across processes.
type Cache struct {
	path     string
	interval time.Duration
	lock     *flock.Flock

	// now is replaced in tests.
	now func() time.Time
}

// New creates a cache stored at path, creating parent directories as
// needed. A zero interval disables caching of non-terminal statuses; a
// negative interval falls back to DefaultRefreshInterval.
func New(path string, interval time.Duration) (*Cache, error) {
	if interval < 0 {
		interval = DefaultRefreshInterval
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("statuscache: %w", err)
	}
	return &Cache{
		path:     path,
		interval: interval,
		lock:     flock.New(path + ".lock"),
		now:      time.Now,
	}, nil
}

// Status returns the status of the job behind handle, answering from the
// cache when the stored entry is fresh or already terminal, and calling
// query otherwise. A successful query updates the cache; a failed one
// leaves it untouched and returns the error, so the caller decides whether
// to retry.
func (c *Cache) Status(ctx context.Context, handle string, query func(context.Context) (backend.Status, error)) (backend.Status, error) {
	locked, err := c.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return backend.StatusUnknown, fmt.Errorf("statuscache: acquiring lock: %w", err)
	}
	if !locked {
		return backend.StatusUnknown, fmt.Errorf("statuscache: could not acquire lock %s", c.lock.Path())
	}
	defer c.lock.Unlock()

	entries := c.load(ctx)
	if cached, ok := entries[handle]; ok {
		if cached.Status.Terminal() || c.now().Sub(cached.UpdatedAt) < c.interval {
			return cached.Status, nil
		}
	}

	status, err := query(ctx)
	if err != nil {
		return backend.StatusUnknown, err
	}

	entries[handle] = entry{Status: status, UpdatedAt: c.now()}
	if err := c.save(entries); err != nil {
		return backend.StatusUnknown, err
	}
	return status, nil
}

// Forget drops the entry for handle, if any. Used when a job directory is
// cleaned up and its handle will be reused for a fresh submission.
func (c *Cache) Forget(ctx context.Context, handle string) error {
	locked, err := c.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("statuscache: acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("statuscache: could not acquire lock %s", c.lock.Path())
	}
	defer c.lock.Unlock()

	entries := c.load(ctx)
	if _, ok := entries[handle]; !ok {
		return nil
	}
	delete(entries, handle)
	return c.save(entries)
}

// load reads the cache file under the held lock. A missing or corrupt file
// yields an empty cache: the worst outcome is one extra backend query.
func (c *Cache) load(ctx context.Context) map[string]entry {
	entries := make(map[string]entry)
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return entries
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		ctxlog.From(ctx).Warn("Discarding corrupt status cache.", "path", c.path, "error", err)
		return make(map[string]entry)
	}
	return entries
}

func (c *Cache) save(entries map[string]entry) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("statuscache: %w", err)
	}
	if err := fsutil.WriteAtomic(c.path, raw, 0o644); err != nil {
		return fmt.Errorf("statuscache: %w", err)
	}
	return nil
}
