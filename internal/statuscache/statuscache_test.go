package statuscache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/workgrid/internal/backend"
)

func newCache(t *testing.T, interval time.Duration) *Cache {
	t.Helper()
	cache, err := New(filepath.Join(t.TempDir(), "cache", "status.json"), interval)
	require.NoError(t, err)
	return cache
}

// countingQuery returns a query function that reports the given statuses in
// sequence and counts its invocations.
func countingQuery(statuses ...backend.Status) (func(context.Context) (backend.Status, error), *int) {
	calls := 0
	return func(context.Context) (backend.Status, error) {
		status := statuses[min(calls, len(statuses)-1)]
		calls++
		return status, nil
	}, &calls
}

func TestStatusQueriesOnFirstUse(t *testing.T) {
	cache := newCache(t, time.Minute)
	query, calls := countingQuery(backend.StatusRunning)

	status, err := cache.Status(context.Background(), "42", query)

	require.NoError(t, err)
	assert.Equal(t, backend.StatusRunning, status)
	assert.Equal(t, 1, *calls)
}

func TestStatusAnswersFromFreshCache(t *testing.T) {
	cache := newCache(t, time.Minute)
	query, calls := countingQuery(backend.StatusRunning)

	for i := 0; i < 5; i++ {
		status, err := cache.Status(context.Background(), "42", query)
		require.NoError(t, err)
		assert.Equal(t, backend.StatusRunning, status)
	}

	assert.Equal(t, 1, *calls, "fresh entries must not trigger backend queries")
}

func TestStatusRefreshesExpiredEntries(t *testing.T) {
	cache := newCache(t, time.Minute)
	query, calls := countingQuery(backend.StatusRunning, backend.StatusCompleted)

	_, err := cache.Status(context.Background(), "42", query)
	require.NoError(t, err)

	// Move the clock past the refresh interval.
	cache.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	status, err := cache.Status(context.Background(), "42", query)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, status)
	assert.Equal(t, 2, *calls)
}

func TestZeroIntervalDisablesCaching(t *testing.T) {
	cache := newCache(t, 0)
	query, calls := countingQuery(backend.StatusRunning, backend.StatusRunning, backend.StatusCompleted)

	for i := 0; i < 3; i++ {
		_, err := cache.Status(context.Background(), "42", query)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, *calls, "non-terminal entries must never count as fresh")

	// Terminal entries are still answered from the cache.
	status, err := cache.Status(context.Background(), "42", query)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, status)
	assert.Equal(t, 3, *calls)
}

func TestStatusNeverRequeriesTerminalEntries(t *testing.T) {
	cache := newCache(t, time.Minute)
	query, calls := countingQuery(backend.StatusFailed)

	_, err := cache.Status(context.Background(), "42", query)
	require.NoError(t, err)

	cache.now = func() time.Time { return time.Now().Add(time.Hour) }

	status, err := cache.Status(context.Background(), "42", query)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusFailed, status)
	assert.Equal(t, 1, *calls)
}

func TestStatusKeepsEntriesPerHandle(t *testing.T) {
	cache := newCache(t, time.Minute)
	queryA, callsA := countingQuery(backend.StatusRunning)
	queryB, callsB := countingQuery(backend.StatusPending)

	statusA, err := cache.Status(context.Background(), "1", queryA)
	require.NoError(t, err)
	statusB, err := cache.Status(context.Background(), "2", queryB)
	require.NoError(t, err)

	assert.Equal(t, backend.StatusRunning, statusA)
	assert.Equal(t, backend.StatusPending, statusB)
	assert.Equal(t, 1, *callsA)
	assert.Equal(t, 1, *callsB)
}

func TestStatusQueryFailureLeavesCacheUntouched(t *testing.T) {
	cache := newCache(t, time.Nanosecond)
	boom := &backend.TransientError{Err: errors.New("scontrol timed out")}

	_, err := cache.Status(context.Background(), "42", func(context.Context) (backend.Status, error) {
		return backend.StatusUnknown, boom
	})
	require.ErrorIs(t, err, boom)

	// The next call queries again and succeeds.
	query, calls := countingQuery(backend.StatusRunning)
	status, err := cache.Status(context.Background(), "42", query)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusRunning, status)
	assert.Equal(t, 1, *calls)
}

func TestCacheIsSharedThroughTheFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	first, err := New(path, time.Minute)
	require.NoError(t, err)
	second, err := New(path, time.Minute)
	require.NoError(t, err)

	query, calls := countingQuery(backend.StatusRunning)
	_, err = first.Status(context.Background(), "42", query)
	require.NoError(t, err)

	// A different Cache instance over the same file sees the entry.
	status, err := second.Status(context.Background(), "42", query)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusRunning, status)
	assert.Equal(t, 1, *calls)
}

func TestCorruptCacheFileIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	cache, err := New(path, time.Minute)
	require.NoError(t, err)

	query, calls := countingQuery(backend.StatusRunning)
	status, err := cache.Status(context.Background(), "42", query)

	require.NoError(t, err)
	assert.Equal(t, backend.StatusRunning, status)
	assert.Equal(t, 1, *calls)
}

func TestForget(t *testing.T) {
	cache := newCache(t, time.Minute)
	query, calls := countingQuery(backend.StatusCompleted)

	_, err := cache.Status(context.Background(), "42", query)
	require.NoError(t, err)
	require.NoError(t, cache.Forget(context.Background(), "42"))

	_, err = cache.Status(context.Background(), "42", query)
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)

	// Forgetting an absent handle is a no-op.
	assert.NoError(t, cache.Forget(context.Background(), "absent"))
}
