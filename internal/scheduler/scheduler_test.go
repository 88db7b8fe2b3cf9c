package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/workgrid/internal/closure"
	"github.com/vk/workgrid/internal/future"
	"github.com/vk/workgrid/internal/task"
)

// immediateDispatch materializes the closure and calls it synchronously on
// the submit loop, which is enough for scheduler-level tests.
func immediateDispatch(ctx context.Context, cl *closure.Closure) *future.Future {
	work := future.New()
	resolved, err := cl.Materialize(ctx)
	if err != nil {
		_ = work.Fail(err)
		return work
	}
	work.MarkRunning()
	value, err := resolved.Call(ctx)
	if err != nil {
		_ = work.Fail(err)
		return work
	}
	_ = work.SetValue(value)
	return work
}

func addTask(name string) task.Task {
	return &task.Func{
		Name: name,
		Fn: func(_ context.Context, args []any, _ map[string]any) (any, error) {
			sum := 0
			for _, arg := range args {
				sum += arg.(int)
			}
			return sum, nil
		},
	}
}

func await(t *testing.T, f *future.Future) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Result(ctx)
}

func TestSubmitDispatchesAfterDependenciesResolve(t *testing.T) {
	// Arrange: b = a + 3, with a resolving later.
	graph := future.NewWaitGraph()
	s := New(context.Background(), immediateDispatch, graph)
	defer s.Shutdown()

	a := future.New()
	three := future.New()
	require.NoError(t, three.SetValue(3))

	cl := closure.New(addTask("add"), []any{a, three}, nil)
	scheduled, err := s.Submit(cl, cl.Futures())
	require.NoError(t, err)
	assert.False(t, scheduled.Terminal())

	// Act
	require.NoError(t, a.SetValue(5))

	// Assert
	value, err := await(t, scheduled)
	require.NoError(t, err)
	assert.Equal(t, 8, value)
}

func TestSubmitWithResolvedDependenciesDispatchesImmediately(t *testing.T) {
	graph := future.NewWaitGraph()
	s := New(context.Background(), immediateDispatch, graph)
	defer s.Shutdown()

	a := future.New()
	require.NoError(t, a.SetValue(2))
	cl := closure.New(addTask("add"), []any{a}, nil)

	scheduled, err := s.Submit(cl, cl.Futures())
	require.NoError(t, err)

	value, err := await(t, scheduled)
	require.NoError(t, err)
	assert.Equal(t, 2, value)
}

func TestChainedScheduling(t *testing.T) {
	// A chain of scheduled closures where each depends on the previous
	// result. Exercises dispatch triggered from the submit loop itself.
	graph := future.NewWaitGraph()
	s := New(context.Background(), immediateDispatch, graph)
	defer s.Shutdown()

	head := future.New()
	prev := head
	var last *future.Future
	for i := 0; i < 10; i++ {
		one := future.New()
		require.NoError(t, one.SetValue(1))
		cl := closure.New(addTask("inc"), []any{prev, one}, nil)
		scheduled, err := s.Submit(cl, cl.Futures())
		require.NoError(t, err)
		prev = scheduled
		last = scheduled
	}

	require.NoError(t, head.SetValue(0))

	value, err := await(t, last)
	require.NoError(t, err)
	assert.Equal(t, 10, value)
}

func TestUpstreamFailureSkipsDependents(t *testing.T) {
	graph := future.NewWaitGraph()
	s := New(context.Background(), immediateDispatch, graph)
	defer s.Shutdown()

	boom := errors.New("boom")
	a := future.New()
	called := false
	cl := closure.New(&task.Func{
		Name: "dependent",
		Fn: func(context.Context, []any, map[string]any) (any, error) {
			called = true
			return nil, nil
		},
	}, []any{a}, nil)

	scheduled, err := s.Submit(cl, cl.Futures())
	require.NoError(t, err)

	require.NoError(t, a.Fail(boom))

	_, err = await(t, scheduled)
	require.Error(t, err)
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "dependent", upstream.Dependent)
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestTaskFailureIsNotWrappedAsUpstream(t *testing.T) {
	graph := future.NewWaitGraph()
	s := New(context.Background(), immediateDispatch, graph)
	defer s.Shutdown()

	boom := errors.New("own failure")
	a := future.New()
	cl := closure.New(&task.Func{
		Name: "failing",
		Fn: func(context.Context, []any, map[string]any) (any, error) {
			return nil, boom
		},
	}, []any{a}, nil)

	scheduled, err := s.Submit(cl, cl.Futures())
	require.NoError(t, err)
	require.NoError(t, a.SetValue(nil))

	_, err = await(t, scheduled)
	require.ErrorIs(t, err, boom)
	var upstream *UpstreamError
	assert.False(t, errors.As(err, &upstream))
}

func TestShutdownDrainsAndRejectsLateSubmits(t *testing.T) {
	graph := future.NewWaitGraph()
	s := New(context.Background(), immediateDispatch, graph)

	a := future.New()
	cl := closure.New(addTask("add"), []any{a}, nil)
	scheduled, err := s.Submit(cl, cl.Futures())
	require.NoError(t, err)
	require.NoError(t, a.SetValue(4))

	s.Shutdown()

	require.True(t, scheduled.Terminal())
	value, _, _ := scheduled.Peek()
	assert.Equal(t, 4, value)

	_, err = s.Submit(closure.New(addTask("late"), nil, nil), nil)
	assert.ErrorIs(t, err, ErrShutdown)

	// A second Shutdown is safe.
	s.Shutdown()
}
