package opqueue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opqueue-go/opqueue"
)

func TestOperationRunsWorkOnce(t *testing.T) {
	var runs int
	op := opqueue.New("once", func(ctx context.Context) error {
		runs++
		return nil
	})

	require.NoError(t, op.Start())
	require.ErrorIs(t, op.Start(), opqueue.ErrAlreadyFinished)
	assert.Equal(t, 1, runs)
	assert.True(t, op.IsFinished())
	assert.False(t, op.IsExecuting())
}

func TestOperationFinishedTransitionsOnce(t *testing.T) {
	op := opqueue.New("terminal", nil)

	var finishedNotifications int
	op.OnFinished(func() { finishedNotifications++ })

	require.NoError(t, op.Start())
	require.Error(t, op.Start())
	op.Cancel() // no-op after finish

	assert.Equal(t, 1, finishedNotifications)
	assert.False(t, op.IsCancelled(), "cancel after finish must not change state")
}

func TestOperationCancelBeforeStartSkipsWork(t *testing.T) {
	var ran bool
	op := opqueue.New("cancelled-early", func(ctx context.Context) error {
		ran = true
		return nil
	})

	var executed bool
	op.OnExecuting(func(running bool) {
		if running {
			executed = true
		}
	})

	op.Cancel()
	require.NoError(t, op.Start())

	assert.False(t, ran, "work body must not run after cancel")
	assert.False(t, executed, "cancelled operation must never enter executing")
	assert.True(t, op.IsCancelled())
	assert.True(t, op.IsFinished(), "cancelled operation still reaches finished")
}

func TestOperationCancelIsIdempotent(t *testing.T) {
	op := opqueue.New("double-cancel", nil)

	var notifications int
	op.OnCancelled(func() { notifications++ })

	op.Cancel()
	first := op.Snapshot()
	op.Cancel()
	second := op.Snapshot()

	assert.Equal(t, 1, notifications)
	assert.Equal(t, first, second)
}

func TestOperationCancelBypassesDependencies(t *testing.T) {
	dep := opqueue.New("never-finishes", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	op := opqueue.New("cancelled-dependent", nil)
	require.NoError(t, op.AddDependency(dep))

	op.Cancel()
	require.NoError(t, op.Start(), "cancelled operation ignores unfinished dependencies")
	assert.True(t, op.IsFinished())
}

func TestOperationStartWithUnfinishedDependency(t *testing.T) {
	dep := opqueue.New("slow", nil)
	op := opqueue.New("dependent", nil)
	require.NoError(t, op.AddDependency(dep))

	require.ErrorIs(t, op.Start(), opqueue.ErrDependenciesNotFinished)
	assert.False(t, op.IsFinished())

	require.NoError(t, dep.Start())
	require.NoError(t, op.Start())
	assert.True(t, op.IsFinished())
}

func TestOperationAddDependencyAfterStart(t *testing.T) {
	op := opqueue.New("started", nil)
	require.NoError(t, op.Start())

	err := op.AddDependency(opqueue.New("late", nil))
	require.ErrorIs(t, err, opqueue.ErrAlreadyStarted)
}

func TestOperationWorkPanicIsContained(t *testing.T) {
	op := opqueue.New("panics", func(ctx context.Context) error {
		panic("boom")
	})

	require.NoError(t, op.Start(), "a panicking body must not fail the state machine")
	assert.True(t, op.IsFinished())
	assert.False(t, op.IsExecuting())
	require.ErrorIs(t, op.Err(), opqueue.ErrWorkPanicked)
	assert.Contains(t, op.Err().Error(), "boom")
}

func TestOperationWorkErrorRecorded(t *testing.T) {
	wantErr := errors.New("work failed")
	op := opqueue.New("fails", func(ctx context.Context) error {
		return wantErr
	})

	require.NoError(t, op.Start())
	assert.True(t, op.IsFinished())
	assert.ErrorIs(t, op.Err(), wantErr)
}

func TestOperationCompletionAfterFinished(t *testing.T) {
	op := opqueue.New("completed", nil)

	var calls int
	var finishedAtCompletion bool
	op.SetCompletion(func() {
		calls++
		finishedAtCompletion = op.IsFinished()
	})

	require.NoError(t, op.Start())
	assert.Equal(t, 1, calls)
	assert.True(t, finishedAtCompletion, "completion must observe finished == true")
}

func TestOperationExecutingObserverSeesBothTransitions(t *testing.T) {
	op := opqueue.New("observed", nil)

	var transitions []bool
	op.OnExecuting(func(running bool) {
		transitions = append(transitions, running)
	})

	require.NoError(t, op.Start())
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestOperationObserverFiresImmediatelyWhenAlreadyTrue(t *testing.T) {
	op := opqueue.New("late-observer", nil)
	op.Cancel()
	require.NoError(t, op.Start())

	cancelled := false
	finished := false
	op.OnCancelled(func() { cancelled = true })
	op.OnFinished(func() { finished = true })

	assert.True(t, cancelled)
	assert.True(t, finished)
}

func TestOperationCancelDuringExecution(t *testing.T) {
	started := make(chan struct{})
	op := opqueue.New("cooperative", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := op.Start(); err != nil {
			t.Errorf("Start: %v", err)
		}
	}()

	<-started
	assert.True(t, op.IsExecuting())
	op.Cancel()
	wg.Wait()

	assert.True(t, op.IsCancelled())
	assert.True(t, op.IsFinished())
	assert.False(t, op.IsExecuting())
	assert.ErrorIs(t, op.Err(), context.Canceled)
}

func TestOperationWait(t *testing.T) {
	op := opqueue.New("awaited", func(ctx context.Context) error {
		time.Sleep(time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, op.Wait(ctx), context.DeadlineExceeded, "Wait must block until finished")

	go op.Start()
	require.NoError(t, op.Wait(context.Background()))

	select {
	case <-op.Done():
	default:
		t.Fatal("Done channel should be closed after finish")
	}
}
