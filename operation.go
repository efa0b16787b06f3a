// Package opqueue provides cancellable, observable operations and a queue
// that executes them under a concurrency bound, honoring dependency ordering,
// suspension, and cooperative cancellation.
package opqueue

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

// Work is the body of an Operation. It is invoked at most once per Operation
// lifetime. The context is cancelled when Cancel is called on the owning
// Operation; long-running bodies should watch it and return early.
// A returned error is recorded on the Operation and surfaced via Err.
type Work func(ctx context.Context) error

// Operation is a cancellable unit of work with an explicit state machine:
//
//	pending -> executing -> finished
//
// Cancellation is reachable from any non-terminal state; a cancelled
// operation skips its work body but still completes through the finished
// transition, so finished is the single terminal signal.
//
// All state fields are guarded by an internal mutex. Observers registered
// with OnCancelled, OnExecuting and OnFinished are invoked synchronously on
// the transitioning goroutine while that mutex is held, so they see a
// coherent snapshot of the transition. Observer callbacks must not call back
// into the Operation.
type Operation struct {
	id   uuid.UUID
	name string
	work Work

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu        deadlock.Mutex
	started   bool
	cancelled bool
	executing bool
	finished  bool
	err       error

	deps       []*Operation
	completion func()

	onCancelled []func()
	onExecuting []func(bool)
	onFinished  []func()

	done chan struct{}
}

// Snapshot is a point-in-time copy of an Operation's observable state,
// useful for diagnostics.
type Snapshot struct {
	ID        uuid.UUID
	Name      string
	Cancelled bool
	Executing bool
	Finished  bool
	Err       error
}

// New creates an Operation with a human-readable name and a work body.
// A nil work body is allowed; the operation then finishes immediately once
// started.
func New(name string, work Work) *Operation {
	ctx, cancel := context.WithCancel(context.Background())
	return &Operation{
		id:        uuid.New(),
		name:      name,
		work:      work,
		ctx:       ctx,
		cancelCtx: cancel,
		done:      make(chan struct{}),
	}
}

// ID returns the unique identity of this operation instance.
func (op *Operation) ID() uuid.UUID { return op.id }

// Name returns the operation's diagnostic name.
func (op *Operation) Name() string { return op.name }

// IsCancelled reports whether Cancel has been called before the operation
// finished. The flag is monotonic.
func (op *Operation) IsCancelled() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.cancelled
}

// IsExecuting reports whether the work body is currently running.
func (op *Operation) IsExecuting() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.executing
}

// IsFinished reports whether the operation has reached its terminal state.
func (op *Operation) IsFinished() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.finished
}

// Err returns the error recorded by the work body, or the contained panic
// wrapped in ErrWorkPanicked. Nil until the operation finished.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Snapshot returns a copy of the operation's observable state.
func (op *Operation) Snapshot() Snapshot {
	op.mu.Lock()
	defer op.mu.Unlock()
	return Snapshot{
		ID:        op.id,
		Name:      op.name,
		Cancelled: op.cancelled,
		Executing: op.executing,
		Finished:  op.finished,
		Err:       op.err,
	}
}

// SetCompletion registers a callback invoked exactly once, after the
// finished transition is observable. Attach it before enqueueing the
// operation. Setting a completion callback on a finished operation is a
// no-op.
func (op *Operation) SetCompletion(fn func()) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.finished {
		return
	}
	op.completion = fn
}

// AddDependency records that op must not begin executing before dep has
// finished. It fails once op has started. Cycles are not detected; a cyclic
// graph deadlocks the owning queue and is a caller error.
func (op *Operation) AddDependency(dep *Operation) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.started || op.finished {
		return fmt.Errorf("%w: cannot add dependency to %q", ErrAlreadyStarted, op.name)
	}
	op.deps = append(op.deps, dep)
	return nil
}

// Dependencies returns the operations this one waits on.
func (op *Operation) Dependencies() []*Operation {
	op.mu.Lock()
	defer op.mu.Unlock()
	deps := make([]*Operation, len(op.deps))
	copy(deps, op.deps)
	return deps
}

// OnCancelled registers an observer for the cancelled transition. If the
// operation is already cancelled the observer fires immediately.
func (op *Operation) OnCancelled(fn func()) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.onCancelled = append(op.onCancelled, fn)
	if op.cancelled {
		fn()
	}
}

// OnExecuting registers an observer invoked with the new value on every
// executing transition. If the operation is currently executing the observer
// fires immediately with true.
func (op *Operation) OnExecuting(fn func(executing bool)) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.onExecuting = append(op.onExecuting, fn)
	if op.executing {
		fn(true)
	}
}

// OnFinished registers an observer for the finished transition. If the
// operation is already finished the observer fires immediately.
func (op *Operation) OnFinished(fn func()) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.onFinished = append(op.onFinished, fn)
	if op.finished {
		fn()
	}
}

// Done returns a channel closed when the operation finishes.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Wait blocks until the operation finishes or ctx is done.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel marks the operation cancelled and cancels its work context. It is
// idempotent, safe to call concurrently with Start, and a no-op once the
// operation finished.
func (op *Operation) Cancel() {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.finished || op.cancelled {
		return
	}
	op.cancelled = true
	op.cancelCtx()
	for _, fn := range op.onCancelled {
		fn()
	}
}

// Start drives the operation through its state machine. It runs the work
// body at most once. If the operation was cancelled before starting, the
// work body is skipped and the operation fast-tracks to finished.
//
// Start fails with ErrDependenciesNotFinished when a dependency has not
// finished (unless the operation is cancelled, in which case dependencies
// are irrelevant), with ErrAlreadyStarted on a second call, and with
// ErrAlreadyFinished once terminal. Panics raised by the work body are
// contained and recorded; the operation still finishes.
func (op *Operation) Start() error {
	op.mu.Lock()
	if op.finished {
		op.mu.Unlock()
		return ErrAlreadyFinished
	}
	if op.started {
		op.mu.Unlock()
		return ErrAlreadyStarted
	}
	if !op.cancelled {
		for _, dep := range op.deps {
			if !dep.IsFinished() {
				op.mu.Unlock()
				return fmt.Errorf("%w: %q waits on %q", ErrDependenciesNotFinished, op.name, dep.Name())
			}
		}
	}
	op.started = true

	if op.cancelled {
		completion := op.finishLocked()
		op.mu.Unlock()
		if completion != nil {
			completion()
		}
		return nil
	}

	op.executing = true
	for _, fn := range op.onExecuting {
		fn(true)
	}
	ctx := op.ctx
	op.mu.Unlock()

	err := op.runWork(ctx)

	op.mu.Lock()
	op.err = err
	op.executing = false
	for _, fn := range op.onExecuting {
		fn(false)
	}
	completion := op.finishLocked()
	op.mu.Unlock()
	if completion != nil {
		completion()
	}
	return nil
}

// finishLocked performs the terminal transition. Callers hold op.mu and must
// invoke the returned completion callback after unlocking, so it observes
// finished == true.
func (op *Operation) finishLocked() func() {
	op.finished = true
	for _, fn := range op.onFinished {
		fn()
	}
	close(op.done)
	return op.completion
}

// runWork executes the body within a panic-catching function so a faulting
// operation never escapes its state machine.
func (op *Operation) runWork(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = fmt.Errorf("%w: %v\n%s", ErrWorkPanicked, r, buf[:n])
		}
	}()
	if op.work == nil {
		return nil
	}
	return op.work(ctx)
}
