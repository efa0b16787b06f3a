package opqueue

import (
	"context"
	"log"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func init() {
	maxprocs.Set()

	deadlock.Opts.DeadlockTimeout = time.Second * 2 // Time to wait before reporting a potential deadlock
	deadlock.Opts.OnPotentialDeadlock = func() {
		log.Println("POTENTIAL DEADLOCK DETECTED!")
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, true)
		log.Printf("Goroutine stack dump:\n%s", buf)
	}
}

// Unbounded is the max-concurrency value for a queue with no concurrency
// limit.
const Unbounded = 0

// Queue executes operations on a pool of goroutines, never letting more than
// its concurrency limit run at once. Pending operations dispatch in FIFO
// insertion order among equally-eligible candidates: an operation is
// eligible once the queue is not suspended, capacity allows, and all of its
// dependencies have finished. A serial queue is just a limit of 1, not a
// separate code path.
//
// Suspension gates new dispatch only; in-flight operations run to
// completion. Cancellation is cooperative: cancelled-but-not-yet-run
// operations are fast-tracked to finished without touching their work body
// and without consuming a concurrency slot.
//
// Each operation must be scheduled by at most one queue and must not be
// started manually once added.
type Queue struct {
	name          string
	maxConcurrent int // Unbounded (0) means no limit
	logger        Logger
	limiter       *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu        deadlock.Mutex
	cond      *sync.Cond
	suspended bool
	closed    bool
	pending   []*Operation
	running   map[uuid.UUID]*Operation
	added     int
	finished  int
}

// NewQueue creates a queue. The name is purely diagnostic. By default the
// queue is unbounded, not suspended, and logs at error level.
func NewQueue(name string, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	q := &Queue{
		name:    name,
		logger:  NewLogger(slog.LevelError),
		ctx:     ctx,
		cancel:  cancel,
		g:       g,
		running: make(map[uuid.UUID]*Operation),
	}

	for _, opt := range opts {
		opt(q)
	}

	q.cond = sync.NewCond(&q.mu)

	q.logger.Debug(ctx, "Queue created", "name", name, "max_concurrent", q.maxConcurrent, "suspended", q.suspended)
	return q
}

// Name returns the queue's diagnostic name.
func (q *Queue) Name() string { return q.name }

// MaxConcurrent returns the concurrency limit, Unbounded if none.
func (q *Queue) MaxConcurrent() int { return q.maxConcurrent }

// Len returns the number of operations waiting to be dispatched.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ExecutingCount returns the number of operations currently dispatched.
func (q *Queue) ExecutingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// FinishedCount returns the number of added operations that have finished.
func (q *Queue) FinishedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

// Suspended reports whether new dispatch is gated.
func (q *Queue) Suspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suspended
}

// Suspend gates new dispatch. Operations already running continue to
// completion.
func (q *Queue) Suspend() {
	q.mu.Lock()
	q.suspended = true
	q.mu.Unlock()
	q.logger.Debug(q.ctx, "Queue suspended", "name", q.name)
}

// Resume lifts suspension and dispatches eligible operations.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.suspended = false
	q.mu.Unlock()
	q.logger.Debug(q.ctx, "Queue resumed", "name", q.name)
	q.dispatch()
}

// Add appends the operation to the pending list and dispatches immediately
// if it is eligible. Dependencies finishing later, inside or outside this
// queue, re-trigger dispatch.
func (q *Queue) Add(op *Operation) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, op)
	q.added++
	q.mu.Unlock()

	q.logger.Debug(q.ctx, "Operation added", "queue", q.name, "operation", op.Name(), "id", op.ID())

	// A dependency finishing makes this operation eligible; the observer
	// re-triggers dispatch off the dependency's transition goroutine to keep
	// lock ordering acyclic. Fires immediately for already-finished deps.
	for _, dep := range op.Dependencies() {
		dep.OnFinished(func() { go q.dispatch() })
	}

	// Cancellation makes the operation eligible for fast-tracking even while
	// its dependencies are unfinished.
	op.OnCancelled(func() { go q.dispatch() })

	q.dispatch()
	return nil
}

// CancelAll cancels every pending and executing operation. It does not block
// for completion; cancelled pending operations fast-track to finished on the
// next dispatch.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	ops := make([]*Operation, 0, len(q.pending)+len(q.running))
	ops = append(ops, q.pending...)
	for _, op := range q.running {
		ops = append(ops, op)
	}
	q.mu.Unlock()

	q.logger.Debug(q.ctx, "Cancelling all operations", "queue", q.name, "count", len(ops))
	for _, op := range ops {
		op.Cancel()
	}
	q.dispatch()
}

// Wait blocks until every operation ever added has finished. If the queue is
// suspended with unstarted work and never resumed, Wait blocks indefinitely;
// resuming (or closing) the queue is the caller's responsibility. A cyclic
// dependency graph likewise never drains.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.finished < q.added {
		q.cond.Wait()
	}
}

// WaitWithCallback waits until the provided callback returns false,
// periodically invoking it at the given interval with the current pending
// and executing counts. It returns the context's error if ctx is done first.
func (q *Queue) WaitWithCallback(ctx context.Context, callback func(pending, executing int) bool, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		pending, executing := len(q.pending), len(q.running)
		q.mu.Unlock()

		if !callback(pending, executing) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close cancels all outstanding operations, lifts suspension so cancelled
// pending work can fast-track, waits for the queue to drain, and rejects
// further Add calls. Work bodies that ignore their context keep Close
// blocked; cancellation is cooperative.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	q.suspended = false
	q.mu.Unlock()

	q.logger.Debug(q.ctx, "Closing queue", "name", q.name)
	q.CancelAll()
	q.Wait()
	q.cancel()
	return q.g.Wait()
}

// dispatch launches every eligible pending operation. Cancelled operations
// are always eligible and do not consume a concurrency slot: they never
// enter the executing state, only fast-track to finished.
func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.suspended {
		return
	}

	for i := 0; i < len(q.pending); {
		op := q.pending[i]

		if op.IsCancelled() {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.launchLocked(op)
			continue
		}
		if q.maxConcurrent != Unbounded && len(q.running) >= q.maxConcurrent {
			i++
			continue
		}
		if !allDepsFinished(op) {
			i++
			continue
		}

		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.launchLocked(op)
	}
}

func allDepsFinished(op *Operation) bool {
	for _, dep := range op.Dependencies() {
		if !dep.IsFinished() {
			return false
		}
	}
	return true
}

// launchLocked starts a worker goroutine for the operation. Callers hold
// q.mu; the operation is accounted as running before the goroutine begins so
// the concurrency bound holds from the moment the slot is taken.
func (q *Queue) launchLocked(op *Operation) {
	q.running[op.ID()] = op

	q.g.Go(func() error {
		if q.limiter != nil {
			if err := q.limiter.Wait(q.ctx); err != nil {
				q.logger.Debug(q.ctx, "Rate limiter wait interrupted", "queue", q.name, "operation", op.Name(), "error", err)
			}
		}

		if err := op.Start(); err != nil {
			q.logger.Error(q.ctx, "Operation start rejected", "queue", q.name, "operation", op.Name(), "error", err)
		} else if err := op.Err(); err != nil && !op.IsCancelled() {
			q.logger.Error(q.ctx, "Operation failed", "queue", q.name, "operation", op.Name(), "error", err)
		} else {
			q.logger.Debug(q.ctx, "Operation finished", "queue", q.name, "operation", op.Name())
		}

		q.mu.Lock()
		delete(q.running, op.ID())
		q.finished++
		q.cond.Broadcast()
		q.mu.Unlock()

		q.dispatch()
		return nil
	})
}
