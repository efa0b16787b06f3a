// Package opqueuetest provides a reusable conformance suite verifying that
// an Operation produced by a caller-supplied factory honors the opqueue
// state-machine contract: executing/finished/cancelled transitions,
// completion callbacks, and dependency ordering, under both a serial and an
// unbounded queue.
//
// Typical usage from a work-unit author's test:
//
//	func TestMyOperationConformance(t *testing.T) {
//		suite := &opqueuetest.Suite{
//			Factory: opqueuetest.FactoryFunc(func() *opqueue.Operation {
//				return newMyOperation()
//			}),
//		}
//		suite.Run(t)
//	}
package opqueuetest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/k0kubun/pp/v3"

	"github.com/opqueue-go/opqueue"
)

// DefaultTimeout bounds every scenario wait. Raise Suite.Timeout on
// resource-constrained targets.
const DefaultTimeout = 2 * time.Second

// Factory produces a fresh Operation per scenario. Grounded contract: the
// suite never reuses an Operation across scenarios, since finished is
// terminal.
type Factory interface {
	NewOperation() *opqueue.Operation
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func() *opqueue.Operation

// NewOperation calls f. A nil FactoryFunc is a programming error and panics.
func (f FactoryFunc) NewOperation() *opqueue.Operation {
	if f == nil {
		panic("opqueuetest: nil FactoryFunc")
	}
	return f()
}

// Suite is the parameterized conformance runner. Factory is required;
// Timeout defaults to DefaultTimeout.
type Suite struct {
	Factory Factory
	Timeout time.Duration
}

func (s *Suite) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// Run executes the five conformance scenarios under a serial queue and under
// a concurrent (unbounded) queue. A Suite without a Factory is misuse and
// fails fatally.
func (s *Suite) Run(t *testing.T) {
	if s.Factory == nil {
		t.Fatal("opqueuetest: Suite.Factory must be set")
	}

	modes := []struct {
		name string
		max  int
	}{
		{"Serial", 1},
		{"Concurrent", opqueue.Unbounded},
	}

	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			t.Run("Completion", func(t *testing.T) { s.testCompletion(t, mode.max) })
			t.Run("Dependency", func(t *testing.T) { s.testDependency(t, mode.max) })
			t.Run("Cancellation", func(t *testing.T) { s.testCancellation(t, mode.max) })
			t.Run("Finished", func(t *testing.T) { s.testFinished(t, mode.max) })
			t.Run("Executing", func(t *testing.T) { s.testExecuting(t, mode.max) })
		})
	}
}

// newQueue builds a suspended queue named after the calling scenario, so
// every scenario controls the moment dispatch begins by resuming it.
func (s *Suite) newQueue(t *testing.T, max int) *opqueue.Queue {
	t.Helper()
	return opqueue.NewQueue(t.Name(),
		opqueue.WithMaxConcurrent(max),
		opqueue.WithSuspended(),
	)
}

func (s *Suite) add(t *testing.T, q *opqueue.Queue, op *opqueue.Operation) {
	t.Helper()
	if err := q.Add(op); err != nil {
		t.Fatalf("adding operation %q: %v", op.Name(), err)
	}
}

// dump logs the operation's state so timeout failures name what the
// operation actually looked like.
func dump(t *testing.T, op *opqueue.Operation) {
	t.Helper()
	t.Logf("operation state: %s", pp.Sprint(op.Snapshot()))
}

// testCompletion: the completion callback, attached before enqueue, fires
// within the bounded wait once the queue resumes.
func (s *Suite) testCompletion(t *testing.T, max int) {
	q := s.newQueue(t, max)
	op := s.Factory.NewOperation()

	completed := NewExpectation("completion callback fired")
	op.SetCompletion(completed.Fulfill)

	s.add(t, q, op)
	q.Resume()

	if !Await(t, s.timeout(), completed) {
		dump(t, op)
		return
	}
	WaitFinished(t, q, s.timeout())
}

// testDependency: a trivial marker operation the subject depends on must
// complete before the subject's own completion callback.
func (s *Suite) testDependency(t *testing.T, max int) {
	q := s.newQueue(t, max)

	marker := NewExpectation("dependency marker ran")
	dep := opqueue.New("dependency", func(ctx context.Context) error {
		marker.Fulfill()
		return nil
	})

	op := s.Factory.NewOperation()
	if err := op.AddDependency(dep); err != nil {
		t.Fatalf("adding dependency: %v", err)
	}

	var markerFirst atomic.Bool
	completed := NewExpectation("dependent completion callback fired")
	op.SetCompletion(func() {
		markerFirst.Store(marker.Fulfilled())
		completed.Fulfill()
	})

	// Enqueue the dependent first to stress the ordering.
	s.add(t, q, op)
	s.add(t, q, dep)
	q.Resume()

	if !Await(t, s.timeout(), marker, completed) {
		dump(t, op)
		return
	}
	if !markerFirst.Load() {
		t.Errorf("dependency did not finish before the dependent operation completed")
	}
	WaitFinished(t, q, s.timeout())
}

// testCancellation: cancelling all operations while suspended marks the
// subject cancelled within the bounded wait, and it still drains to finished
// after resume without executing.
func (s *Suite) testCancellation(t *testing.T, max int) {
	q := s.newQueue(t, max)
	op := s.Factory.NewOperation()

	cancelled := NewExpectation("operation cancelled")
	op.OnCancelled(cancelled.Fulfill)

	s.add(t, q, op)
	q.CancelAll()
	q.Resume()

	if !Await(t, s.timeout(), cancelled) {
		dump(t, op)
		return
	}
	if WaitFinished(t, q, s.timeout()) && !op.IsFinished() {
		t.Errorf("cancelled operation did not reach finished")
	}
}

// testFinished: the subject finishes within the bounded wait after resume.
func (s *Suite) testFinished(t *testing.T, max int) {
	q := s.newQueue(t, max)
	op := s.Factory.NewOperation()

	finished := NewExpectation("operation finished")
	op.OnFinished(finished.Fulfill)

	s.add(t, q, op)
	q.Resume()

	if !Await(t, s.timeout(), finished) {
		dump(t, op)
		return
	}
	WaitFinished(t, q, s.timeout())
}

// testExecuting: the subject is observed executing, at least transiently,
// within the bounded wait after resume.
func (s *Suite) testExecuting(t *testing.T, max int) {
	q := s.newQueue(t, max)
	op := s.Factory.NewOperation()

	executing := NewExpectation("operation began executing")
	op.OnExecuting(func(running bool) {
		if running {
			executing.Fulfill()
		}
	})

	s.add(t, q, op)
	q.Resume()

	if !Await(t, s.timeout(), executing) {
		dump(t, op)
		return
	}
	WaitFinished(t, q, s.timeout())
}
