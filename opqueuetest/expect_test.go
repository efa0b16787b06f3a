package opqueuetest

import (
	"context"
	"testing"
	"time"

	"github.com/opqueue-go/opqueue"
)

func TestExpectationFulfillIsIdempotent(t *testing.T) {
	exp := NewExpectation("idempotent")
	if exp.Fulfilled() {
		t.Fatal("fresh expectation must be unfulfilled")
	}

	exp.Fulfill()
	exp.Fulfill()
	if !exp.Fulfilled() {
		t.Fatal("expectation should be fulfilled")
	}

	select {
	case <-exp.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}

func TestAwaitReportsUnfulfilled(t *testing.T) {
	resolved := NewExpectation("resolved")
	resolved.Fulfill()
	stuck := NewExpectation("stuck")

	unfulfilled := await(20*time.Millisecond, resolved, stuck)
	if len(unfulfilled) != 1 || unfulfilled[0] != stuck {
		t.Fatalf("expected only %q to be unfulfilled, got %d", stuck.desc, len(unfulfilled))
	}
}

func TestAwaitResolvesAsynchronously(t *testing.T) {
	exp := NewExpectation("async")
	go func() {
		time.Sleep(5 * time.Millisecond)
		exp.Fulfill()
	}()

	if unfulfilled := await(time.Second, exp); len(unfulfilled) != 0 {
		t.Fatal("expectation fulfilled within the wait must resolve")
	}
}

// TestHungQueueIsReportedNotHung covers the watchdog: a queue holding an
// operation whose body never returns on its own must surface as a timeout,
// not hang the suite.
func TestHungQueueIsReportedNotHung(t *testing.T) {
	q := opqueue.NewQueue(t.Name())
	op := opqueue.New("never-returns", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := q.Add(op); err != nil {
		t.Fatalf("adding operation: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	if err := waitIdle(q, 100*time.Millisecond); err == nil {
		t.Fatal("a hung queue must not be reported as drained")
	}
}

func TestWaitIdleDrainedQueue(t *testing.T) {
	q := opqueue.NewQueue(t.Name())
	if err := q.Add(opqueue.New("quick", nil)); err != nil {
		t.Fatalf("adding operation: %v", err)
	}

	if err := waitIdle(q, time.Second); err != nil {
		t.Fatalf("drained queue reported as hung: %v", err)
	}
}
