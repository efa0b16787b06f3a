package opqueuetest

import (
	"context"
	"sync"
	"testing"
	"time"
)

// Expectation is a once-fulfillable handle for "this transition will
// happen". Register Fulfill as an observer or completion callback, then
// block on it with Await.
type Expectation struct {
	desc string
	once sync.Once
	done chan struct{}
}

// NewExpectation creates an expectation described by desc; the description
// names the expected transition in timeout diagnostics.
func NewExpectation(desc string) *Expectation {
	return &Expectation{
		desc: desc,
		done: make(chan struct{}),
	}
}

// Fulfill resolves the expectation. Safe to call from any goroutine, any
// number of times.
func (e *Expectation) Fulfill() {
	e.once.Do(func() { close(e.done) })
}

// Fulfilled reports whether the expectation has resolved.
func (e *Expectation) Fulfilled() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the expectation resolves.
func (e *Expectation) Done() <-chan struct{} { return e.done }

// Await blocks until every expectation resolves or the timeout elapses,
// reporting each unresolved expectation as a test error. It returns true if
// all resolved in time.
func Await(t *testing.T, timeout time.Duration, exps ...*Expectation) bool {
	t.Helper()

	unfulfilled := await(timeout, exps...)
	for _, e := range unfulfilled {
		t.Errorf("expectation %q not fulfilled after %v", e.desc, timeout)
	}
	return len(unfulfilled) == 0
}

// await is the reporting-free core of Await, shared with its own tests.
func await(timeout time.Duration, exps ...*Expectation) []*Expectation {
	deadline := time.Now().Add(timeout)

	var unfulfilled []*Expectation
	for _, e := range exps {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		select {
		case <-e.done:
			timer.Stop()
		case <-timer.C:
			unfulfilled = append(unfulfilled, e)
		}
	}
	return unfulfilled
}

// Waiter is the queue surface the drain watchdog needs.
type Waiter interface {
	WaitWithCallback(ctx context.Context, callback func(pending, executing int) bool, interval time.Duration) error
}

// WaitFinished blocks until every operation added to q has finished,
// reporting a test error instead of hanging if the queue does not drain
// within the timeout. It returns true once drained.
func WaitFinished(t *testing.T, q Waiter, timeout time.Duration) bool {
	t.Helper()

	if err := waitIdle(q, timeout); err != nil {
		t.Errorf("queue did not drain within %v: %v", timeout, err)
		return false
	}
	return true
}

// waitIdle polls the queue until no work is pending or executing.
func waitIdle(q Waiter, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return q.WaitWithCallback(ctx, func(pending, executing int) bool {
		return pending+executing > 0
	}, 10*time.Millisecond)
}
