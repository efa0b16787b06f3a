package opqueue

import "golang.org/x/time/rate"

// Option type for configuring a Queue
type Option func(*Queue)

// WithMaxConcurrent bounds the number of operations executing at once.
// A value of 1 yields a serial queue; Unbounded (or any value <= 0) removes
// the limit.
func WithMaxConcurrent(n int) Option {
	return func(q *Queue) {
		if n < 0 {
			n = Unbounded
		}
		q.maxConcurrent = n
	}
}

// WithSuspended creates the queue suspended; operations added before Resume
// stay pending.
func WithSuspended() Option {
	return func(q *Queue) {
		q.suspended = true
	}
}

// WithLogger sets the queue's logger.
func WithLogger(logger Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithRateLimit throttles dispatch throughput with the given limiter.
// Concurrency bounds still apply; the limiter only paces how quickly slots
// are filled.
func WithRateLimit(limiter *rate.Limiter) Option {
	return func(q *Queue) {
		q.limiter = limiter
	}
}
