package opqueue

import "errors"

// Predefined errors
var (
	ErrAlreadyStarted          = errors.New("operation already started")
	ErrAlreadyFinished         = errors.New("operation already finished")
	ErrDependenciesNotFinished = errors.New("operation has unfinished dependencies")
	ErrWorkPanicked            = errors.New("operation work panicked")
	ErrQueueClosed             = errors.New("queue is closed")
)
