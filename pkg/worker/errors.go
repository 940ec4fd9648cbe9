package worker

import "errors"

var (
	// ErrPoolNotStarted is returned by Submit before Start has run.
	ErrPoolNotStarted = errors.New("pool not started")

	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("pool stopped")

	// ErrPoolAlreadyStarted is returned by a second Start.
	ErrPoolAlreadyStarted = errors.New("pool already started")

	// ErrQueueFull signals a non-blocking Submit against a full queue.
	ErrQueueFull = errors.New("work queue full")

	// ErrNilProcessor: NewPool was given a nil processing func.
	ErrNilProcessor = errors.New("nil processor func")

	// ErrStopTimeout: workers did not drain within the Stop deadline.
	ErrStopTimeout = errors.New("workers did not stop before deadline")
)
