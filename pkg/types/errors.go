package types

import "errors"

// Local error taxonomy. Broker-side error codes live in pkg/protocol and are
// never surfaced directly; these are the errors callers and delivery
// callbacks observe.
var (
	// ErrQueueFull means the producer queue is at capacity; the caller may
	// retry after deliveries free space.
	ErrQueueFull = errors.New("queue full")

	// ErrInvalidState marks an operation issued in the wrong sequence, such
	// as committing without an open transaction.
	ErrInvalidState = errors.New("invalid state")

	// ErrTimeout means the operation deadline elapsed. The underlying retry
	// loop may still resolve asynchronously; a later call can observe the
	// eventual outcome.
	ErrTimeout = errors.New("operation timed out")

	// ErrPurgeQueue is the terminal outcome of a message purged while queued.
	ErrPurgeQueue = errors.New("purge-queue")

	// ErrPurgeInflight is the terminal outcome of a message purged while
	// in flight; its broker response, if any, is ignored.
	ErrPurgeInflight = errors.New("purge-inflight")

	// ErrAborted is the terminal outcome of messages pending in an aborted
	// transaction.
	ErrAborted = errors.New("transaction aborted")

	// ErrFatal marks the producer permanently unusable. All subsequent
	// operations fail fast wrapping this error.
	ErrFatal = errors.New("fatal producer error")
)
