package jobflow

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned by a Store when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrQueueFull is returned by Enqueue when the queue already holds its
	// size limit.
	ErrQueueFull = errors.New("sync queue is full")

	// ErrQueueSaturated is returned by SubmitSynced once every enqueue attempt
	// has failed.
	ErrQueueSaturated = errors.New("unable to insert queue item into store, store is full?")

	// ErrPoolSaturated is returned when the worker pool rejects a task.
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrNoStore is returned by New when Config.Store is nil.
	ErrNoStore = errors.New("config: store is required")

	// ErrNotInJob is returned by operations that need an execution context
	// when called outside of a dispatch.
	ErrNotInJob = errors.New("not running inside a job execution")

	// ErrDispatcherNotFound is returned when no dispatcher is registered under
	// a job's dispatcher name.
	ErrDispatcherNotFound = errors.New("dispatcher not found")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
