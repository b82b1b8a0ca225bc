package jobflow

import "context"

// ExecutionContext describes the execution a dispatcher is running in.
type ExecutionContext struct {
	Job *Job
	// SyncSource is the claimed queue item that granted this execution, if
	// the job came from a sync queue.
	SyncSource *QueueItem
	// Run numbers executions of this node.
	Run uint64
}

type execCtxKey struct{}

func withExecution(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, execCtxKey{}, ec)
}

// FromContext returns the execution ctx belongs to, if any.
func FromContext(ctx context.Context) (*ExecutionContext, bool) {
	ec, ok := ctx.Value(execCtxKey{}).(*ExecutionContext)
	return ec, ok && ec != nil
}
