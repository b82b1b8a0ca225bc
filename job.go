package jobflow

import "context"

// Dispatcher is the interface each job handler must implement.
//
// RunJob executes job, or resumes it when the job was woken up by a join.
// It is responsible for calling Manager.Complete once the job is done. A nil
// return without a completion leaves the job in progress, which is how a
// dispatcher parks a job that waits on another one. A non-nil error fails
// the job with InternalErrorCode.
type Dispatcher interface {
	Name() string
	RunJob(ctx context.Context, job *Job) error
}

type dispatcherFunc struct {
	name string
	fn   func(ctx context.Context, job *Job) error
}

// NewDispatcher adapts a plain function to the Dispatcher interface.
func NewDispatcher(name string, fn func(ctx context.Context, job *Job) error) Dispatcher {
	return &dispatcherFunc{name: name, fn: fn}
}

func (d *dispatcherFunc) Name() string { return d.name }

func (d *dispatcherFunc) RunJob(ctx context.Context, job *Job) error {
	return d.fn(ctx, job)
}
