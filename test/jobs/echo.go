package jobs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sky93/jobflow"
)

// EchoName is the dispatcher name echo jobs are submitted with.
const EchoName = "echo"

// Input is the command payload of an echo job.
type Input struct {
	Message string `json:"message"`
}

// Completer is the part of the job manager a dispatcher reports back to.
type Completer interface {
	Complete(ctx context.Context, jobID uint64, status jobflow.JobStatus, resultCode int, result any) error
}

// Echo completes every job with its own message.
type Echo struct {
	completer Completer
}

func NewEcho(c Completer) *Echo {
	return &Echo{completer: c}
}

func (e *Echo) Name() string { return EchoName }

func (e *Echo) RunJob(ctx context.Context, job *jobflow.Job) error {
	var in Input
	if err := job.DecodeCmdInfo(&in); err != nil {
		return errors.Wrap(err, "invalid payload")
	}
	return e.completer.Complete(ctx, job.ID, jobflow.JobSucceeded, 0, in)
}
