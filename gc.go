package jobflow

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const gcLockName = "jobflow-gc"

const blockedJobResult = "Job is cancelled as it has been blocking others for too long"

// gc expunges expired jobs and cancels jobs that hold a queue for too long.
// Only one node of the cluster collects at a time.
func (m *Manager) gc(ctx context.Context) error {
	locked, err := m.acquireLock(ctx, gcLockName, m.cfg.GCInterval, m.cfg.GCLockTimeout)
	if err != nil {
		return err
	}
	if !locked {
		m.cfg.logDebug("msg", "gc lock held elsewhere, skipping pass")
		return nil
	}
	defer m.releaseLock(ctx, gcLockName)

	var merr *multierror.Error
	cutoff := m.now().Add(-m.cfg.JobExpiry)

	unfinished, err := m.store.ExpiredUnfinishedJobs(ctx, cutoff, m.cfg.MaxGCRecords)
	if err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "list expired unfinished jobs"))
	}
	completed, err := m.store.ExpiredCompletedJobs(ctx, cutoff, m.cfg.MaxGCRecords)
	if err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "list expired completed jobs"))
	}
	for _, j := range append(unfinished, completed...) {
		if err := m.expungeJob(ctx, j.ID); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	blocked, err := m.queues.ListBlocked(ctx, m.cfg.JobCancelThreshold, m.cfg.MaxGCRecords)
	if err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "list blocked queue items"))
	}
	for _, it := range blocked {
		if it.ContentType == ContentTypeAsyncJob {
			jobID := it.ContentID
			m.cfg.logInfo(LogEvent{Message: "cancelling job blocking its queue", JobID: &jobID})
			if err := m.Complete(ctx, jobID, JobFailed, 0, blockedJobResult); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		if err := m.queues.Purge(ctx, it.ID); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// expungeJob deletes a job with everything attached to it.
func (m *Manager) expungeJob(ctx context.Context, jobID uint64) error {
	m.cfg.logDebug("msg", "expunging expired job", "job_id", jobID)
	err := m.store.InTx(ctx, func(tx Store) error {
		if err := tx.DeleteQueueItemsByContent(ctx, ContentTypeAsyncJob, jobID); err != nil {
			return err
		}
		return tx.ExpungeJob(ctx, jobID)
	})
	return errors.Wrapf(err, "expunge job %d", jobID)
}
