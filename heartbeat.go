package jobflow

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// heartbeat starts ready queue items, fires due join wakeups and resumes
// signalled jobs nobody is executing.
func (m *Manager) heartbeat(ctx context.Context) error {
	var merr *multierror.Error

	items, err := m.queues.DequeueAny(ctx, m.cfg.NodeID, m.cfg.MaxQueueItemsPerHeartbeat)
	if err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "dequeue"))
	}
	for _, it := range items {
		if _, err := m.executeQueueItem(ctx, it); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "execute queue item %d", it.ID))
		}
	}

	if err := m.wakeupScan(ctx); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "wakeup scan"))
	}
	if err := m.resumeSignaled(ctx); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "resume signalled jobs"))
	}
	return merr.ErrorOrNil()
}

// wakeupScan signals the joiners of joins whose wakeup interval or timeout is
// due. Timed out joins are removed, periodic ones are pushed forward.
func (m *Manager) wakeupScan(ctx context.Context) error {
	now := m.now()
	due, err := m.store.DueJoins(ctx, now, m.cfg.MaxQueueItemsPerHeartbeat)
	if err != nil {
		return err
	}

	var merr *multierror.Error
	for _, j := range due {
		expired := j.Expiration != nil && !j.Expiration.After(now)
		err := m.store.InTx(ctx, func(tx Store) error {
			if err := tx.SignalJob(ctx, j.JobID, SignalWakeup, j.WakeupDispatcher); err != nil {
				return err
			}
			if expired {
				return tx.DeleteJoin(ctx, j.JobID, j.JoinJobID)
			}
			next := now.Add(j.WakeupInterval)
			if j.WakeupInterval <= 0 {
				// Without an interval the record only waits for its expiration.
				return tx.DeleteJoin(ctx, j.JobID, j.JoinJobID)
			}
			return tx.UpdateJoinWakeup(ctx, j.JobID, j.JoinJobID, next)
		})
		if err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "wake job %d", j.JobID))
			continue
		}
		m.scheduleWakeup(ctx, j.JobID)
	}
	return merr.ErrorOrNil()
}

// resumeSignaled schedules wakeups that could not run when they were signalled
// because the job was busy or the pool was full.
func (m *Manager) resumeSignaled(ctx context.Context) error {
	jobs, err := m.store.ListSignaledJobs(ctx, m.cfg.MaxQueueItemsPerHeartbeat)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		m.scheduleWakeup(ctx, j.ID)
	}
	return nil
}
