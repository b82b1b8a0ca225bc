package jobflow

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// schedule hands an execution of jobID to the worker pool. The caller must
// have claimed the job for this node.
func (m *Manager) schedule(jobID uint64, src *QueueItem, wakeup bool) error {
	return m.pool.submit(m.runContext(), func(ctx context.Context) {
		m.runJob(ctx, jobID, src, wakeup)
	})
}

// scheduleWakeup resumes a signalled job on this node unless some node is
// already executing it. In that case the heartbeat picks the signal up once
// the execution ends.
func (m *Manager) scheduleWakeup(ctx context.Context, jobID uint64) {
	ok, err := m.store.ClaimJob(ctx, jobID, m.cfg.NodeID, nil)
	if err != nil {
		m.cfg.logError(LogEvent{Message: "claim job for wakeup failed", JobID: &jobID, Err: err})
		return
	}
	if !ok {
		return
	}
	if err := m.schedule(jobID, nil, true); err != nil {
		m.cfg.logError(LogEvent{Message: "wakeup rejected, will retry on heartbeat", JobID: &jobID, Err: err})
		if err := m.store.ReleaseJob(ctx, jobID); err != nil {
			m.cfg.logError(LogEvent{Message: "release job failed", JobID: &jobID, Err: err})
		}
	}
}

// drainQueue starts the next item of a queue if nothing on it is running.
func (m *Manager) drainQueue(ctx context.Context, queueID uint64) error {
	for {
		it, err := m.queues.DequeueOne(ctx, queueID, m.cfg.NodeID)
		if err != nil {
			return errors.Wrapf(err, "dequeue from queue %d", queueID)
		}
		if it == nil {
			return nil
		}
		purged, err := m.executeQueueItem(ctx, it)
		if err != nil {
			return err
		}
		if !purged {
			return nil
		}
	}
}

// executeQueueItem schedules the job a claimed item refers to. It reports
// whether the item was dropped because its job no longer exists, which frees
// the queue for the next item.
func (m *Manager) executeQueueItem(ctx context.Context, it *QueueItem) (bool, error) {
	if it.ContentType != ContentTypeAsyncJob {
		m.cfg.logError(LogEvent{Message: fmt.Sprintf("dropping queue item %d of unknown content type %q", it.ID, it.ContentType)})
		return true, m.queues.Purge(ctx, it.ID)
	}

	jobID := it.ContentID
	if _, err := m.store.GetJob(ctx, jobID); isNotFound(err) {
		m.cfg.logInfo(LogEvent{Message: fmt.Sprintf("purging queue item %d of a deleted job", it.ID), JobID: &jobID})
		return true, m.queues.Purge(ctx, it.ID)
	} else if err != nil {
		return false, m.returnItem(ctx, it, err)
	}

	itemID := it.ID
	ok, err := m.store.ClaimJob(ctx, jobID, m.cfg.NodeID, &itemID)
	if err != nil {
		return false, m.returnItem(ctx, it, err)
	}
	if !ok {
		m.cfg.logDebug("msg", "job is executing elsewhere, returning queue item", "job_id", jobID, "item_id", it.ID)
		return false, m.queues.Return(ctx, it.ID)
	}

	if err := m.schedule(jobID, it, false); err != nil {
		m.cfg.logInfo(LogEvent{Message: "worker pool saturated, returning queue item", JobID: &jobID, Err: err})
		var merr *multierror.Error
		merr = multierror.Append(merr, m.queues.Return(ctx, it.ID))
		merr = multierror.Append(merr, m.store.ReleaseJob(ctx, jobID))
		return false, merr.ErrorOrNil()
	}
	return false, nil
}

func (m *Manager) returnItem(ctx context.Context, it *QueueItem, cause error) error {
	var merr *multierror.Error
	merr = multierror.Append(merr, cause)
	merr = multierror.Append(merr, m.queues.Return(ctx, it.ID))
	return merr.ErrorOrNil()
}

// runJob is one execution of a job on this node. The job must have been
// claimed for this node. The claim, the queue item and the monitor entry are
// always released when it returns.
func (m *Manager) runJob(ctx context.Context, jobID uint64, src *QueueItem, wakeup bool) {
	run := m.runSeq.Add(1)
	m.monitor.register(ActiveTask{Run: run, JobID: jobID, Wakeup: wakeup, StartedAt: m.now()})
	ec := &ExecutionContext{SyncSource: src, Run: run}
	defer m.finishRun(ctx, jobID, ec)

	job, err := m.store.GetJob(ctx, jobID)
	if isNotFound(err) {
		m.cfg.logInfo(LogEvent{Message: "job no longer exists, skipping execution", JobID: &jobID, Run: &run})
		return
	}
	if err != nil {
		m.cfg.logError(LogEvent{Message: "load job failed", JobID: &jobID, Run: &run, Err: err})
		return
	}
	if job.Status.Terminal() {
		m.cfg.logDebug("msg", "job already completed, skipping execution", "job_id", jobID)
		return
	}
	job.SyncSource = src
	ec.Job = job

	if wakeup || job.PendingSignals != 0 {
		prev, err := m.store.ClearPendingSignals(ctx, jobID)
		if err != nil {
			m.cfg.logError(LogEvent{Message: "clear pending signals failed", JobID: &jobID, Run: &run, Err: err})
			return
		}
		switch {
		case prev&SignalWakeup != 0:
			wakeup = true
		case wakeup:
			m.cfg.logDebug("msg", "wakeup already consumed", "job_id", jobID)
			return
		}
		job.PendingSignals = 0
	}

	ctx = withExecution(ctx, ec)

	if wakeup {
		name, err := m.wakeupDispatcherName(ctx, job)
		if err != nil {
			m.cfg.logError(LogEvent{Message: "resolve wakeup dispatcher failed", JobID: &jobID, Run: &run, Err: err})
			return
		}
		d, err := m.getDispatcher(name)
		if err != nil {
			m.cfg.logError(LogEvent{Message: "no wakeup dispatcher for job", JobID: &jobID, Run: &run, Err: err})
			return
		}
		m.dispatch(ctx, ec, d, true)
		return
	}

	d, err := m.getDispatcher(job.Dispatcher)
	if err != nil {
		m.cfg.logError(LogEvent{Message: "unable to run job", JobID: &jobID, Dispatcher: &job.Dispatcher, Run: &run, Err: err})
		m.failJob(ctx, jobID, err)
		return
	}

	if job.Status == JobQueued {
		if err := m.updateJob(ctx, jobID, func(j *Job) {
			if j.Status == JobQueued {
				j.Status = JobInProgress
			}
		}); err != nil {
			m.cfg.logError(LogEvent{Message: "mark job in progress failed", JobID: &jobID, Run: &run, Err: err})
		}
		job.Status = JobInProgress
	}
	m.dispatch(ctx, ec, d, false)
}

// wakeupDispatcherName prefers a join the job still waits on, then the
// dispatcher captured when the job was signalled.
func (m *Manager) wakeupDispatcherName(ctx context.Context, job *Job) (string, error) {
	joins, err := m.store.ListJoinsByJob(ctx, job.ID)
	if err != nil {
		return "", err
	}
	for _, j := range joins {
		if j.WakeupDispatcher != "" {
			return j.WakeupDispatcher, nil
		}
	}
	return job.WakeupDispatcher, nil
}

func (m *Manager) dispatch(ctx context.Context, ec *ExecutionContext, d Dispatcher, wakeup bool) {
	job := ec.Job
	name := d.Name()
	m.monitor.setJob(ec.Run, job.ID, name, wakeup)

	start := time.Now()
	err := invoke(ctx, d, job)
	elapsed := time.Since(start)
	m.monitor.dispatched(wakeup, elapsed)

	if err != nil {
		m.cfg.logError(LogEvent{
			Message:    fmt.Sprintf("Job %d FAILED in %v", job.ID, elapsed),
			JobID:      &job.ID,
			Dispatcher: &name,
			Run:        &ec.Run,
			Duration:   &elapsed,
			Err:        err,
		})
		m.failJob(ctx, job.ID, err)
		return
	}
	m.cfg.logInfo(LogEvent{
		Message:    fmt.Sprintf("Job %d dispatched in %v", job.ID, elapsed),
		JobID:      &job.ID,
		Dispatcher: &name,
		Run:        &ec.Run,
		Duration:   &elapsed,
	})
}

func invoke(ctx context.Context, d Dispatcher, job *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("dispatcher %s panicked: %v", d.Name(), p)
		}
	}()
	return d.RunJob(ctx, job)
}

func (m *Manager) failJob(ctx context.Context, jobID uint64, cause error) {
	if err := m.Complete(context.WithoutCancel(ctx), jobID, JobFailed, InternalErrorCode, cause.Error()); err != nil {
		m.cfg.logError(LogEvent{Message: "failing job failed", JobID: &jobID, Err: err})
	}
}

// finishRun releases everything an execution held. Faults are logged and
// never escape.
func (m *Manager) finishRun(ctx context.Context, jobID uint64, ec *ExecutionContext) {
	ctx = context.WithoutCancel(ctx)
	var merr *multierror.Error
	step := func(fn func() error) {
		defer func() {
			if p := recover(); p != nil {
				merr = multierror.Append(merr, errors.Errorf("panic: %v", p))
			}
		}()
		if err := fn(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	step(func() error { return m.store.ReleaseJob(ctx, jobID) })
	if src := ec.SyncSource; src != nil {
		step(func() error { return m.queues.Purge(ctx, src.ID) })
		step(func() error { return m.drainQueue(ctx, src.QueueID) })
	}
	step(func() error { m.monitor.unregister(ec.Run); return nil })

	if err := merr.ErrorOrNil(); err != nil {
		m.cfg.logError(LogEvent{Message: "cleanup after execution failed", JobID: &jobID, Run: &ec.Run, Err: err})
	}
}
