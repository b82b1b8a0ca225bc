package jobflow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// marshalResult encodes a result or payload, storing nothing for empty values.
func marshalResult(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal result")
	}
	if len(out) == 0 || string(out) == "null" || string(out) == "\"null\"" || string(out) == "\"\"" {
		return nil, nil
	}
	return out, nil
}

func (m *Manager) prepareJob(job *Job, executingNode string) {
	now := m.now()
	job.ID = 0
	job.Status = JobQueued
	job.ProcessStatus = 0
	job.ResultCode = 0
	job.Result = nil
	job.InitNodeID = m.cfg.NodeID
	job.CompleteNodeID = ""
	job.ExecutingNodeID = executingNode
	job.PendingSignals = 0
	job.WakeupDispatcher = ""
	job.SyncSourceID = nil
	job.SyncSource = nil
	job.CreatedAt = now
	job.LastUpdated = now
	job.LastPolled = nil
}

// Submit persists job and executes it, inline on the caller's goroutine or on
// the worker pool. It returns the id of the new job. If the pool is saturated
// the job is failed and ErrPoolSaturated is returned along with its id.
func (m *Manager) Submit(ctx context.Context, job *Job, runInline bool) (uint64, error) {
	m.prepareJob(job, m.cfg.NodeID)
	if err := m.store.CreateJob(ctx, job); err != nil {
		return 0, errors.Wrap(err, "submit job")
	}
	m.cfg.logInfo(LogEvent{Message: "job submitted", JobID: &job.ID, Dispatcher: &job.Dispatcher})

	if runInline {
		m.runJob(ctx, job.ID, nil, false)
		return job.ID, nil
	}
	if err := m.schedule(job.ID, nil, false); err != nil {
		m.failJob(ctx, job.ID, err)
		return job.ID, err
	}
	return job.ID, nil
}

// SubmitSynced persists job and appends it to the sync queue of
// (syncKey, syncObjID), so that it only runs after every job queued before it
// on the same key is done. When the queue holds queueSizeLimit items the
// attempt is rolled back and retried after a randomized delay. Once every
// attempt failed it returns ErrQueueSaturated.
func (m *Manager) SubmitSynced(ctx context.Context, job *Job, syncKey string, syncObjID uint64, queueSizeLimit int) (uint64, error) {
	m.prepareJob(job, "")
	var (
		id   uint64
		item *QueueItem
	)
	attempt := func() error {
		err := m.store.InTx(ctx, func(tx Store) error {
			j := job.clone()
			if err := tx.CreateJob(ctx, j); err != nil {
				return errors.Wrap(err, "create job")
			}
			it, err := m.queues.enqueue(ctx, tx, syncKey, syncObjID, ContentTypeAsyncJob, j.ID, queueSizeLimit)
			if err != nil {
				return err
			}
			id, item = j.ID, it
			return nil
		})
		if errors.Is(err, ErrQueueFull) {
			m.cfg.logDebug("msg", "sync queue full, retrying", "sync_key", syncKey, "sync_obj_id", syncObjID)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(attempt, m.enqueueBackOff(ctx)); err != nil {
		if errors.Is(err, ErrQueueFull) {
			m.cfg.logError(LogEvent{Message: "giving up on sync queue " + syncKey, Err: ErrQueueSaturated})
			return 0, ErrQueueSaturated
		}
		return 0, err
	}
	job.ID = id
	m.cfg.logInfo(LogEvent{Message: "job queued on " + syncKey, JobID: &job.ID, Dispatcher: &job.Dispatcher})

	if err := m.drainQueue(ctx, item.QueueID); err != nil {
		m.cfg.logError(LogEvent{Message: "drain after enqueue failed", JobID: &job.ID, Err: err})
	}
	return id, nil
}

// enqueueBackOff spaces the attempts uniformly within
// [EnqueueRetryMin, EnqueueRetryMax].
func (m *Manager) enqueueBackOff(ctx context.Context) backoff.BackOff {
	if m.cfg.EnqueueAttempts <= 1 {
		// WithMaxRetries treats zero as unlimited.
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	lo, hi := m.cfg.EnqueueRetryMin, m.cfg.EnqueueRetryMax
	mid := (lo + hi) / 2

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = mid
	bo.Multiplier = 1
	bo.MaxInterval = hi
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	if lo+hi > 0 {
		bo.RandomizationFactor = float64(hi-lo) / float64(hi+lo)
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(m.cfg.EnqueueAttempts-1)), ctx)
}

// Complete moves a job to its final status and wakes up the jobs joined on
// it. Completing a missing or already completed job does nothing.
func (m *Manager) Complete(ctx context.Context, jobID uint64, status JobStatus, resultCode int, result any) error {
	res, err := marshalResult(result)
	if err != nil {
		return err
	}

	var (
		completed bool
		wake      []uint64
	)
	err = m.store.InTx(ctx, func(tx Store) error {
		completed, wake = false, nil

		job, err := tx.GetJob(ctx, jobID)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}

		job.Status = status
		job.ResultCode = resultCode
		job.Result = res
		job.InstanceType = ""
		job.InstanceID = nil
		job.CompleteNodeID = m.cfg.NodeID
		job.LastUpdated = m.now()
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}

		joins, err := tx.ListJoinsByJoined(ctx, jobID)
		if err != nil {
			return err
		}
		for _, j := range joins {
			if err := tx.SignalJob(ctx, j.JobID, SignalWakeup, j.WakeupDispatcher); err != nil {
				return err
			}
			wake = append(wake, j.JobID)
		}
		if err := tx.CompleteJoins(ctx, jobID, status, res, m.cfg.NodeID); err != nil {
			return err
		}
		if err := tx.DeleteJoinsByJoined(ctx, jobID); err != nil {
			return err
		}
		completed = true
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "complete job %d", jobID)
	}
	if !completed {
		m.cfg.logDebug("msg", "job missing or already completed", "job_id", jobID)
		return nil
	}

	m.monitor.completed(status)
	m.cfg.logInfo(LogEvent{Message: "job completed with status " + string(status), JobID: &jobID})

	for _, id := range wake {
		m.scheduleWakeup(ctx, id)
	}
	m.publish(ctx, jobID)
	return nil
}

func (m *Manager) publish(ctx context.Context, jobID uint64) {
	if err := m.cfg.Bus.Publish(ctx, TopicJobStateChanged, jobID); err != nil {
		m.cfg.logError(LogEvent{Message: "publish job state change failed", JobID: &jobID, Err: err})
	}
}

// updateJob applies fn to a job that is not yet completed.
func (m *Manager) updateJob(ctx context.Context, jobID uint64, fn func(*Job)) error {
	return m.store.InTx(ctx, func(tx Store) error {
		job, err := tx.GetJob(ctx, jobID)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		fn(job)
		job.LastUpdated = m.now()
		return tx.UpdateJob(ctx, job)
	})
}

// UpdateProcessStatus records intermediate progress of a running job. A nil
// result keeps the previous one.
func (m *Manager) UpdateProcessStatus(ctx context.Context, jobID uint64, processStatus int, result any) error {
	res, err := marshalResult(result)
	if err != nil {
		return err
	}
	return m.updateJob(ctx, jobID, func(j *Job) {
		j.ProcessStatus = processStatus
		if res != nil {
			j.Result = res
		}
	})
}

// UpdateAttachment records the resource the job operates on.
func (m *Manager) UpdateAttachment(ctx context.Context, jobID uint64, instanceType string, instanceID *uint64) error {
	return m.updateJob(ctx, jobID, func(j *Job) {
		j.InstanceType = instanceType
		j.InstanceID = instanceID
	})
}

// LogJournal appends an entry to the job's journal.
func (m *Manager) LogJournal(ctx context.Context, jobID uint64, typ JournalType, text string, payload any) error {
	obj, err := marshalResult(payload)
	if err != nil {
		return err
	}
	return m.store.AppendJournal(ctx, &JournalEntry{
		JobID:     jobID,
		Type:      typ,
		Text:      text,
		Payload:   obj,
		CreatedAt: m.now(),
	})
}

// Journal returns the journal of a job, oldest first.
func (m *Manager) Journal(ctx context.Context, jobID uint64) ([]*JournalEntry, error) {
	return m.store.ListJournal(ctx, jobID)
}

// JoinOptions control how a joined job wakes its joiner up.
type JoinOptions struct {
	// WakeupHandler is an opaque hint for the wakeup dispatcher.
	WakeupHandler string
	// WakeupDispatcher resumes the joiner. Without one the joiner is not
	// signalled when the joined job completes.
	WakeupDispatcher string
	// WakeupTopics are recorded with the join for waiters to subscribe to.
	WakeupTopics []string
	// WakeupInterval signals the joiner periodically while the join lasts.
	WakeupInterval time.Duration
	// Timeout signals the joiner and drops the join once elapsed.
	Timeout time.Duration
}

// Join makes jobID wait on joinedJobID. When called from inside an execution
// the join remembers the queue the joiner was scheduled from. If the joined
// job is already completed the joiner is signalled right away.
func (m *Manager) Join(ctx context.Context, jobID, joinedJobID uint64, opts *JoinOptions) error {
	if opts == nil {
		opts = &JoinOptions{}
	}
	now := m.now()
	rec := &JoinRecord{
		JobID:            jobID,
		JoinJobID:        joinedJobID,
		NodeID:           m.cfg.NodeID,
		WakeupHandler:    opts.WakeupHandler,
		WakeupDispatcher: opts.WakeupDispatcher,
		WakeupTopics:     strings.Join(opts.WakeupTopics, ","),
		WakeupInterval:   opts.WakeupInterval,
		CreatedAt:        now,
	}
	if opts.WakeupInterval > 0 {
		next := now.Add(opts.WakeupInterval)
		rec.NextWakeup = &next
	}
	if opts.Timeout > 0 {
		exp := now.Add(opts.Timeout)
		rec.Expiration = &exp
	}
	if ec, ok := FromContext(ctx); ok && ec.SyncSource != nil {
		q := ec.SyncSource.QueueID
		rec.SyncSourceQueueID = &q
	}

	var signalled bool
	err := m.store.InTx(ctx, func(tx Store) error {
		signalled = false
		joined, err := tx.GetJob(ctx, joinedJobID)
		if err != nil {
			return errors.Wrapf(err, "get joined job %d", joinedJobID)
		}
		if !joined.Status.Terminal() {
			return tx.CreateJoin(ctx, rec)
		}
		signalled = true
		return tx.SignalJob(ctx, jobID, SignalWakeup, rec.WakeupDispatcher)
	})
	if err != nil {
		return err
	}
	if signalled {
		m.scheduleWakeup(ctx, jobID)
	}
	return nil
}

// Disjoin removes the join of jobID on joinedJobID.
func (m *Manager) Disjoin(ctx context.Context, jobID, joinedJobID uint64) error {
	return m.store.DeleteJoin(ctx, jobID, joinedJobID)
}

// CompleteJoin records the outcome of joinedJobID on every join waiting on it.
func (m *Manager) CompleteJoin(ctx context.Context, joinedJobID uint64, status JobStatus, result any) error {
	res, err := marshalResult(result)
	if err != nil {
		return err
	}
	return m.store.CompleteJoins(ctx, joinedJobID, status, res, m.cfg.NodeID)
}

// ReleaseSyncSource gives up the queue item of the current execution early,
// letting the next job of the same sync key start while this one finishes.
func (m *Manager) ReleaseSyncSource(ctx context.Context) error {
	ec, ok := FromContext(ctx)
	if !ok {
		return ErrNotInJob
	}
	src := ec.SyncSource
	if src == nil {
		return nil
	}
	if err := m.queues.Purge(ctx, src.ID); err != nil {
		return err
	}
	ec.SyncSource = nil
	if ec.Job != nil {
		ec.Job.SyncSource = nil
	}
	return m.drainQueue(ctx, src.QueueID)
}

// Get returns a job, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, jobID uint64) (*Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// Query returns a job and optionally records that a client polled it.
func (m *Manager) Query(ctx context.Context, jobID uint64, updatePollTime bool) (*Job, error) {
	if !updatePollTime {
		return m.store.GetJob(ctx, jobID)
	}
	var job *Job
	err := m.store.InTx(ctx, func(tx Store) error {
		var err error
		job, err = tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		now := m.now()
		job.LastPolled = &now
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListPending returns the unfinished jobs attached to instanceType on behalf
// of accountID.
func (m *Manager) ListPending(ctx context.Context, instanceType string, accountID uint64) ([]*Job, error) {
	return m.store.ListPendingJobs(ctx, instanceType, accountID)
}

// PseudoJob returns the placeholder job that tracks a synchronous session of
// this node, creating it on first use.
func (m *Manager) PseudoJob(ctx context.Context, accountID, userID, sessionID uint64) (*Job, error) {
	var job *Job
	err := m.store.InTx(ctx, func(tx Store) error {
		var err error
		job, err = tx.FindPseudoJob(ctx, sessionID, m.cfg.NodeID)
		if err == nil || !isNotFound(err) {
			return err
		}
		now := m.now()
		sid := sessionID
		job = &Job{
			AccountID:    accountID,
			UserID:       userID,
			Dispatcher:   pseudoJobDispatcher,
			Status:       JobInProgress,
			InstanceType: pseudoJobInstanceType,
			InstanceID:   &sid,
			InitNodeID:   m.cfg.NodeID,
			CreatedAt:    now,
			LastUpdated:  now,
		}
		return tx.CreateJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}
