package jobflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/VividCortex/mysqlerr"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// MySQLStore is a Store backed by MySQL. The tables are created by Migrate.
type MySQLStore struct {
	db     *sqlx.DB
	q      sqlx.ExtContext
	tx     *sqlx.Tx
	logger log.Logger
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore wraps an open database handle. The DSN it was opened with
// must set parseTime.
func NewMySQLStore(db *sqlx.DB, logger log.Logger) *MySQLStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &MySQLStore{db: db, q: db, logger: logger}
}

// OpenMySQL opens a connection pool of at most maxActive connections to dsn.
func OpenMySQL(dsn string, maxActive int, logger log.Logger) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	if maxActive > 0 {
		db.SetMaxOpenConns(maxActive)
		db.SetMaxIdleConns(maxActive)
	}
	return NewMySQLStore(db, logger), nil
}

// Close closes the underlying pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying pool.
func (s *MySQLStore) DB() *sqlx.DB {
	return s.db
}

func retryableError(err error) bool {
	base := errors.Cause(err)
	if b, ok := base.(*mysql.MySQLError); ok {
		switch b.Number {
		// Consider lock related errors to be retryable
		case mysqlerr.ER_LOCK_DEADLOCK, mysqlerr.ER_LOCK_WAIT_TIMEOUT:
			return true
		}
	}

	return false
}

// InTx runs fn in a transaction, retrying it with exponential backoff when
// it fails on a deadlock or lock wait timeout.
func (s *MySQLStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	operation := func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "create transaction")
		}

		defer func() {
			if p := recover(); p != nil {
				if err := tx.Rollback(); err != nil {
					s.logger.Log("err", err, "msg", "error encountered during transaction panic rollback")
				}
				panic(p)
			}
		}()

		if err := fn(&MySQLStore{db: s.db, q: tx, tx: tx, logger: s.logger}); err != nil {
			rbErr := tx.Rollback()
			if rbErr != nil && rbErr != sql.ErrTxDone {
				// Consider rollback errors to be non-retryable
				return backoff.Permanent(errors.Wrapf(err, "got err '%s' rolling back after err", rbErr.Error()))
			}

			if retryableError(err) {
				return err
			}

			return backoff.Permanent(err)
		}

		if err := tx.Commit(); err != nil {
			err = errors.Wrap(err, "commit transaction")

			if retryableError(err) {
				return err
			}

			return backoff.Permanent(err)
		}

		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// forUpdate appends a locking clause when running inside a transaction.
func (s *MySQLStore) forUpdate(query string, lock bool) string {
	if lock && s.tx != nil {
		return query + ` FOR UPDATE`
	}
	return query
}

func nullJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const jobColumns = `
	id, account_id, user_id, dispatcher, cmd, COALESCE(cmd_info, '') AS cmd_info,
	status, process_status, result_code, COALESCE(result, '') AS result,
	instance_type, instance_id, init_node_id, complete_node_id, executing_node_id,
	pending_signals, wakeup_dispatcher, sync_source_id, created_at, last_updated, last_polled`

const nonTerminal = `status IN ('QUEUED', 'IN_PROGRESS')`

func (s *MySQLStore) CreateJob(ctx context.Context, job *Job) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO async_job (
			account_id, user_id, dispatcher, cmd, cmd_info, status, process_status,
			result_code, result, instance_type, instance_id, init_node_id,
			complete_node_id, executing_node_id, pending_signals, wakeup_dispatcher,
			sync_source_id, created_at, last_updated, last_polled
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.AccountID, job.UserID, job.Dispatcher, job.Cmd, nullJSON(job.CmdInfo),
		job.Status, job.ProcessStatus, job.ResultCode, nullJSON(job.Result),
		job.InstanceType, job.InstanceID, job.InitNodeID, job.CompleteNodeID,
		job.ExecutingNodeID, job.PendingSignals, job.WakeupDispatcher,
		job.SyncSourceID, job.CreatedAt, job.LastUpdated, job.LastPolled,
	)
	if err != nil {
		return errors.Wrap(err, "insert job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "last insert id")
	}
	job.ID = uint64(id)
	return nil
}

// GetJob loads a job. Inside a transaction the row stays locked until the
// transaction ends.
func (s *MySQLStore) GetJob(ctx context.Context, id uint64) (*Job, error) {
	var job Job
	err := sqlx.GetContext(ctx, s.q, &job, s.forUpdate(`SELECT `+jobColumns+` FROM async_job WHERE id = ?`, true), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return &job, nil
}

func (s *MySQLStore) UpdateJob(ctx context.Context, job *Job) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE async_job SET
			account_id = ?, user_id = ?, dispatcher = ?, cmd = ?, cmd_info = ?,
			status = ?, process_status = ?, result_code = ?, result = ?,
			instance_type = ?, instance_id = ?, init_node_id = ?, complete_node_id = ?,
			executing_node_id = ?, pending_signals = ?, wakeup_dispatcher = ?,
			sync_source_id = ?, last_updated = ?, last_polled = ?
		WHERE id = ?`,
		job.AccountID, job.UserID, job.Dispatcher, job.Cmd, nullJSON(job.CmdInfo),
		job.Status, job.ProcessStatus, job.ResultCode, nullJSON(job.Result),
		job.InstanceType, job.InstanceID, job.InitNodeID, job.CompleteNodeID,
		job.ExecutingNodeID, job.PendingSignals, job.WakeupDispatcher,
		job.SyncSourceID, job.LastUpdated, job.LastPolled, job.ID,
	)
	return errors.Wrap(err, "update job")
}

func (s *MySQLStore) ClaimJob(ctx context.Context, id uint64, nodeID string, syncSourceID *uint64) (bool, error) {
	n, err := rowsAffected(s.q.ExecContext(ctx,
		`UPDATE async_job SET executing_node_id = ?, sync_source_id = ? WHERE id = ? AND executing_node_id = ''`,
		nodeID, syncSourceID, id,
	))
	if err != nil {
		return false, errors.Wrap(err, "claim job")
	}
	return n > 0, nil
}

func (s *MySQLStore) ReleaseJob(ctx context.Context, id uint64) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE async_job SET executing_node_id = '', sync_source_id = NULL WHERE id = ?`, id)
	return errors.Wrap(err, "release job")
}

func (s *MySQLStore) SignalJob(ctx context.Context, id uint64, signals int, wakeupDispatcher string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE async_job SET
			pending_signals = pending_signals | ?,
			wakeup_dispatcher = IF(? = '', wakeup_dispatcher, ?)
		WHERE id = ?`,
		signals, wakeupDispatcher, wakeupDispatcher, id,
	)
	return errors.Wrap(err, "signal job")
}

func (s *MySQLStore) ClearPendingSignals(ctx context.Context, id uint64) (int, error) {
	var prev int
	err := s.InTx(ctx, func(tx Store) error {
		t := tx.(*MySQLStore)
		err := sqlx.GetContext(ctx, t.q, &prev, `SELECT pending_signals FROM async_job WHERE id = ? FOR UPDATE`, id)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "select pending signals")
		}
		if prev == 0 {
			return nil
		}
		_, err = t.q.ExecContext(ctx, `UPDATE async_job SET pending_signals = 0 WHERE id = ?`, id)
		return errors.Wrap(err, "clear pending signals")
	})
	return prev, err
}

func (s *MySQLStore) selectJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	var jobs []*Job
	if err := sqlx.SelectContext(ctx, s.q, &jobs, `SELECT `+jobColumns+` FROM async_job `+query, args...); err != nil {
		return nil, errors.Wrap(err, "select jobs")
	}
	return jobs, nil
}

func (s *MySQLStore) ListPendingJobs(ctx context.Context, instanceType string, accountID uint64) ([]*Job, error) {
	return s.selectJobs(ctx, `WHERE `+nonTerminal+` AND instance_type = ? AND account_id = ? ORDER BY id`,
		instanceType, accountID)
}

func (s *MySQLStore) ListSignaledJobs(ctx context.Context, limit int) ([]*Job, error) {
	return s.selectJobs(ctx, `WHERE `+nonTerminal+` AND pending_signals <> 0 AND executing_node_id = '' ORDER BY id LIMIT ?`,
		limit)
}

func (s *MySQLStore) FindPseudoJob(ctx context.Context, sessionID uint64, nodeID string) (*Job, error) {
	jobs, err := s.selectJobs(ctx, `WHERE dispatcher = ? AND init_node_id = ? AND instance_id = ? ORDER BY id LIMIT 1`,
		pseudoJobDispatcher, nodeID, sessionID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

func (s *MySQLStore) CleanupPseudoJobs(ctx context.Context, nodeID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM async_job WHERE dispatcher = ? AND init_node_id = ?`,
		pseudoJobDispatcher, nodeID)
	return errors.Wrap(err, "cleanup pseudo jobs")
}

func (s *MySQLStore) ExpiredUnfinishedJobs(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return s.selectJobs(ctx, `WHERE `+nonTerminal+` AND created_at < ? AND last_updated < ? ORDER BY id LIMIT ?`,
		cutoff, cutoff, limit)
}

func (s *MySQLStore) ExpiredCompletedJobs(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return s.selectJobs(ctx, `WHERE status NOT IN ('QUEUED', 'IN_PROGRESS') AND last_updated < ? ORDER BY id LIMIT ?`,
		cutoff, limit)
}

func (s *MySQLStore) ExpungeJob(ctx context.Context, id uint64) error {
	return s.InTx(ctx, func(tx Store) error {
		t := tx.(*MySQLStore)
		if _, err := t.q.ExecContext(ctx, `DELETE FROM async_job_journal WHERE job_id = ?`, id); err != nil {
			return errors.Wrap(err, "delete journal")
		}
		if _, err := t.q.ExecContext(ctx, `DELETE FROM async_job_join_map WHERE job_id = ? OR join_job_id = ?`, id, id); err != nil {
			return errors.Wrap(err, "delete joins")
		}
		_, err := t.q.ExecContext(ctx, `DELETE FROM async_job WHERE id = ?`, id)
		return errors.Wrap(err, "delete job")
	})
}

func (s *MySQLStore) ResetJobProcess(ctx context.Context, nodeID string, resultCode int, result []byte, at time.Time) ([]uint64, error) {
	var ids []uint64
	err := s.InTx(ctx, func(tx Store) error {
		ids = nil
		t := tx.(*MySQLStore)
		err := sqlx.SelectContext(ctx, t.q, &ids, `
			SELECT id FROM async_job
			WHERE `+nonTerminal+` AND (executing_node_id = ? OR (executing_node_id = '' AND init_node_id = ?))
			ORDER BY id FOR UPDATE`,
			nodeID, nodeID,
		)
		if err != nil {
			return errors.Wrap(err, "select jobs to reset")
		}
		if len(ids) == 0 {
			return nil
		}
		query, args, err := sqlx.In(`
			UPDATE async_job SET
				status = ?, pending_signals = 0, result_code = ?, result = ?,
				executing_node_id = '', last_updated = ?
			WHERE id IN (?)`,
			JobFailed, resultCode, nullJSON(result), at, ids,
		)
		if err != nil {
			return errors.Wrap(err, "build reset query")
		}
		_, err = t.q.ExecContext(ctx, query, args...)
		return errors.Wrap(err, "reset jobs")
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// journal

func (s *MySQLStore) AppendJournal(ctx context.Context, e *JournalEntry) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO async_job_journal (job_id, journal_type, journal_text, journal_obj, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.JobID, e.Type, e.Text, nullJSON(e.Payload), e.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert journal")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "last insert id")
	}
	e.ID = uint64(id)
	return nil
}

func (s *MySQLStore) ListJournal(ctx context.Context, jobID uint64) ([]*JournalEntry, error) {
	var entries []*JournalEntry
	err := sqlx.SelectContext(ctx, s.q, &entries, `
		SELECT id, job_id, journal_type, journal_text, COALESCE(journal_obj, '') AS journal_obj, created_at
		FROM async_job_journal WHERE job_id = ? ORDER BY id`, jobID)
	return entries, errors.Wrap(err, "select journal")
}

// joins

const joinColumns = `
	job_id, join_job_id, node_id, join_status, COALESCE(join_result, '') AS join_result,
	complete_node_id, wakeup_handler, wakeup_dispatcher, wakeup_topics, wakeup_interval,
	next_wakeup, expiration, sync_source_queue_id, created_at`

func (s *MySQLStore) CreateJoin(ctx context.Context, j *JoinRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO async_job_join_map (
			job_id, join_job_id, node_id, join_status, join_result, complete_node_id,
			wakeup_handler, wakeup_dispatcher, wakeup_topics, wakeup_interval,
			next_wakeup, expiration, sync_source_queue_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID, j.JoinJobID, j.NodeID, j.JoinStatus, nullJSON(j.JoinResult), j.CompleteNodeID,
		j.WakeupHandler, j.WakeupDispatcher, j.WakeupTopics, j.WakeupInterval,
		j.NextWakeup, j.Expiration, j.SyncSourceQueueID, j.CreatedAt,
	)
	return errors.Wrap(err, "insert join")
}

func (s *MySQLStore) DeleteJoin(ctx context.Context, jobID, joinJobID uint64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM async_job_join_map WHERE job_id = ? AND join_job_id = ?`, jobID, joinJobID)
	return errors.Wrap(err, "delete join")
}

func (s *MySQLStore) selectJoins(ctx context.Context, query string, args ...interface{}) ([]*JoinRecord, error) {
	var joins []*JoinRecord
	if err := sqlx.SelectContext(ctx, s.q, &joins, `SELECT `+joinColumns+` FROM async_job_join_map `+query, args...); err != nil {
		return nil, errors.Wrap(err, "select joins")
	}
	return joins, nil
}

func (s *MySQLStore) ListJoinsByJob(ctx context.Context, jobID uint64) ([]*JoinRecord, error) {
	return s.selectJoins(ctx, `WHERE job_id = ? ORDER BY created_at, join_job_id`, jobID)
}

func (s *MySQLStore) ListJoinsByJoined(ctx context.Context, joinJobID uint64) ([]*JoinRecord, error) {
	return s.selectJoins(ctx, `WHERE join_job_id = ? ORDER BY created_at, job_id`, joinJobID)
}

func (s *MySQLStore) DeleteJoinsByJoined(ctx context.Context, joinJobID uint64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM async_job_join_map WHERE join_job_id = ?`, joinJobID)
	return errors.Wrap(err, "delete joins")
}

func (s *MySQLStore) CompleteJoins(ctx context.Context, joinJobID uint64, status JobStatus, result []byte, nodeID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE async_job_join_map SET join_status = ?, join_result = ?, complete_node_id = ? WHERE join_job_id = ?`,
		status, nullJSON(result), nodeID, joinJobID,
	)
	return errors.Wrap(err, "complete joins")
}

func (s *MySQLStore) DueJoins(ctx context.Context, now time.Time, limit int) ([]*JoinRecord, error) {
	return s.selectJoins(ctx, `
		WHERE (next_wakeup IS NOT NULL AND next_wakeup <= ?) OR (expiration IS NOT NULL AND expiration <= ?)
		ORDER BY created_at, job_id, join_job_id LIMIT ?`,
		now, now, limit)
}

func (s *MySQLStore) UpdateJoinWakeup(ctx context.Context, jobID, joinJobID uint64, next time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE async_job_join_map SET next_wakeup = ? WHERE job_id = ? AND join_job_id = ?`,
		next, jobID, joinJobID,
	)
	return errors.Wrap(err, "update join wakeup")
}

// queues

const queueColumns = `id, sync_key, sync_obj_id, last_processed_at, created_at`

func (s *MySQLStore) getQueue(ctx context.Context, query string, lock bool, args ...interface{}) (*SyncQueue, error) {
	var q SyncQueue
	err := sqlx.GetContext(ctx, s.q, &q, s.forUpdate(`SELECT `+queueColumns+` FROM sync_queue `+query, lock), args...)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get sync queue")
	}
	return &q, nil
}

func (s *MySQLStore) GetQueue(ctx context.Context, syncKey string, syncObjID uint64, forUpdate bool) (*SyncQueue, error) {
	return s.getQueue(ctx, `WHERE sync_key = ? AND sync_obj_id = ?`, forUpdate, syncKey, syncObjID)
}

func (s *MySQLStore) GetQueueByID(ctx context.Context, id uint64, forUpdate bool) (*SyncQueue, error) {
	return s.getQueue(ctx, `WHERE id = ?`, forUpdate, id)
}

func (s *MySQLStore) CreateQueue(ctx context.Context, q *SyncQueue) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT IGNORE INTO sync_queue (sync_key, sync_obj_id, last_processed_at, created_at) VALUES (?, ?, ?, ?)`,
		q.SyncKey, q.SyncObjID, q.LastProcessedAt, q.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert sync queue")
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		q.ID = uint64(id)
	}
	return nil
}

func (s *MySQLStore) UpdateQueue(ctx context.Context, q *SyncQueue) error {
	_, err := s.q.ExecContext(ctx, `UPDATE sync_queue SET last_processed_at = ? WHERE id = ?`, q.LastProcessedAt, q.ID)
	return errors.Wrap(err, "update sync queue")
}

func (s *MySQLStore) ReadyQueues(ctx context.Context, limit int) ([]*SyncQueue, error) {
	var queues []*SyncQueue
	err := sqlx.SelectContext(ctx, s.q, &queues, `
		SELECT `+queueColumns+` FROM sync_queue q
		WHERE EXISTS (SELECT 1 FROM sync_queue_item i WHERE i.queue_id = q.id AND i.claimed_at IS NULL)
		AND NOT EXISTS (SELECT 1 FROM sync_queue_item i WHERE i.queue_id = q.id AND i.claimed_at IS NOT NULL)
		ORDER BY q.last_processed_at IS NULL DESC, q.last_processed_at, q.id
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select ready queues")
	}
	return queues, nil
}

const itemColumns = `id, queue_id, content_type, content_id, node_id, claimed_at, created_at`

func (s *MySQLStore) CreateQueueItem(ctx context.Context, it *QueueItem) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_queue_item (queue_id, content_type, content_id, node_id, claimed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		it.QueueID, it.ContentType, it.ContentID, it.NodeID, it.ClaimedAt, it.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert queue item")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "last insert id")
	}
	it.ID = uint64(id)
	return nil
}

func (s *MySQLStore) GetQueueItem(ctx context.Context, id uint64) (*QueueItem, error) {
	var it QueueItem
	err := sqlx.GetContext(ctx, s.q, &it, `SELECT `+itemColumns+` FROM sync_queue_item WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get queue item")
	}
	return &it, nil
}

func (s *MySQLStore) selectItems(ctx context.Context, query string, args ...interface{}) ([]*QueueItem, error) {
	var items []*QueueItem
	if err := sqlx.SelectContext(ctx, s.q, &items, `SELECT `+itemColumns+` FROM sync_queue_item `+query, args...); err != nil {
		return nil, errors.Wrap(err, "select queue items")
	}
	return items, nil
}

func (s *MySQLStore) ListQueueItems(ctx context.Context, queueID uint64) ([]*QueueItem, error) {
	return s.selectItems(ctx, `WHERE queue_id = ? ORDER BY id`, queueID)
}

func (s *MySQLStore) UpdateQueueItem(ctx context.Context, it *QueueItem) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE sync_queue_item SET node_id = ?, claimed_at = ? WHERE id = ?`,
		it.NodeID, it.ClaimedAt, it.ID,
	)
	return errors.Wrap(err, "update queue item")
}

func (s *MySQLStore) DeleteQueueItem(ctx context.Context, id uint64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM sync_queue_item WHERE id = ?`, id)
	return errors.Wrap(err, "delete queue item")
}

func (s *MySQLStore) DeleteQueueItemsByContent(ctx context.Context, contentType string, contentID uint64) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM sync_queue_item WHERE content_type = ? AND content_id = ?`, contentType, contentID)
	return errors.Wrap(err, "delete queue items")
}

func (s *MySQLStore) ClaimedQueueItems(ctx context.Context, nodeID string) ([]*QueueItem, error) {
	return s.selectItems(ctx, `WHERE node_id = ? AND claimed_at IS NOT NULL ORDER BY id`, nodeID)
}

func (s *MySQLStore) BlockedQueueItems(ctx context.Context, claimedBefore time.Time, limit int) ([]*QueueItem, error) {
	return s.selectItems(ctx, `WHERE claimed_at IS NOT NULL AND claimed_at < ? ORDER BY id LIMIT ?`, claimedBefore, limit)
}

// locks

func (s *MySQLStore) Lock(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error) {
	lockObtainers := []func(context.Context, string, string, time.Duration) (sql.Result, error){
		s.extendLockIfAlreadyAcquired,
		s.overwriteLockIfExpired,
		s.createLock,
	}

	for _, lockFunc := range lockObtainers {
		n, err := rowsAffected(lockFunc(ctx, name, owner, expiration))
		if err != nil {
			return false, errors.Wrap(err, "lock")
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *MySQLStore) createLock(ctx context.Context, name string, owner string, expiration time.Duration) (sql.Result, error) {
	return s.q.ExecContext(ctx,
		`INSERT IGNORE INTO jobflow_locks (name, owner, expires_at) VALUES (?, ?, ?)`,
		name, owner, time.Now().UTC().Add(expiration),
	)
}

func (s *MySQLStore) extendLockIfAlreadyAcquired(ctx context.Context, name string, owner string, expiration time.Duration) (sql.Result, error) {
	return s.q.ExecContext(ctx,
		`UPDATE jobflow_locks SET expires_at = ? WHERE name = ? AND owner = ?`,
		time.Now().UTC().Add(expiration), name, owner,
	)
}

func (s *MySQLStore) overwriteLockIfExpired(ctx context.Context, name string, owner string, expiration time.Duration) (sql.Result, error) {
	now := time.Now().UTC()
	return s.q.ExecContext(ctx,
		`UPDATE jobflow_locks SET owner = ?, expires_at = ? WHERE expires_at < ? AND name = ?`,
		owner, now.Add(expiration), now, name,
	)
}

func (s *MySQLStore) Unlock(ctx context.Context, name string, owner string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM jobflow_locks WHERE name = ? AND owner = ?`, name, owner)
	return errors.Wrap(err, "unlock")
}

// nodes

func (s *MySQLStore) UpsertNode(ctx context.Context, n *Node) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO jobflow_nodes (id, started_at, last_seen) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE last_seen = VALUES(last_seen)`,
		n.ID, n.StartedAt, n.LastSeen,
	)
	return errors.Wrap(err, "upsert node")
}

func (s *MySQLStore) ListNodes(ctx context.Context) ([]*Node, error) {
	var nodes []*Node
	err := sqlx.SelectContext(ctx, s.q, &nodes, `SELECT id, started_at, last_seen FROM jobflow_nodes ORDER BY id`)
	return nodes, errors.Wrap(err, "select nodes")
}

func (s *MySQLStore) DeleteStaleNode(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	n, err := rowsAffected(s.q.ExecContext(ctx, `DELETE FROM jobflow_nodes WHERE id = ? AND last_seen < ?`, id, cutoff))
	if err != nil {
		return false, errors.Wrap(err, "delete stale node")
	}
	return n > 0, nil
}
