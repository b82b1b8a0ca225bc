package jobflow

import (
	"context"
	"time"
)

// Store is the durable source of truth for jobs, journal entries, join
// records, sync queues, locks and cluster nodes.
//
// Single-row lookups return ErrNotFound when the row does not exist. Updates
// and deletes of missing rows are not errors.
type Store interface {
	// InTx runs fn inside one atomic unit. The Store handed to fn is bound to
	// that unit; calling InTx on it again joins the same unit. fn may be run
	// more than once when the backend retries a transient failure, so it must
	// not keep state across runs.
	InTx(ctx context.Context, fn func(tx Store) error) error

	JobStore
	JournalStore
	JoinStore
	QueueStore
	LockStore
	NodeStore
}

// JobStore persists Job rows.
type JobStore interface {
	// CreateJob inserts job and sets its ID.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uint64) (*Job, error)
	// UpdateJob writes every mutable column of job.
	UpdateJob(ctx context.Context, job *Job) error
	// ClaimJob records nodeID as the executing node (and the sync source) if
	// no node currently executes the job.
	ClaimJob(ctx context.Context, id uint64, nodeID string, syncSourceID *uint64) (bool, error)
	// ReleaseJob clears the executing node and the sync source.
	ReleaseJob(ctx context.Context, id uint64) error
	// SignalJob ORs signals into the pending signals and, if non-empty,
	// records the dispatcher that handles the wakeup.
	SignalJob(ctx context.Context, id uint64, signals int, wakeupDispatcher string) error
	// ClearPendingSignals atomically resets the pending signals and returns
	// their previous value.
	ClearPendingSignals(ctx context.Context, id uint64) (int, error)
	ListPendingJobs(ctx context.Context, instanceType string, accountID uint64) ([]*Job, error)
	// ListSignaledJobs returns non-terminal unclaimed jobs with pending
	// signals.
	ListSignaledJobs(ctx context.Context, limit int) ([]*Job, error)
	FindPseudoJob(ctx context.Context, sessionID uint64, nodeID string) (*Job, error)
	CleanupPseudoJobs(ctx context.Context, nodeID string) error
	ExpiredUnfinishedJobs(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)
	ExpiredCompletedJobs(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)
	// ExpungeJob deletes a job together with its journal and join records.
	ExpungeJob(ctx context.Context, id uint64) error
	// ResetJobProcess fails every non-terminal job executing on nodeID, or
	// initiated by nodeID and not executing anywhere, and returns their ids.
	ResetJobProcess(ctx context.Context, nodeID string, resultCode int, result []byte, at time.Time) ([]uint64, error)
}

// JournalStore persists journal entries.
type JournalStore interface {
	AppendJournal(ctx context.Context, e *JournalEntry) error
	ListJournal(ctx context.Context, jobID uint64) ([]*JournalEntry, error)
}

// JoinStore persists join records.
type JoinStore interface {
	CreateJoin(ctx context.Context, j *JoinRecord) error
	DeleteJoin(ctx context.Context, jobID, joinJobID uint64) error
	ListJoinsByJob(ctx context.Context, jobID uint64) ([]*JoinRecord, error)
	ListJoinsByJoined(ctx context.Context, joinJobID uint64) ([]*JoinRecord, error)
	DeleteJoinsByJoined(ctx context.Context, joinJobID uint64) error
	CompleteJoins(ctx context.Context, joinJobID uint64, status JobStatus, result []byte, nodeID string) error
	// DueJoins returns records whose next wakeup or expiration is not after
	// now.
	DueJoins(ctx context.Context, now time.Time, limit int) ([]*JoinRecord, error)
	UpdateJoinWakeup(ctx context.Context, jobID, joinJobID uint64, next time.Time) error
}

// QueueStore persists sync queues and their items.
type QueueStore interface {
	// GetQueue looks a queue up by key. forUpdate locks the row until the
	// enclosing transaction ends.
	GetQueue(ctx context.Context, syncKey string, syncObjID uint64, forUpdate bool) (*SyncQueue, error)
	GetQueueByID(ctx context.Context, id uint64, forUpdate bool) (*SyncQueue, error)
	// CreateQueue inserts q unless a queue with the same key exists.
	CreateQueue(ctx context.Context, q *SyncQueue) error
	UpdateQueue(ctx context.Context, q *SyncQueue) error
	// ReadyQueues lists queues with pending items and no claimed item, least
	// recently processed first.
	ReadyQueues(ctx context.Context, limit int) ([]*SyncQueue, error)

	CreateQueueItem(ctx context.Context, it *QueueItem) error
	GetQueueItem(ctx context.Context, id uint64) (*QueueItem, error)
	// ListQueueItems returns the items of a queue in enqueue order.
	ListQueueItems(ctx context.Context, queueID uint64) ([]*QueueItem, error)
	UpdateQueueItem(ctx context.Context, it *QueueItem) error
	DeleteQueueItem(ctx context.Context, id uint64) error
	DeleteQueueItemsByContent(ctx context.Context, contentType string, contentID uint64) error
	ClaimedQueueItems(ctx context.Context, nodeID string) ([]*QueueItem, error)
	BlockedQueueItems(ctx context.Context, claimedBefore time.Time, limit int) ([]*QueueItem, error)
}

// LockStore provides named leases shared by the cluster.
type LockStore interface {
	// Lock acquires (or extends, when owner already holds it) the named
	// lease until now+expiration.
	Lock(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error)
	Unlock(ctx context.Context, name string, owner string) error
}

// NodeStore persists cluster membership heartbeats.
type NodeStore interface {
	UpsertNode(ctx context.Context, n *Node) error
	ListNodes(ctx context.Context) ([]*Node, error)
	// DeleteStaleNode deletes the node if it was last seen before cutoff and
	// reports whether this call removed it.
	DeleteStaleNode(ctx context.Context, id string, cutoff time.Time) (bool, error)
}
