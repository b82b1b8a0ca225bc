package jobflow

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates the possible states of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// SignalWakeup is the only pending signal: the job should be resumed through
// its wakeup dispatcher.
const SignalWakeup = 1

// InternalErrorCode is the result code used when the engine fails a job on
// behalf of a dispatcher.
const InternalErrorCode = 530

// ContentTypeAsyncJob marks queue items whose content id is a job id.
const ContentTypeAsyncJob = "AsyncJob"

const (
	pseudoJobDispatcher   = "pseudoJobDispatcher"
	pseudoJobInstanceType = "Thread"
)

// JournalType classifies a journal entry.
type JournalType string

const (
	JournalTypeSuccess JournalType = "SUCCESS"
	JournalTypeFailure JournalType = "FAILURE"
	JournalTypeInfo    JournalType = "INFO"
)

// Job corresponds to one row in the async_job table.
type Job struct {
	ID         uint64          `db:"id"`
	AccountID  uint64          `db:"account_id"`
	UserID     uint64          `db:"user_id"`
	Dispatcher string          `db:"dispatcher"`
	Cmd        string          `db:"cmd"`
	CmdInfo    json.RawMessage `db:"cmd_info"`

	Status        JobStatus       `db:"status"`
	ProcessStatus int             `db:"process_status"`
	ResultCode    int             `db:"result_code"`
	Result        json.RawMessage `db:"result"`

	InstanceType string  `db:"instance_type"`
	InstanceID   *uint64 `db:"instance_id"`

	InitNodeID      string `db:"init_node_id"`
	CompleteNodeID  string `db:"complete_node_id"`
	ExecutingNodeID string `db:"executing_node_id"`

	PendingSignals   int    `db:"pending_signals"`
	WakeupDispatcher string `db:"wakeup_dispatcher"`

	SyncSourceID *uint64 `db:"sync_source_id"`
	// SyncSource is the claimed queue item granting this run its execution
	// rights. Only set on the copy handed to an execution.
	SyncSource *QueueItem `db:"-"`

	CreatedAt   time.Time  `db:"created_at"`
	LastUpdated time.Time  `db:"last_updated"`
	LastPolled  *time.Time `db:"last_polled"`
}

// DecodeCmdInfo unmarshals the command payload into v.
func (j *Job) DecodeCmdInfo(v any) error {
	if len(j.CmdInfo) == 0 {
		return nil
	}
	return json.Unmarshal(j.CmdInfo, v)
}

// DecodeResult unmarshals the result payload into v.
func (j *Job) DecodeResult(v any) error {
	if len(j.Result) == 0 {
		return nil
	}
	return json.Unmarshal(j.Result, v)
}

func (j *Job) clone() *Job {
	c := *j
	if j.InstanceID != nil {
		id := *j.InstanceID
		c.InstanceID = &id
	}
	if j.SyncSourceID != nil {
		id := *j.SyncSourceID
		c.SyncSourceID = &id
	}
	if j.LastPolled != nil {
		t := *j.LastPolled
		c.LastPolled = &t
	}
	c.CmdInfo = append(json.RawMessage(nil), j.CmdInfo...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	return &c
}

// JournalEntry is an append-only audit record attached to a job.
type JournalEntry struct {
	ID        uint64          `db:"id"`
	JobID     uint64          `db:"job_id"`
	Type      JournalType     `db:"journal_type"`
	Text      string          `db:"journal_text"`
	Payload   json.RawMessage `db:"journal_obj"`
	CreatedAt time.Time       `db:"created_at"`
}

// JoinRecord says that job JobID waits on job JoinJobID.
type JoinRecord struct {
	JobID     uint64 `db:"job_id"`
	JoinJobID uint64 `db:"join_job_id"`
	NodeID    string `db:"node_id"`

	JoinStatus     *JobStatus      `db:"join_status"`
	JoinResult     json.RawMessage `db:"join_result"`
	CompleteNodeID string          `db:"complete_node_id"`

	WakeupHandler    string        `db:"wakeup_handler"`
	WakeupDispatcher string        `db:"wakeup_dispatcher"`
	WakeupTopics     string        `db:"wakeup_topics"`
	WakeupInterval   time.Duration `db:"wakeup_interval"`
	NextWakeup       *time.Time    `db:"next_wakeup"`
	Expiration       *time.Time    `db:"expiration"`

	SyncSourceQueueID *uint64 `db:"sync_source_queue_id"`

	CreatedAt time.Time `db:"created_at"`
}

// SyncQueue serializes access to one resource, identified by
// (SyncKey, SyncObjID), e.g. ("VM", 42).
type SyncQueue struct {
	ID              uint64     `db:"id"`
	SyncKey         string     `db:"sync_key"`
	SyncObjID       uint64     `db:"sync_obj_id"`
	LastProcessedAt *time.Time `db:"last_processed_at"`
	CreatedAt       time.Time  `db:"created_at"`
}

// QueueItem is one entry of a SyncQueue. It is claimed (NodeID and ClaimedAt
// set) while the job it refers to is executing.
type QueueItem struct {
	ID          uint64     `db:"id"`
	QueueID     uint64     `db:"queue_id"`
	ContentType string     `db:"content_type"`
	ContentID   uint64     `db:"content_id"`
	NodeID      string     `db:"node_id"`
	ClaimedAt   *time.Time `db:"claimed_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

// Claimed reports whether the item is held by an execution.
func (it *QueueItem) Claimed() bool {
	return it.ClaimedAt != nil
}

// Node is a cluster member as recorded by the store-backed membership.
type Node struct {
	ID        string    `db:"id"`
	StartedAt time.Time `db:"started_at"`
	LastSeen  time.Time `db:"last_seen"`
}
