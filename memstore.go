package jobflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
)

// MemStore is an in-process Store. Transactions are serialized and rolled
// back from a snapshot on error. It is meant for tests and single-node
// deployments that do not need durability across restarts.
type MemStore struct {
	shared *memShared
	inTx   bool
}

type memShared struct {
	mu    sync.Mutex
	clock clock.Clock
	d     *memData
}

type joinKey struct {
	jobID, joinJobID uint64
}

type memLock struct {
	owner     string
	expiresAt time.Time
}

type memData struct {
	nextJobID, nextJournalID, nextQueueID, nextItemID uint64

	jobs    map[uint64]*Job
	journal []*JournalEntry
	joins   map[joinKey]*JoinRecord
	queues  map[uint64]*SyncQueue
	items   map[uint64]*QueueItem
	locks   map[string]memLock
	nodes   map[string]*Node
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store using the wall clock for
// lock expiry.
func NewMemStore() *MemStore {
	return NewMemStoreWithClock(clock.C)
}

// NewMemStoreWithClock creates an empty in-memory store using c for lock
// expiry.
func NewMemStoreWithClock(c clock.Clock) *MemStore {
	return &MemStore{
		shared: &memShared{
			clock: c,
			d: &memData{
				jobs:   make(map[uint64]*Job),
				joins:  make(map[joinKey]*JoinRecord),
				queues: make(map[uint64]*SyncQueue),
				items:  make(map[uint64]*QueueItem),
				locks:  make(map[string]memLock),
				nodes:  make(map[string]*Node),
			},
		},
	}
}

func (s *MemStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.shared.mu.Lock()
	return s.shared.mu.Unlock
}

func (s *MemStore) data() *memData {
	return s.shared.d
}

func (s *MemStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	snapshot := s.shared.d.clone()
	if err := fn(&MemStore{shared: s.shared, inTx: true}); err != nil {
		s.shared.d = snapshot
		return err
	}
	return nil
}

func (d *memData) clone() *memData {
	c := &memData{
		nextJobID:     d.nextJobID,
		nextJournalID: d.nextJournalID,
		nextQueueID:   d.nextQueueID,
		nextItemID:    d.nextItemID,
		jobs:          make(map[uint64]*Job, len(d.jobs)),
		journal:       append([]*JournalEntry(nil), d.journal...),
		joins:         make(map[joinKey]*JoinRecord, len(d.joins)),
		queues:        make(map[uint64]*SyncQueue, len(d.queues)),
		items:         make(map[uint64]*QueueItem, len(d.items)),
		locks:         make(map[string]memLock, len(d.locks)),
		nodes:         make(map[string]*Node, len(d.nodes)),
	}
	for k, v := range d.jobs {
		c.jobs[k] = v.clone()
	}
	for k, v := range d.joins {
		j := *v
		c.joins[k] = &j
	}
	for k, v := range d.queues {
		q := *v
		c.queues[k] = &q
	}
	for k, v := range d.items {
		it := *v
		c.items[k] = &it
	}
	for k, v := range d.locks {
		c.locks[k] = v
	}
	for k, v := range d.nodes {
		n := *v
		c.nodes[k] = &n
	}
	return c
}

// jobs

func (s *MemStore) CreateJob(ctx context.Context, job *Job) error {
	defer s.lock()()
	d := s.data()
	d.nextJobID++
	job.ID = d.nextJobID
	d.jobs[job.ID] = job.clone()
	return nil
}

func (s *MemStore) GetJob(ctx context.Context, id uint64) (*Job, error) {
	defer s.lock()()
	j, ok := s.data().jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.clone(), nil
}

func (s *MemStore) UpdateJob(ctx context.Context, job *Job) error {
	defer s.lock()()
	d := s.data()
	if _, ok := d.jobs[job.ID]; !ok {
		return nil
	}
	d.jobs[job.ID] = job.clone()
	return nil
}

func (s *MemStore) ClaimJob(ctx context.Context, id uint64, nodeID string, syncSourceID *uint64) (bool, error) {
	defer s.lock()()
	j, ok := s.data().jobs[id]
	if !ok || j.ExecutingNodeID != "" {
		return false, nil
	}
	j.ExecutingNodeID = nodeID
	j.SyncSourceID = nil
	if syncSourceID != nil {
		v := *syncSourceID
		j.SyncSourceID = &v
	}
	return true, nil
}

func (s *MemStore) ReleaseJob(ctx context.Context, id uint64) error {
	defer s.lock()()
	if j, ok := s.data().jobs[id]; ok {
		j.ExecutingNodeID = ""
		j.SyncSourceID = nil
	}
	return nil
}

func (s *MemStore) SignalJob(ctx context.Context, id uint64, signals int, wakeupDispatcher string) error {
	defer s.lock()()
	if j, ok := s.data().jobs[id]; ok {
		j.PendingSignals |= signals
		if wakeupDispatcher != "" {
			j.WakeupDispatcher = wakeupDispatcher
		}
	}
	return nil
}

func (s *MemStore) ClearPendingSignals(ctx context.Context, id uint64) (int, error) {
	defer s.lock()()
	j, ok := s.data().jobs[id]
	if !ok {
		return 0, ErrNotFound
	}
	prev := j.PendingSignals
	j.PendingSignals = 0
	return prev, nil
}

func (s *MemStore) ListPendingJobs(ctx context.Context, instanceType string, accountID uint64) ([]*Job, error) {
	defer s.lock()()
	return s.selectJobs(0, func(j *Job) bool {
		return !j.Status.Terminal() && j.InstanceType == instanceType && j.AccountID == accountID
	}), nil
}

func (s *MemStore) ListSignaledJobs(ctx context.Context, limit int) ([]*Job, error) {
	defer s.lock()()
	return s.selectJobs(limit, func(j *Job) bool {
		return !j.Status.Terminal() && j.PendingSignals != 0 && j.ExecutingNodeID == ""
	}), nil
}

func (s *MemStore) FindPseudoJob(ctx context.Context, sessionID uint64, nodeID string) (*Job, error) {
	defer s.lock()()
	jobs := s.selectJobs(1, func(j *Job) bool {
		return j.Dispatcher == pseudoJobDispatcher && j.InitNodeID == nodeID &&
			j.InstanceID != nil && *j.InstanceID == sessionID
	})
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

func (s *MemStore) CleanupPseudoJobs(ctx context.Context, nodeID string) error {
	defer s.lock()()
	d := s.data()
	for id, j := range d.jobs {
		if j.Dispatcher == pseudoJobDispatcher && j.InitNodeID == nodeID {
			d.deleteJob(id)
		}
	}
	return nil
}

func (s *MemStore) ExpiredUnfinishedJobs(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	defer s.lock()()
	return s.selectJobs(limit, func(j *Job) bool {
		return !j.Status.Terminal() && j.CreatedAt.Before(cutoff) && j.LastUpdated.Before(cutoff)
	}), nil
}

func (s *MemStore) ExpiredCompletedJobs(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	defer s.lock()()
	return s.selectJobs(limit, func(j *Job) bool {
		return j.Status.Terminal() && j.LastUpdated.Before(cutoff)
	}), nil
}

func (s *MemStore) ExpungeJob(ctx context.Context, id uint64) error {
	defer s.lock()()
	s.data().deleteJob(id)
	return nil
}

func (s *MemStore) ResetJobProcess(ctx context.Context, nodeID string, resultCode int, result []byte, at time.Time) ([]uint64, error) {
	defer s.lock()()
	var ids []uint64
	for _, j := range s.selectJobsRaw(0, func(j *Job) bool {
		if j.Status.Terminal() {
			return false
		}
		return j.ExecutingNodeID == nodeID || (j.ExecutingNodeID == "" && j.InitNodeID == nodeID)
	}) {
		j.Status = JobFailed
		j.PendingSignals = 0
		j.ResultCode = resultCode
		j.Result = append([]byte(nil), result...)
		j.ExecutingNodeID = ""
		j.LastUpdated = at
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (d *memData) deleteJob(id uint64) {
	delete(d.jobs, id)
	kept := d.journal[:0]
	for _, e := range d.journal {
		if e.JobID != id {
			kept = append(kept, e)
		}
	}
	d.journal = kept
	for k := range d.joins {
		if k.jobID == id || k.joinJobID == id {
			delete(d.joins, k)
		}
	}
}

// selectJobsRaw returns matching stored jobs in id order, without copying.
func (s *MemStore) selectJobsRaw(limit int, match func(*Job) bool) []*Job {
	var out []*Job
	for _, j := range s.data().jobs {
		if match(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemStore) selectJobs(limit int, match func(*Job) bool) []*Job {
	raw := s.selectJobsRaw(limit, match)
	out := make([]*Job, 0, len(raw))
	for _, j := range raw {
		out = append(out, j.clone())
	}
	return out
}

// journal

func (s *MemStore) AppendJournal(ctx context.Context, e *JournalEntry) error {
	defer s.lock()()
	d := s.data()
	d.nextJournalID++
	e.ID = d.nextJournalID
	c := *e
	d.journal = append(d.journal, &c)
	return nil
}

func (s *MemStore) ListJournal(ctx context.Context, jobID uint64) ([]*JournalEntry, error) {
	defer s.lock()()
	var out []*JournalEntry
	for _, e := range s.data().journal {
		if e.JobID == jobID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// joins

func (s *MemStore) CreateJoin(ctx context.Context, j *JoinRecord) error {
	defer s.lock()()
	c := *j
	s.data().joins[joinKey{j.JobID, j.JoinJobID}] = &c
	return nil
}

func (s *MemStore) DeleteJoin(ctx context.Context, jobID, joinJobID uint64) error {
	defer s.lock()()
	delete(s.data().joins, joinKey{jobID, joinJobID})
	return nil
}

func (s *MemStore) ListJoinsByJob(ctx context.Context, jobID uint64) ([]*JoinRecord, error) {
	defer s.lock()()
	return s.selectJoins(0, func(j *JoinRecord) bool { return j.JobID == jobID }), nil
}

func (s *MemStore) ListJoinsByJoined(ctx context.Context, joinJobID uint64) ([]*JoinRecord, error) {
	defer s.lock()()
	return s.selectJoins(0, func(j *JoinRecord) bool { return j.JoinJobID == joinJobID }), nil
}

func (s *MemStore) DeleteJoinsByJoined(ctx context.Context, joinJobID uint64) error {
	defer s.lock()()
	d := s.data()
	for k := range d.joins {
		if k.joinJobID == joinJobID {
			delete(d.joins, k)
		}
	}
	return nil
}

func (s *MemStore) CompleteJoins(ctx context.Context, joinJobID uint64, status JobStatus, result []byte, nodeID string) error {
	defer s.lock()()
	for k, j := range s.data().joins {
		if k.joinJobID == joinJobID {
			st := status
			j.JoinStatus = &st
			j.JoinResult = append([]byte(nil), result...)
			j.CompleteNodeID = nodeID
		}
	}
	return nil
}

func (s *MemStore) DueJoins(ctx context.Context, now time.Time, limit int) ([]*JoinRecord, error) {
	defer s.lock()()
	return s.selectJoins(limit, func(j *JoinRecord) bool {
		return (j.NextWakeup != nil && !j.NextWakeup.After(now)) ||
			(j.Expiration != nil && !j.Expiration.After(now))
	}), nil
}

func (s *MemStore) UpdateJoinWakeup(ctx context.Context, jobID, joinJobID uint64, next time.Time) error {
	defer s.lock()()
	if j, ok := s.data().joins[joinKey{jobID, joinJobID}]; ok {
		j.NextWakeup = &next
	}
	return nil
}

func (s *MemStore) selectJoins(limit int, match func(*JoinRecord) bool) []*JoinRecord {
	var out []*JoinRecord
	for _, j := range s.data().joins {
		if match(j) {
			c := *j
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			if out[a].JobID == out[b].JobID {
				return out[a].JoinJobID < out[b].JoinJobID
			}
			return out[a].JobID < out[b].JobID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// queues

func (s *MemStore) GetQueue(ctx context.Context, syncKey string, syncObjID uint64, forUpdate bool) (*SyncQueue, error) {
	defer s.lock()()
	for _, q := range s.data().queues {
		if q.SyncKey == syncKey && q.SyncObjID == syncObjID {
			c := *q
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) GetQueueByID(ctx context.Context, id uint64, forUpdate bool) (*SyncQueue, error) {
	defer s.lock()()
	q, ok := s.data().queues[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *q
	return &c, nil
}

func (s *MemStore) CreateQueue(ctx context.Context, q *SyncQueue) error {
	defer s.lock()()
	d := s.data()
	for _, existing := range d.queues {
		if existing.SyncKey == q.SyncKey && existing.SyncObjID == q.SyncObjID {
			return nil
		}
	}
	d.nextQueueID++
	q.ID = d.nextQueueID
	c := *q
	d.queues[q.ID] = &c
	return nil
}

func (s *MemStore) UpdateQueue(ctx context.Context, q *SyncQueue) error {
	defer s.lock()()
	d := s.data()
	if _, ok := d.queues[q.ID]; ok {
		c := *q
		d.queues[q.ID] = &c
	}
	return nil
}

func (s *MemStore) ReadyQueues(ctx context.Context, limit int) ([]*SyncQueue, error) {
	defer s.lock()()
	d := s.data()
	pending := make(map[uint64]bool)
	claimed := make(map[uint64]bool)
	for _, it := range d.items {
		if it.Claimed() {
			claimed[it.QueueID] = true
		} else {
			pending[it.QueueID] = true
		}
	}
	var out []*SyncQueue
	for id := range pending {
		if claimed[id] {
			continue
		}
		c := *d.queues[id]
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool {
		la, lb := out[a].LastProcessedAt, out[b].LastProcessedAt
		switch {
		case la == nil && lb == nil:
			return out[a].ID < out[b].ID
		case la == nil:
			return true
		case lb == nil:
			return false
		case la.Equal(*lb):
			return out[a].ID < out[b].ID
		}
		return la.Before(*lb)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) CreateQueueItem(ctx context.Context, it *QueueItem) error {
	defer s.lock()()
	d := s.data()
	d.nextItemID++
	it.ID = d.nextItemID
	c := *it
	d.items[it.ID] = &c
	return nil
}

func (s *MemStore) GetQueueItem(ctx context.Context, id uint64) (*QueueItem, error) {
	defer s.lock()()
	it, ok := s.data().items[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *it
	return &c, nil
}

func (s *MemStore) ListQueueItems(ctx context.Context, queueID uint64) ([]*QueueItem, error) {
	defer s.lock()()
	return s.selectItems(0, func(it *QueueItem) bool { return it.QueueID == queueID }), nil
}

func (s *MemStore) UpdateQueueItem(ctx context.Context, it *QueueItem) error {
	defer s.lock()()
	d := s.data()
	if _, ok := d.items[it.ID]; ok {
		c := *it
		d.items[it.ID] = &c
	}
	return nil
}

func (s *MemStore) DeleteQueueItem(ctx context.Context, id uint64) error {
	defer s.lock()()
	delete(s.data().items, id)
	return nil
}

func (s *MemStore) DeleteQueueItemsByContent(ctx context.Context, contentType string, contentID uint64) error {
	defer s.lock()()
	d := s.data()
	for id, it := range d.items {
		if it.ContentType == contentType && it.ContentID == contentID {
			delete(d.items, id)
		}
	}
	return nil
}

func (s *MemStore) ClaimedQueueItems(ctx context.Context, nodeID string) ([]*QueueItem, error) {
	defer s.lock()()
	return s.selectItems(0, func(it *QueueItem) bool {
		return it.Claimed() && it.NodeID == nodeID
	}), nil
}

func (s *MemStore) BlockedQueueItems(ctx context.Context, claimedBefore time.Time, limit int) ([]*QueueItem, error) {
	defer s.lock()()
	return s.selectItems(limit, func(it *QueueItem) bool {
		return it.Claimed() && it.ClaimedAt.Before(claimedBefore)
	}), nil
}

func (s *MemStore) selectItems(limit int, match func(*QueueItem) bool) []*QueueItem {
	var out []*QueueItem
	for _, it := range s.data().items {
		if match(it) {
			c := *it
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// locks

func (s *MemStore) Lock(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error) {
	defer s.lock()()
	d := s.data()
	now := s.shared.clock.Now()
	l, ok := d.locks[name]
	if ok && l.owner != owner && l.expiresAt.After(now) {
		return false, nil
	}
	d.locks[name] = memLock{owner: owner, expiresAt: now.Add(expiration)}
	return true, nil
}

func (s *MemStore) Unlock(ctx context.Context, name string, owner string) error {
	defer s.lock()()
	d := s.data()
	if l, ok := d.locks[name]; ok && l.owner == owner {
		delete(d.locks, name)
	}
	return nil
}

// nodes

func (s *MemStore) UpsertNode(ctx context.Context, n *Node) error {
	defer s.lock()()
	c := *n
	if existing, ok := s.data().nodes[n.ID]; ok {
		c.StartedAt = existing.StartedAt
	}
	s.data().nodes[n.ID] = &c
	return nil
}

func (s *MemStore) ListNodes(ctx context.Context) ([]*Node, error) {
	defer s.lock()()
	var out []*Node
	for _, n := range s.data().nodes {
		c := *n
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *MemStore) DeleteStaleNode(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	defer s.lock()()
	d := s.data()
	n, ok := d.nodes[id]
	if !ok || !n.LastSeen.Before(cutoff) {
		return false, nil
	}
	delete(d.nodes, id)
	return true, nil
}
