package jobflow

import (
	"context"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPeer creates a manager for nodeID sharing store, clock and bus with
// the others of a test cluster.
func newPeer(t *testing.T, store *MemStore, mc *clock.MockClock, bus MessageBus, nodeID string, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := testConfig(store, mc, nodeID)
	cfg.Bus = bus
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(5 * time.Second) })
	return m
}

// crashedWork leaves behind what a node dies with: a job it was executing
// from a sync queue, a job it was executing directly, a job it initiated that
// nobody claimed yet and a job that already finished.
type crashedWork struct {
	queued, running, pending, finished uint64
	item                               *QueueItem
}

func seedCrashedWork(t *testing.T, store *MemStore, q *SyncQueues, nodeID string) crashedWork {
	t.Helper()
	ctx := context.Background()
	create := func(j *Job) uint64 {
		require.NoError(t, store.CreateJob(ctx, j))
		return j.ID
	}

	var w crashedWork
	w.queued = create(&Job{Dispatcher: "x", Status: JobInProgress, InitNodeID: nodeID, ExecutingNodeID: nodeID})
	item, err := q.Enqueue(ctx, "VM-"+nodeID, 1, ContentTypeAsyncJob, w.queued, 10)
	require.NoError(t, err)
	w.item, err = q.DequeueOne(ctx, item.QueueID, nodeID)
	require.NoError(t, err)
	require.NotNil(t, w.item)

	w.running = create(&Job{Dispatcher: "x", Status: JobInProgress, InitNodeID: "node-z", ExecutingNodeID: nodeID})
	w.pending = create(&Job{Dispatcher: "x", Status: JobQueued, InitNodeID: nodeID})
	w.finished = create(&Job{Dispatcher: "x", Status: JobSucceeded, InitNodeID: nodeID, ExecutingNodeID: nodeID})
	return w
}

func TestOnNodeLeftFailsEachJobOnce(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMockClock()
	store := NewMemStoreWithClock(mc)
	bus := NewLocalBus()
	a := newPeer(t, store, mc, bus, "node-a")
	c := newPeer(t, store, mc, bus, "node-c")
	published := countPublishes(t, bus, TopicJobStateChanged)

	w := seedCrashedWork(t, store, a.Queues(), "node-b")
	untouched := &Job{Dispatcher: "x", Status: JobInProgress, InitNodeID: "node-a", ExecutingNodeID: "node-a"}
	require.NoError(t, store.CreateJob(ctx, untouched))

	require.NoError(t, a.OnNodeLeft(ctx, []string{"node-b", "node-a"}))
	require.NoError(t, c.OnNodeLeft(ctx, []string{"node-b"}))

	job, err := store.GetJob(ctx, w.queued)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Zero(t, job.ResultCode)
	assert.JSONEq(t, `"`+shutdownCancelResult+`"`, string(job.Result))
	_, err = store.GetQueueItem(ctx, w.item.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []uint64{w.running, w.pending} {
		job, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, JobFailed, job.Status)
		assert.Equal(t, InternalErrorCode, job.ResultCode)
		assert.JSONEq(t, `"`+restartCancelResult+`"`, string(job.Result))
		assert.Empty(t, job.ExecutingNodeID)
	}

	for _, id := range []uint64{w.queued, w.running, w.pending} {
		assert.Equal(t, 1, published.get(id), "job %d", id)
	}
	assert.Zero(t, published.get(w.finished))

	job, err = store.GetJob(ctx, w.finished)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, job.Status)

	job, err = store.GetJob(ctx, untouched.ID)
	require.NoError(t, err)
	assert.Equal(t, JobInProgress, job.Status, "a node never recovers itself as a departed peer")
}

func TestStartRecoversOwnWork(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	pseudo, err := m.PseudoJob(ctx, 1, 1, 5)
	require.NoError(t, err)
	w := seedCrashedWork(t, store, m.Queues(), "node-a")
	other := seedCrashedWork(t, store, m.Queues(), "node-b")

	require.NoError(t, m.Start(ctx))
	require.Error(t, m.Start(ctx), "starting twice fails")

	_, err = m.Get(ctx, pseudo.ID)
	assert.ErrorIs(t, err, ErrNotFound, "pseudo jobs of a previous run are removed")

	for _, id := range []uint64{w.queued, w.running, w.pending} {
		job, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, JobFailed, job.Status, "job %d", id)
	}
	for _, id := range []uint64{other.queued, other.running} {
		job, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, JobInProgress, job.Status, "job %d of another node", id)
	}
}

func TestOnNodeJoined(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)
	w := seedCrashedWork(t, store, m.Queues(), "node-a")

	require.NoError(t, m.OnNodeJoined(ctx, []string{"node-x"}))
	job, err := m.Get(ctx, w.running)
	require.NoError(t, err)
	assert.Equal(t, JobInProgress, job.Status)

	require.NoError(t, m.OnNodeJoined(ctx, []string{"node-x", "node-a"}))
	job, err = m.Get(ctx, w.running)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status, "leftovers of the previous run are failed")

	live := &Job{Dispatcher: "x", Status: JobInProgress, InitNodeID: "node-a", ExecutingNodeID: "node-a"}
	require.NoError(t, store.CreateJob(ctx, live))
	require.NoError(t, m.OnNodeJoined(ctx, []string{"node-a"}))
	job, err = m.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, JobInProgress, job.Status, "a node recovers itself once")
}

func TestOnNodeJoinedKeepsLiveWork(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	release := make(chan struct{})
	started := make(chan struct{})
	m.RegisterDispatcher(NewDispatcher("slow", func(ctx context.Context, job *Job) error {
		close(started)
		<-release
		return m.Complete(ctx, job.ID, JobSucceeded, 0, "done")
	}))
	require.NoError(t, m.Start(ctx))

	id, err := m.Submit(ctx, &Job{Dispatcher: "slow"}, false)
	require.NoError(t, err)
	<-started

	require.NoError(t, m.OnNodeJoined(ctx, []string{m.NodeID()}))
	job, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobInProgress, job.Status, "rejoining does not fail running jobs")

	close(release)
	job = waitForStatus(t, m, id, JobSucceeded)
	assert.JSONEq(t, `"done"`, string(job.Result))
}

func TestRestartRecoversWithDefaultNodeID(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMockClock()
	store := NewMemStoreWithClock(mc)
	bus := NewLocalBus()

	before := newPeer(t, store, mc, bus, "")
	release := make(chan struct{})
	started := make(chan struct{})
	before.RegisterDispatcher(NewDispatcher("slow", func(ctx context.Context, job *Job) error {
		close(started)
		<-release
		return nil
	}))
	defer close(release)
	id, err := before.Submit(ctx, &Job{Dispatcher: "slow"}, false)
	require.NoError(t, err)
	<-started

	after := newPeer(t, store, mc, bus, "")
	require.Equal(t, before.NodeID(), after.NodeID(), "the default identity survives a restart")
	require.NoError(t, after.Start(ctx))

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, InternalErrorCode, job.ResultCode)
	assert.JSONEq(t, `"`+restartCancelResult+`"`, string(job.Result))
}

func TestMembershipTickRecoversDeadPeer(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMockClock()
	store := NewMemStoreWithClock(mc)
	bus := NewLocalBus()
	dead := func(c *Config) { c.NodeDeadAfter = time.Minute }
	a := newPeer(t, store, mc, bus, "node-a", dead)
	b := newPeer(t, store, mc, bus, "node-b", dead)
	c := newPeer(t, store, mc, bus, "node-c", dead)

	started := a.now()
	require.NoError(t, a.membershipTick(ctx, started))
	require.NoError(t, b.membershipTick(ctx, started))
	require.NoError(t, c.membershipTick(ctx, started))
	w := seedCrashedWork(t, store, a.Queues(), "node-b")
	published := countPublishes(t, bus, TopicJobStateChanged)

	mc.AddTime(30 * time.Second)
	require.NoError(t, a.membershipTick(ctx, started))
	require.NoError(t, c.membershipTick(ctx, started))
	job, err := store.GetJob(ctx, w.running)
	require.NoError(t, err)
	assert.Equal(t, JobInProgress, job.Status, "a peer is alive until its heartbeat is stale")

	mc.AddTime(45 * time.Second)
	require.NoError(t, a.membershipTick(ctx, started))
	require.NoError(t, c.membershipTick(ctx, started))

	job, err = store.GetJob(ctx, w.running)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, 1, published.get(w.running))

	nodes, err := store.ListNodes(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{"node-a", "node-c"}, ids)
}
