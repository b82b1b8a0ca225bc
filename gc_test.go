package jobflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCExpungesOnlyExpiredJobs(t *testing.T) {
	ctx := context.Background()
	m, store, mc := newTestManager(t, func(c *Config) { c.JobExpiry = time.Hour })
	m.RegisterDispatcher(parkDispatcher("park"))

	done := submitParked(t, m)
	require.NoError(t, m.Complete(ctx, done, JobSucceeded, 0, nil))
	stale := submitParked(t, m)
	busy := submitParked(t, m)
	item, err := m.Queues().Enqueue(ctx, "VM", 1, ContentTypeAsyncJob, stale, 10)
	require.NoError(t, err)

	mc.AddTime(50 * time.Minute)
	require.NoError(t, m.UpdateProcessStatus(ctx, busy, 1, nil))

	mc.AddTime(9 * time.Minute)
	require.NoError(t, m.gc(ctx))
	for _, id := range []uint64{done, stale, busy} {
		_, err := m.Get(ctx, id)
		require.NoError(t, err, "job %d expunged inside the expiry window", id)
	}

	mc.AddTime(2 * time.Minute)
	require.NoError(t, m.gc(ctx))

	_, err = m.Get(ctx, done)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, stale)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, busy)
	assert.NoError(t, err, "a recently updated unfinished job is kept")

	items, err := store.ListQueueItems(ctx, item.QueueID)
	require.NoError(t, err)
	assert.Empty(t, items, "queue items of expunged jobs are removed")

	ok, err := store.Lock(ctx, gcLockName, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "the gc lease is released after a pass")
}

func TestGCCancelsBlockingJobs(t *testing.T) {
	ctx := context.Background()
	m, store, mc := newTestManager(t, func(c *Config) { c.JobCancelThreshold = 30 * time.Minute })

	job := &Job{Dispatcher: "park", Status: JobInProgress, InitNodeID: "node-b", ExecutingNodeID: "node-b"}
	require.NoError(t, store.CreateJob(ctx, job))
	item, err := m.Queues().Enqueue(ctx, "VM", 1, ContentTypeAsyncJob, job.ID, 10)
	require.NoError(t, err)
	_, err = m.Queues().DequeueOne(ctx, item.QueueID, "node-b")
	require.NoError(t, err)
	published := countPublishes(t, m.cfg.Bus, TopicJobStateChanged)

	mc.AddTime(29 * time.Minute)
	require.NoError(t, m.gc(ctx))
	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobInProgress, got.Status)

	mc.AddTime(2 * time.Minute)
	require.NoError(t, m.gc(ctx))

	got, err = m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	assert.Zero(t, got.ResultCode)
	assert.JSONEq(t, `"`+blockedJobResult+`"`, string(got.Result))
	assert.Equal(t, 1, published.get(job.ID))

	_, err = store.GetQueueItem(ctx, item.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGCSkipsWhenLockHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	m, store, mc := newTestManager(t, func(c *Config) { c.JobExpiry = time.Hour })
	m.RegisterDispatcher(parkDispatcher("park"))

	id := submitParked(t, m)
	require.NoError(t, m.Complete(ctx, id, JobSucceeded, 0, nil))

	ok, err := store.Lock(ctx, gcLockName, "other", 3*time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	mc.AddTime(2 * time.Hour)
	require.NoError(t, m.gc(ctx))
	_, err = m.Get(ctx, id)
	require.NoError(t, err, "nothing is collected without the lease")

	require.NoError(t, store.Unlock(ctx, gcLockName, "other"))
	require.NoError(t, m.gc(ctx))
	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}
