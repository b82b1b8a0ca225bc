package jobflow

import (
	"context"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueues() (*SyncQueues, *MemStore, *clock.MockClock) {
	mc := clock.NewMockClock()
	s := NewMemStoreWithClock(mc)
	return NewSyncQueues(s, mc), s, mc
}

func TestEnqueueSizeLimit(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueues()

	_, err := q.Enqueue(ctx, "VM", 1, ContentTypeAsyncJob, 100, 0)
	require.ErrorIs(t, err, ErrQueueFull)

	first, err := q.Enqueue(ctx, "VM", 1, ContentTypeAsyncJob, 100, 2)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "VM", 1, ContentTypeAsyncJob, 101, 2)
	require.NoError(t, err)
	assert.Equal(t, first.QueueID, second.QueueID)

	_, err = q.Enqueue(ctx, "VM", 1, ContentTypeAsyncJob, 102, 2)
	require.ErrorIs(t, err, ErrQueueFull)

	other, err := q.Enqueue(ctx, "VM", 2, ContentTypeAsyncJob, 103, 2)
	require.NoError(t, err)
	assert.NotEqual(t, first.QueueID, other.QueueID)
}

func TestDequeueOneIsFIFOAndExclusive(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueues()

	first, err := q.Enqueue(ctx, "VM", 1, ContentTypeAsyncJob, 100, 10)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "VM", 1, ContentTypeAsyncJob, 101, 10)
	require.NoError(t, err)

	it, err := q.DequeueOne(ctx, first.QueueID, "node-a")
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, first.ID, it.ID)
	assert.Equal(t, "node-a", it.NodeID)
	assert.True(t, it.Claimed())

	it, err = q.DequeueOne(ctx, first.QueueID, "node-b")
	require.NoError(t, err)
	assert.Nil(t, it, "a queue with a claimed item yields nothing")

	require.NoError(t, q.Purge(ctx, first.ID))
	it, err = q.DequeueOne(ctx, first.QueueID, "node-b")
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, second.ID, it.ID)

	require.NoError(t, q.Purge(ctx, second.ID))
	it, err = q.DequeueOne(ctx, first.QueueID, "node-b")
	require.NoError(t, err)
	assert.Nil(t, it)

	it, err = q.DequeueOne(ctx, 999, "node-b")
	require.NoError(t, err)
	assert.Nil(t, it)
}

func TestReturnMakesItemAvailableAgain(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueues()

	item, err := q.Enqueue(ctx, "VM", 1, ContentTypeAsyncJob, 100, 10)
	require.NoError(t, err)
	_, err = q.DequeueOne(ctx, item.QueueID, "node-a")
	require.NoError(t, err)

	active, err := q.ActiveItems(ctx, "node-a")
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, q.Return(ctx, item.ID))
	active, err = q.ActiveItems(ctx, "node-a")
	require.NoError(t, err)
	assert.Empty(t, active)

	it, err := q.DequeueOne(ctx, item.QueueID, "node-b")
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, item.ID, it.ID)

	require.NoError(t, q.Return(ctx, 999))
	require.NoError(t, q.Purge(ctx, 999))
}

func TestDequeueAnyLeastRecentlyProcessedFirst(t *testing.T) {
	ctx := context.Background()
	q, _, mc := newTestQueues()

	a, err := q.Enqueue(ctx, "VM", 1, ContentTypeAsyncJob, 100, 10)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "VM", 1, ContentTypeAsyncJob, 101, 10)
	require.NoError(t, err)

	// Process one item of queue a so that it has a last processed time.
	it, err := q.DequeueOne(ctx, a.QueueID, "node-a")
	require.NoError(t, err)
	require.NoError(t, q.Purge(ctx, it.ID))
	mc.AddTime(time.Second)

	b, err := q.Enqueue(ctx, "VM", 2, ContentTypeAsyncJob, 200, 10)
	require.NoError(t, err)

	items, err := q.DequeueAny(ctx, "node-a", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, b.ID, items[0].ID, "never processed queue goes first")

	items, err = q.DequeueAny(ctx, "node-a", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(101), items[0].ContentID)

	items, err = q.DequeueAny(ctx, "node-a", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestListBlocked(t *testing.T) {
	ctx := context.Background()
	q, _, mc := newTestQueues()

	item, err := q.Enqueue(ctx, "VM", 1, ContentTypeAsyncJob, 100, 10)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "VM", 2, ContentTypeAsyncJob, 101, 10)
	require.NoError(t, err)
	_, err = q.DequeueOne(ctx, item.QueueID, "node-a")
	require.NoError(t, err)

	blocked, err := q.ListBlocked(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, blocked)

	mc.AddTime(2 * time.Minute)
	blocked, err = q.ListBlocked(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, item.ID, blocked[0].ID)
}
