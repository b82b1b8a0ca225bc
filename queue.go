package jobflow

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"
)

// SyncQueues serializes work per (sync key, sync object id). Each queue runs
// at most one claimed item at a time, in enqueue order.
type SyncQueues struct {
	store Store
	clock clock.Clock
}

// NewSyncQueues returns queues persisted in store.
func NewSyncQueues(store Store, c clock.Clock) *SyncQueues {
	if c == nil {
		c = clock.C
	}
	return &SyncQueues{store: store, clock: c}
}

func (q *SyncQueues) now() time.Time {
	return q.clock.Now().UTC().Round(time.Microsecond)
}

// Enqueue appends an item to the queue of (syncKey, syncObjID), creating the
// queue if needed. It returns ErrQueueFull if the queue already holds
// sizeLimit items.
func (q *SyncQueues) Enqueue(ctx context.Context, syncKey string, syncObjID uint64, contentType string, contentID uint64, sizeLimit int) (*QueueItem, error) {
	var item *QueueItem
	err := q.store.InTx(ctx, func(tx Store) error {
		var err error
		item, err = q.enqueue(ctx, tx, syncKey, syncObjID, contentType, contentID, sizeLimit)
		return err
	})
	return item, err
}

func (q *SyncQueues) enqueue(ctx context.Context, tx Store, syncKey string, syncObjID uint64, contentType string, contentID uint64, sizeLimit int) (*QueueItem, error) {
	now := q.now()
	queue, err := tx.GetQueue(ctx, syncKey, syncObjID, true)
	if isNotFound(err) {
		if err := tx.CreateQueue(ctx, &SyncQueue{SyncKey: syncKey, SyncObjID: syncObjID, CreatedAt: now}); err != nil {
			return nil, errors.Wrap(err, "create sync queue")
		}
		queue, err = tx.GetQueue(ctx, syncKey, syncObjID, true)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get sync queue %s-%d", syncKey, syncObjID)
	}

	items, err := tx.ListQueueItems(ctx, queue.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list queue items")
	}
	if len(items) >= sizeLimit {
		return nil, ErrQueueFull
	}

	item := &QueueItem{
		QueueID:     queue.ID,
		ContentType: contentType,
		ContentID:   contentID,
		CreatedAt:   now,
	}
	if err := tx.CreateQueueItem(ctx, item); err != nil {
		return nil, errors.Wrap(err, "create queue item")
	}
	return item, nil
}

// DequeueOne claims the oldest pending item of the queue for nodeID. It
// returns nil if the queue has a claimed item or nothing pending.
func (q *SyncQueues) DequeueOne(ctx context.Context, queueID uint64, nodeID string) (*QueueItem, error) {
	var item *QueueItem
	err := q.store.InTx(ctx, func(tx Store) error {
		item = nil
		queue, err := tx.GetQueueByID(ctx, queueID, true)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "get sync queue")
		}
		items, err := tx.ListQueueItems(ctx, queueID)
		if err != nil {
			return errors.Wrap(err, "list queue items")
		}
		for _, it := range items {
			if it.Claimed() {
				return nil
			}
		}
		if len(items) == 0 {
			return nil
		}

		now := q.now()
		next := items[0]
		next.NodeID = nodeID
		next.ClaimedAt = &now
		if err := tx.UpdateQueueItem(ctx, next); err != nil {
			return errors.Wrap(err, "claim queue item")
		}
		queue.LastProcessedAt = &now
		if err := tx.UpdateQueue(ctx, queue); err != nil {
			return errors.Wrap(err, "update sync queue")
		}
		item = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DequeueAny claims one item from each of up to max ready queues, least
// recently processed first.
func (q *SyncQueues) DequeueAny(ctx context.Context, nodeID string, max int) ([]*QueueItem, error) {
	queues, err := q.store.ReadyQueues(ctx, max)
	if err != nil {
		return nil, errors.Wrap(err, "list ready queues")
	}
	var items []*QueueItem
	for _, queue := range queues {
		it, err := q.DequeueOne(ctx, queue.ID, nodeID)
		if err != nil {
			return items, err
		}
		if it != nil {
			items = append(items, it)
		}
	}
	return items, nil
}

// Purge removes an item, which releases its queue for the next one.
func (q *SyncQueues) Purge(ctx context.Context, itemID uint64) error {
	return q.store.DeleteQueueItem(ctx, itemID)
}

// Return un-claims an item so that it is dequeued again later.
func (q *SyncQueues) Return(ctx context.Context, itemID uint64) error {
	return q.store.InTx(ctx, func(tx Store) error {
		it, err := tx.GetQueueItem(ctx, itemID)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		it.NodeID = ""
		it.ClaimedAt = nil
		return tx.UpdateQueueItem(ctx, it)
	})
}

// ListBlocked returns items claimed for longer than threshold.
func (q *SyncQueues) ListBlocked(ctx context.Context, threshold time.Duration, limit int) ([]*QueueItem, error) {
	return q.store.BlockedQueueItems(ctx, q.now().Add(-threshold), limit)
}

// ActiveItems returns the items currently claimed by nodeID.
func (q *SyncQueues) ActiveItems(ctx context.Context, nodeID string) ([]*QueueItem, error) {
	return q.store.ClaimedQueueItems(ctx, nodeID)
}
