package jobflow

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const (
	shutdownCancelResult = "Execution was cancelled because of server shutdown"
	restartCancelResult  = "job cancelled because of management server restart"
)

// OnNodeJoined is called by the cluster layer with the nodes that joined.
// When this node is among them and Start has not cleaned up after its
// previous incarnation yet, that cleanup runs now. Work of the current
// incarnation is never touched.
func (m *Manager) OnNodeJoined(ctx context.Context, nodes []string) error {
	for _, n := range nodes {
		if n == m.cfg.NodeID {
			return m.recoverSelf(ctx)
		}
	}
	return nil
}

// recoverSelf fails the work a previous incarnation of this node left
// behind. It runs at most once per Manager.
func (m *Manager) recoverSelf(ctx context.Context) error {
	if !m.recovered.CompareAndSwap(false, true) {
		m.cfg.logDebug("msg", "previous incarnation already recovered")
		return nil
	}
	return m.recoverNode(ctx, m.cfg.NodeID)
}

// OnNodeLeft is called by the cluster layer with the nodes that left. Every
// job they were executing or had queued is failed.
func (m *Manager) OnNodeLeft(ctx context.Context, nodes []string) error {
	var merr *multierror.Error
	for _, n := range nodes {
		if n == m.cfg.NodeID {
			continue
		}
		if err := m.recoverNode(ctx, n); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

func (m *Manager) recoverNode(ctx context.Context, nodeID string) error {
	m.cfg.logInfo(LogEvent{Message: "cleaning up jobs of node " + nodeID})
	var merr *multierror.Error

	if nodeID == m.cfg.NodeID {
		if err := m.store.CleanupPseudoJobs(ctx, nodeID); err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, "cleanup pseudo jobs"))
		}
	}

	items, err := m.queues.ActiveItems(ctx, nodeID)
	if err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "list active queue items"))
	}
	for _, it := range items {
		if it.ContentType == ContentTypeAsyncJob {
			if err := m.Complete(ctx, it.ContentID, JobFailed, 0, shutdownCancelResult); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		if err := m.queues.Purge(ctx, it.ID); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	res, _ := marshalResult(restartCancelResult)
	ids, err := m.store.ResetJobProcess(ctx, nodeID, InternalErrorCode, res, m.now())
	if err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "reset job process"))
	}
	for _, id := range ids {
		m.monitor.completed(JobFailed)
		m.publish(ctx, id)
	}
	if len(items) > 0 || len(ids) > 0 {
		m.cfg.logInfo(LogEvent{Message: "cancelled jobs of node " + nodeID})
	}
	return merr.ErrorOrNil()
}

// membershipTick refreshes this node's heartbeat row and recovers peers whose
// row went stale. The conditional delete makes one survivor win each peer.
func (m *Manager) membershipTick(ctx context.Context, startedAt time.Time) error {
	now := m.now()
	if err := m.store.UpsertNode(ctx, &Node{ID: m.cfg.NodeID, StartedAt: startedAt, LastSeen: now}); err != nil {
		return errors.Wrap(err, "upsert node")
	}

	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		return errors.Wrap(err, "list nodes")
	}
	cutoff := now.Add(-m.cfg.NodeDeadAfter)
	var gone []string
	for _, n := range nodes {
		if n.ID == m.cfg.NodeID || !n.LastSeen.Before(cutoff) {
			continue
		}
		removed, err := m.store.DeleteStaleNode(ctx, n.ID, cutoff)
		if err != nil {
			return errors.Wrapf(err, "delete stale node %s", n.ID)
		}
		if removed {
			gone = append(gone, n.ID)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	return m.OnNodeLeft(ctx, gone)
}
