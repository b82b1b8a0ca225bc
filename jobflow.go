package jobflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Manager accepts, persists, executes and recovers jobs for one node of the
// cluster.
type Manager struct {
	cfg         *Config
	store       Store
	queues      *SyncQueues
	dispatchers *dispatchers
	pool        *pool
	monitor     *monitor

	runSeq atomic.Uint64
	// recovered is set once the work of a previous incarnation of this node
	// has been cleaned up.
	recovered atomic.Bool

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg, fills in defaults and returns a Manager that is ready to
// accept dispatchers. Call Start to begin background processing.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := cfg.withDefaults()

	return &Manager{
		cfg:         &c,
		store:       c.Store,
		queues:      NewSyncQueues(c.Store, c.Clock),
		dispatchers: newDispatchers(),
		pool:        newPool(c.WorkerPoolSize),
		monitor:     newMonitor(c.Registerer),
		runCtx:      context.Background(),
	}, nil
}

// NodeID returns the id this node is known by in the cluster.
func (m *Manager) NodeID() string {
	return m.cfg.NodeID
}

// Queues exposes the serialized queues the manager schedules from.
func (m *Manager) Queues() *SyncQueues {
	return m.queues
}

// ActiveTasks lists the executions currently running on this node.
func (m *Manager) ActiveTasks() []ActiveTask {
	return m.monitor.snapshot()
}

// Start recovers the work this node left behind and spawns the heartbeat,
// GC and membership loops. It returns immediately; call Shutdown to stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel
	m.mu.Unlock()

	m.cfg.logInfo(LogEvent{Message: "Starting job manager"})

	if err := m.recoverSelf(runCtx); err != nil {
		m.cfg.logError(LogEvent{Message: "self recovery failed", Err: err})
	}

	m.every(runCtx, "heartbeat", m.cfg.HeartbeatInterval, m.heartbeat)
	m.every(runCtx, "gc", m.cfg.GCInterval, m.gc)
	if m.cfg.NodeDeadAfter > 0 {
		started := m.now()
		if err := m.membershipTick(runCtx, started); err != nil {
			m.cfg.logError(LogEvent{Message: "membership registration failed", Err: err})
		}
		m.every(runCtx, "membership", m.cfg.HeartbeatInterval, func(ctx context.Context) error {
			return m.membershipTick(ctx, started)
		})
	}
	return nil
}

// every runs fn each interval until ctx is done. Errors are logged and never
// stop the loop.
func (m *Manager) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.cfg.logDebug("msg", "loop stopped", "loop", name)
				return
			case <-ticker.C:
				if err := m.tick(ctx, fn); err != nil {
					m.cfg.logError(LogEvent{Message: fmt.Sprintf("%s tick failed", name), Err: err})
				}
			}
		}
	}()
}

func (m *Manager) tick(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// Shutdown attempts a graceful shutdown: cancel the loops and running
// dispatches, then wait for them up to timeout.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.cfg.logInfo(LogEvent{Message: "Shutdown requested. Stopping job manager..."})
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.pool.wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		m.cfg.logInfo(LogEvent{Message: "All loops and executions exited cleanly."})
	case <-time.After(timeout):
		m.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Shutdown timed out after %v. Some executions may still be running.", timeout),
		})
	}
}

func (m *Manager) runContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runCtx
}

func (m *Manager) now() time.Time {
	return m.cfg.Clock.Now().UTC().Round(time.Microsecond)
}
