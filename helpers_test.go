package jobflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func testConfig(store Store, c clock.Clock, nodeID string) Config {
	return Config{
		Store:             store,
		NodeID:            nodeID,
		Logger:            log.NewNopLogger(),
		Clock:             c,
		Registerer:        prometheus.NewRegistry(),
		WorkerPoolSize:    4,
		EnqueueRetryMin:   time.Millisecond,
		EnqueueRetryMax:   2 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		GCInterval:        time.Hour,
		GCLockTimeout:     50 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, mutate ...func(*Config)) (*Manager, *MemStore, *clock.MockClock) {
	t.Helper()
	mc := clock.NewMockClock()
	store := NewMemStoreWithClock(mc)
	cfg := testConfig(store, mc, "node-a")
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(5 * time.Second) })
	return m, store, mc
}

func waitForStatus(t *testing.T, m *Manager, jobID uint64, status JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := m.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job %d never reached %s", jobID, status)
	return job
}

// waitReleased waits until no node executes the job.
func waitReleased(t *testing.T, m *Manager, jobID uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := m.Get(context.Background(), jobID)
		return err == nil && j.ExecutingNodeID == ""
	}, 5*time.Second, 5*time.Millisecond)
}

// parkDispatcher returns without completing, leaving the job in progress.
func parkDispatcher(name string) Dispatcher {
	return NewDispatcher(name, func(ctx context.Context, job *Job) error { return nil })
}

// completingDispatcher completes every job it runs with status and result.
func completingDispatcher(m *Manager, name string, status JobStatus, result any) Dispatcher {
	return NewDispatcher(name, func(ctx context.Context, job *Job) error {
		return m.Complete(ctx, job.ID, status, 0, result)
	})
}

// publishCounter counts messages per job id.
type publishCounter struct {
	mu     sync.Mutex
	counts map[uint64]int
}

func countPublishes(t *testing.T, bus MessageBus, topic string) *publishCounter {
	t.Helper()
	pc := &publishCounter{counts: make(map[uint64]int)}
	unsubscribe, err := bus.Subscribe([]string{topic}, func(_ string, jobID uint64) {
		pc.mu.Lock()
		pc.counts[jobID]++
		pc.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	return pc
}

func (pc *publishCounter) get(jobID uint64) int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.counts[jobID]
}

func dispatchCount(m *Manager, kind string) float64 {
	return testutil.ToFloat64(m.monitor.dispatches.WithLabelValues(kind))
}
