package jobflow

import (
	"context"
	"sync"
	"time"
)

// TopicJobStateChanged is published with the job id every time a job is
// completed or failed by the engine.
const TopicJobStateChanged = "job.state.changed"

// MessageBus carries job notifications between the nodes of a cluster.
// Delivery is best effort: waiters always re-check the store.
type MessageBus interface {
	Publish(ctx context.Context, topic string, jobID uint64) error
	// Subscribe calls fn for every message published on one of topics until
	// the returned function is called. fn must not block.
	Subscribe(topics []string, fn func(topic string, jobID uint64)) (func(), error)
}

type localSub struct {
	topics map[string]bool
	fn     func(topic string, jobID uint64)
}

// LocalBus is a MessageBus that only reaches subscribers of this process.
type LocalBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]localSub
}

var _ MessageBus = (*LocalBus)(nil)

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]localSub)}
}

func (b *LocalBus) Publish(ctx context.Context, topic string, jobID uint64) error {
	b.mu.RLock()
	var fns []func(string, uint64)
	for _, s := range b.subs {
		if s.topics[topic] {
			fns = append(fns, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(topic, jobID)
	}
	return nil
}

func (b *LocalBus) Subscribe(topics []string, fn func(topic string, jobID uint64)) (func(), error) {
	s := localSub{topics: make(map[string]bool, len(topics)), fn: fn}
	for _, t := range topics {
		s.topics[t] = true
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}, nil
}

// WaitUntil blocks until predicate returns true, the timeout elapses or ctx is
// done. The predicate is re-evaluated whenever a message arrives on one of
// topics and at least every pollInterval. It reports the last predicate value.
func (m *Manager) WaitUntil(ctx context.Context, topics []string, pollInterval, timeout time.Duration, predicate func() bool) bool {
	if predicate() {
		return true
	}

	signal := make(chan struct{}, 1)
	if len(topics) > 0 {
		unsubscribe, err := m.cfg.Bus.Subscribe(topics, func(string, uint64) {
			select {
			case signal <- struct{}{}:
			default:
			}
		})
		if err != nil {
			m.cfg.logError(LogEvent{Message: "subscribe for wait failed, falling back to polling", Err: err})
		} else {
			defer unsubscribe()
		}
	}

	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return predicate()
		case <-deadline.C:
			return predicate()
		case <-signal:
		case <-ticker.C:
		}
		if predicate() {
			return true
		}
	}
}
