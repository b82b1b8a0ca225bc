package jobflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusDeliversByTopic(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()

	var (
		mu  sync.Mutex
		got []string
	)
	unsubscribe, err := bus.Subscribe([]string{"a", "b"}, func(topic string, jobID uint64) {
		mu.Lock()
		got = append(got, topic)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "a", 1))
	require.NoError(t, bus.Publish(ctx, "c", 2))
	require.NoError(t, bus.Publish(ctx, "b", 3))
	unsubscribe()
	unsubscribe()
	require.NoError(t, bus.Publish(ctx, "a", 4))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestWaitUntil(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	t.Run("already true", func(t *testing.T) {
		assert.True(t, m.WaitUntil(ctx, nil, time.Hour, time.Hour, func() bool { return true }))
	})

	t.Run("woken by a message", func(t *testing.T) {
		var done atomic.Bool
		go func() {
			time.Sleep(10 * time.Millisecond)
			done.Store(true)
			_ = m.cfg.Bus.Publish(ctx, TopicJobStateChanged, 1)
		}()
		start := time.Now()
		assert.True(t, m.WaitUntil(ctx, []string{TopicJobStateChanged}, time.Hour, 5*time.Second, done.Load))
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("polls without messages", func(t *testing.T) {
		var calls atomic.Int32
		ok := m.WaitUntil(ctx, nil, 5*time.Millisecond, 5*time.Second, func() bool {
			return calls.Add(1) >= 3
		})
		assert.True(t, ok)
	})

	t.Run("times out", func(t *testing.T) {
		assert.False(t, m.WaitUntil(ctx, []string{TopicJobStateChanged}, 10*time.Millisecond, 50*time.Millisecond, func() bool { return false }))
	})

	t.Run("context cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.False(t, m.WaitUntil(cctx, nil, time.Hour, time.Hour, func() bool { return false }))
	})
}

func TestWaitUntilJobCompletes(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	m.RegisterDispatcher(parkDispatcher("park"))
	id := submitParked(t, m)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.Complete(ctx, id, JobSucceeded, 0, nil)
	}()

	ok := m.WaitUntil(ctx, []string{TopicJobStateChanged}, time.Hour, 5*time.Second, func() bool {
		job, err := m.Get(ctx, id)
		return err == nil && job.Status.Terminal()
	})
	assert.True(t, ok)
}
