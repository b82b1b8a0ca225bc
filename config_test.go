package jobflow

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	store := NewMemStore()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "valid", cfg: Config{Store: store}},
		{name: "no store", cfg: Config{}, wantErr: ErrNoStore.Error()},
		{name: "negative duration", cfg: Config{Store: store, GCInterval: -time.Second}, wantErr: "GCInterval must not be negative"},
		{name: "negative int", cfg: Config{Store: store, WorkerPoolSize: -1}, wantErr: "WorkerPoolSize must not be negative"},
		{name: "inverted retry bounds", cfg: Config{Store: store, EnqueueRetryMin: time.Second, EnqueueRetryMax: time.Millisecond}, wantErr: "EnqueueRetryMax"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Store: NewMemStore()}.withDefaults()

	if host, err := os.Hostname(); err == nil && host != "" {
		assert.Equal(t, host, c.NodeID, "the host name is stable across restarts")
	} else {
		assert.NotEmpty(t, c.NodeID)
	}
	assert.NotNil(t, c.Bus)
	assert.NotNil(t, c.Clock)
	assert.Equal(t, 1440*time.Minute, c.JobExpiry)
	assert.Equal(t, 60*time.Minute, c.JobCancelThreshold)
	assert.Equal(t, 2*time.Second, c.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, c.GCInterval)
	assert.Equal(t, 250, c.DBMaxActive)
	assert.Equal(t, 166, c.WorkerPoolSize)
	assert.Equal(t, 50, c.MaxQueueItemsPerHeartbeat)
	assert.Equal(t, 100, c.MaxGCRecords)
	assert.Equal(t, 3*time.Second, c.GCLockTimeout)
	assert.Equal(t, 5, c.EnqueueAttempts)
	assert.Equal(t, time.Second, c.EnqueueRetryMin)
	assert.Equal(t, 6*time.Second, c.EnqueueRetryMax)
	assert.Zero(t, c.NodeDeadAfter)

	c = Config{Store: NewMemStore(), DBMaxActive: 1}.withDefaults()
	assert.Equal(t, 1, c.WorkerPoolSize, "the pool always has a worker")

	c = Config{Store: NewMemStore(), EnqueueRetryMin: 3 * time.Second}.withDefaults()
	assert.Equal(t, 3*time.Second, c.EnqueueRetryMax)
}

func TestLogHooks(t *testing.T) {
	var events []LogEvent
	c := Config{
		Store:   NewMemStore(),
		NodeID:  "node-a",
		InfoLog: func(ev LogEvent) { events = append(events, ev) },
	}.withDefaults()

	id := uint64(7)
	c.logInfo(LogEvent{Message: "hello", JobID: &id})
	require.Len(t, events, 1)
	assert.Equal(t, "node-a", events[0].NodeID)

	c.logInfo(LogEvent{Message: "forwarded", NodeID: "node-b"})
	require.Len(t, events, 2)
	assert.Equal(t, "node-b", events[1].NodeID)
}

func TestKitLogFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLogfmtLogger(&buf)

	id, run := uint64(7), uint64(3)
	name := "echo"
	took := 2 * time.Second
	kitErrorLog(logger)(LogEvent{
		Message:    "job failed",
		NodeID:     "node-a",
		JobID:      &id,
		Dispatcher: &name,
		Run:        &run,
		Duration:   &took,
		Err:        assert.AnError,
	})

	out := buf.String()
	for _, want := range []string{"level=error", `msg="job failed"`, "node_id=node-a", "job_id=7", "dispatcher=echo", "run=3", "took=2s", "err="} {
		assert.Contains(t, out, want)
	}

	buf.Reset()
	kitInfoLog(logger)(LogEvent{Message: "ok"})
	assert.Equal(t, "level=info msg=ok\n", buf.String())
}

func TestUnknownDispatcherIsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.getDispatcher("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDispatcherNotFound)
	assert.Contains(t, err.Error(), `no dispatcher registered under "nope"`)

	_, err = m.getDispatcher("")
	assert.ErrorIs(t, err, ErrDispatcherNotFound)
}
