package jobflow

import (
	"os"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// LogEvent captures information about a logging event.
type LogEvent struct {
	// A human-readable message about the event.
	Message string

	// The node that emitted the event.
	NodeID string

	// The Job ID, if available.
	JobID *uint64

	// The dispatcher name, if available.
	Dispatcher *string

	// The run number of the execution, if the event comes from one.
	Run *uint64

	// Any error associated with the event.
	Err error

	// How long the job or operation took, if relevant.
	Duration *time.Duration
}

// Config holds the settings and resources needed by the engine.
type Config struct {
	// Store is where jobs, queues and join records live. Required.
	Store Store

	// NodeID identifies this node in the cluster. It must survive restarts so
	// that Start can recover what the previous run of the node left behind.
	// Defaults to the host name, or a random UUID if that is unavailable.
	NodeID string

	// Bus carries job state notifications. Defaults to an in-process bus.
	Bus MessageBus

	// Logger backs the default InfoLog and ErrorLog hooks.
	// Defaults to logfmt on stderr.
	Logger log.Logger

	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock

	// Registerer receives the engine's metrics. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// JobExpiry is how long a job may stay around before the GC expunges it.
	JobExpiry time.Duration

	// JobCancelThreshold is how long a queue item may stay claimed before the
	// GC cancels the job holding it.
	JobCancelThreshold time.Duration

	// HeartbeatInterval is how frequently queues, join wakeups and signalled
	// jobs are scanned.
	HeartbeatInterval time.Duration

	// GCInterval is how frequently the garbage collector runs.
	GCInterval time.Duration

	// DBMaxActive is the size of the database connection pool. The worker pool
	// is sized from it unless WorkerPoolSize is set.
	DBMaxActive int

	// WorkerPoolSize bounds the number of concurrently executing jobs.
	WorkerPoolSize int

	// MaxQueueItemsPerHeartbeat bounds the queue items dequeued by one tick.
	MaxQueueItemsPerHeartbeat int

	// MaxGCRecords bounds each kind of record processed by one GC pass.
	MaxGCRecords int

	// GCLockTimeout is how long a GC pass waits for the cluster-wide lease.
	GCLockTimeout time.Duration

	// EnqueueAttempts is how many times SubmitSynced tries to enqueue a job.
	EnqueueAttempts int

	// EnqueueRetryMin and EnqueueRetryMax bound the randomized delay between
	// enqueue attempts.
	EnqueueRetryMin time.Duration
	EnqueueRetryMax time.Duration

	// NodeDeadAfter enables the store-backed membership watcher. A peer whose
	// heartbeat is older than this is considered gone. Zero disables it.
	NodeDeadAfter time.Duration

	// InfoLog is called for informational or success logs.
	// If nil, defaults to Logger at info level.
	InfoLog func(ev LogEvent)

	// ErrorLog is called for error logs.
	// If nil, defaults to Logger at error level.
	ErrorLog func(ev LogEvent)
}

const (
	defaultJobExpiry                 = 1440 * time.Minute
	defaultJobCancelThreshold        = 60 * time.Minute
	defaultHeartbeatInterval         = 2 * time.Second
	defaultGCInterval                = 10 * time.Second
	defaultDBMaxActive               = 250
	defaultMaxQueueItemsPerHeartbeat = 50
	defaultMaxGCRecords              = 100
	defaultGCLockTimeout             = 3 * time.Second
	defaultEnqueueAttempts           = 5
	defaultEnqueueRetryMin           = 1000 * time.Millisecond
	defaultEnqueueRetryMax           = 6000 * time.Millisecond
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Store == nil {
		return ErrNoStore
	}
	durations := map[string]time.Duration{
		"JobExpiry":          c.JobExpiry,
		"JobCancelThreshold": c.JobCancelThreshold,
		"HeartbeatInterval":  c.HeartbeatInterval,
		"GCInterval":         c.GCInterval,
		"GCLockTimeout":      c.GCLockTimeout,
		"EnqueueRetryMin":    c.EnqueueRetryMin,
		"EnqueueRetryMax":    c.EnqueueRetryMax,
		"NodeDeadAfter":      c.NodeDeadAfter,
	}
	for name, d := range durations {
		if d < 0 {
			return errors.Errorf("config: %s must not be negative", name)
		}
	}
	ints := map[string]int{
		"DBMaxActive":               c.DBMaxActive,
		"WorkerPoolSize":            c.WorkerPoolSize,
		"MaxQueueItemsPerHeartbeat": c.MaxQueueItemsPerHeartbeat,
		"MaxGCRecords":              c.MaxGCRecords,
		"EnqueueAttempts":           c.EnqueueAttempts,
	}
	for name, v := range ints {
		if v < 0 {
			return errors.Errorf("config: %s must not be negative", name)
		}
	}
	if c.EnqueueRetryMax != 0 && c.EnqueueRetryMax < c.EnqueueRetryMin {
		return errors.New("config: EnqueueRetryMax must not be less than EnqueueRetryMin")
	}
	return nil
}

// withDefaults returns a copy of c with every zero setting replaced by its
// default.
func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = defaultNodeID()
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.Bus == nil {
		c.Bus = NewLocalBus()
	}
	if c.Clock == nil {
		c.Clock = clock.C
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
	if c.JobExpiry == 0 {
		c.JobExpiry = defaultJobExpiry
	}
	if c.JobCancelThreshold == 0 {
		c.JobCancelThreshold = defaultJobCancelThreshold
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.GCInterval == 0 {
		c.GCInterval = defaultGCInterval
	}
	if c.DBMaxActive == 0 {
		c.DBMaxActive = defaultDBMaxActive
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = c.DBMaxActive * 2 / 3
		if c.WorkerPoolSize < 1 {
			c.WorkerPoolSize = 1
		}
	}
	if c.MaxQueueItemsPerHeartbeat == 0 {
		c.MaxQueueItemsPerHeartbeat = defaultMaxQueueItemsPerHeartbeat
	}
	if c.MaxGCRecords == 0 {
		c.MaxGCRecords = defaultMaxGCRecords
	}
	if c.GCLockTimeout == 0 {
		c.GCLockTimeout = defaultGCLockTimeout
	}
	if c.EnqueueAttempts == 0 {
		c.EnqueueAttempts = defaultEnqueueAttempts
	}
	if c.EnqueueRetryMin == 0 && c.EnqueueRetryMax == 0 {
		c.EnqueueRetryMin = defaultEnqueueRetryMin
		c.EnqueueRetryMax = defaultEnqueueRetryMax
	}
	if c.EnqueueRetryMax < c.EnqueueRetryMin {
		c.EnqueueRetryMax = c.EnqueueRetryMin
	}
	if c.InfoLog == nil {
		c.InfoLog = kitInfoLog(c.Logger)
	}
	if c.ErrorLog == nil {
		c.ErrorLog = kitErrorLog(c.Logger)
	}
	return c
}

func defaultNodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
