package jobflow

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveTask describes one execution currently running on this node.
type ActiveTask struct {
	Run        uint64
	JobID      uint64
	Dispatcher string
	Wakeup     bool
	StartedAt  time.Time
}

type monitor struct {
	mu    sync.Mutex
	tasks map[uint64]ActiveTask

	active      prometheus.Gauge
	dispatches  *prometheus.CounterVec
	completions *prometheus.CounterVec
	duration    prometheus.Histogram
}

func newMonitor(reg prometheus.Registerer) *monitor {
	registerOrExisting := func(coll prometheus.Collector) prometheus.Collector {
		if err := reg.Register(coll); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			panic(err)
		}
		return coll
	}

	return &monitor{
		tasks: make(map[uint64]ActiveTask),
		active: registerOrExisting(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jobflow",
			Name:      "active_tasks",
			Help:      "Number of job executions currently running on this node.",
		})).(prometheus.Gauge),
		dispatches: registerOrExisting(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobflow",
			Name:      "dispatches_total",
			Help:      "Total number of job dispatches, by kind (run or wakeup).",
		}, []string{"kind"})).(*prometheus.CounterVec),
		completions: registerOrExisting(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobflow",
			Name:      "completions_total",
			Help:      "Total number of jobs completed on this node, by final status.",
		}, []string{"status"})).(*prometheus.CounterVec),
		duration: registerOrExisting(prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jobflow",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent inside dispatchers.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		})).(prometheus.Histogram),
	}
}

func (m *monitor) register(t ActiveTask) {
	m.mu.Lock()
	m.tasks[t.Run] = t
	m.mu.Unlock()
	m.active.Inc()
}

func (m *monitor) unregister(run uint64) {
	m.mu.Lock()
	_, ok := m.tasks[run]
	delete(m.tasks, run)
	m.mu.Unlock()
	if ok {
		m.active.Dec()
	}
}

func (m *monitor) dispatched(wakeup bool, took time.Duration) {
	kind := "run"
	if wakeup {
		kind = "wakeup"
	}
	m.dispatches.WithLabelValues(kind).Inc()
	m.duration.Observe(took.Seconds())
}

func (m *monitor) completed(status JobStatus) {
	m.completions.WithLabelValues(string(status)).Inc()
}

func (m *monitor) snapshot() []ActiveTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Run < out[b].Run })
	return out
}

// setJob records the job id of a running execution once it is known.
func (m *monitor) setJob(run, jobID uint64, dispatcher string, wakeup bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[run]; ok {
		t.JobID = jobID
		t.Dispatcher = dispatcher
		t.Wakeup = wakeup
		m.tasks[run] = t
	}
}
