package jobflow

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

func defaultLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "component", "jobflow")
}

// keyvals flattens ev into go-kit key/value pairs.
func (ev LogEvent) keyvals() []interface{} {
	kv := []interface{}{"msg", ev.Message}
	if ev.NodeID != "" {
		kv = append(kv, "node_id", ev.NodeID)
	}
	if ev.JobID != nil {
		kv = append(kv, "job_id", *ev.JobID)
	}
	if ev.Dispatcher != nil {
		kv = append(kv, "dispatcher", *ev.Dispatcher)
	}
	if ev.Run != nil {
		kv = append(kv, "run", *ev.Run)
	}
	if ev.Duration != nil {
		kv = append(kv, "took", *ev.Duration)
	}
	if ev.Err != nil {
		kv = append(kv, "err", ev.Err)
	}
	return kv
}

func kitInfoLog(logger log.Logger) func(LogEvent) {
	return func(ev LogEvent) {
		_ = level.Info(logger).Log(ev.keyvals()...)
	}
}

func kitErrorLog(logger log.Logger) func(LogEvent) {
	return func(ev LogEvent) {
		_ = level.Error(logger).Log(ev.keyvals()...)
	}
}

// Helper methods to invoke logging
func (c *Config) logInfo(ev LogEvent) {
	if ev.NodeID == "" {
		ev.NodeID = c.NodeID
	}
	c.InfoLog(ev)
}

func (c *Config) logError(ev LogEvent) {
	if ev.NodeID == "" {
		ev.NodeID = c.NodeID
	}
	c.ErrorLog(ev)
}

// logDebug is for per-tick chatter that should not go through the info hook.
func (c *Config) logDebug(keyvals ...interface{}) {
	_ = level.Debug(c.Logger).Log(append(keyvals, "node_id", c.NodeID)...)
}
