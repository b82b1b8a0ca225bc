package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configManager binds every key to a flag and a JOBFLOW_ env variable.
type configManager struct {
	command  *cobra.Command
	viper    *viper.Viper
	defaults map[string]interface{}
}

func newConfigManager(command *cobra.Command) configManager {
	return configManager{
		command:  command,
		viper:    viper.New(),
		defaults: map[string]interface{}{},
	}
}

func flagNameFromConfigKey(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

func envNameFromConfigKey(key string) string {
	return "JOBFLOW_" + strings.ToUpper(flagNameFromConfigKey(key))
}

func (man configManager) bind(key string, defVal interface{}) {
	if _, exists := man.defaults[key]; exists {
		panic("Trying to add duplicate config for key " + key)
	}
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	man.viper.BindEnv(key, envNameFromConfigKey(key))
	man.defaults[key] = defVal
}

func getFlagUsage(key string, usage string) string {
	return fmt.Sprintf("Env: %s\n\t\t%s", envNameFromConfigKey(key), usage)
}

func (man configManager) addConfigString(key, defVal, usage string) {
	man.command.PersistentFlags().String(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.bind(key, defVal)
}

func (man configManager) addConfigInt(key string, defVal int, usage string) {
	man.command.PersistentFlags().Int(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.bind(key, defVal)
}

func (man configManager) addConfigDuration(key string, defVal time.Duration, usage string) {
	man.command.PersistentFlags().Duration(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.bind(key, defVal)
}

func (man configManager) getInterfaceVal(key string) interface{} {
	interfaceVal := man.viper.Get(key)
	if interfaceVal == nil {
		var ok bool
		interfaceVal, ok = man.defaults[key]
		if !ok {
			panic("Tried to look up default value for nonexistent config option: " + key)
		}
	}
	return interfaceVal
}

func (man configManager) getConfigString(key string) string {
	stringVal, err := cast.ToStringE(man.getInterfaceVal(key))
	if err != nil {
		panic("Unable to cast to string for key " + key + ": " + err.Error())
	}
	return stringVal
}

func (man configManager) getConfigInt(key string) int {
	intVal, err := cast.ToIntE(man.getInterfaceVal(key))
	if err != nil {
		panic("Unable to cast to int for key " + key + ": " + err.Error())
	}
	return intVal
}

func (man configManager) getConfigDuration(key string) time.Duration {
	durationVal, err := cast.ToDurationE(man.getInterfaceVal(key))
	if err != nil {
		panic("Unable to cast to duration for key " + key + ": " + err.Error())
	}
	return durationVal
}

// daemonConfig is the loaded configuration of the daemon.
type daemonConfig struct {
	MySQLDSN           string
	DBMaxActive        int
	NodeID             string
	RedisAddress       string
	RedisPassword      string
	RedisDatabase      int
	MetricsAddress     string
	JobExpiry          time.Duration
	JobCancelThreshold time.Duration
	NodeDeadAfter      time.Duration
	DemoJobs           int
}

func (man configManager) addConfigs() {
	man.addConfigString("mysql.dsn", "jobflow:jobflow@tcp(127.0.0.1:3306)/jobflow", "MySQL DSN of the job store")
	man.addConfigInt("db.max.active", 250, "Maximum open MySQL connections; the worker pool is two thirds of it")
	man.addConfigString("node.id", "", "Identity of this node in the cluster, stable across restarts (host name if empty)")
	man.addConfigString("redis.address", "", "Redis address for cluster-wide notifications (in-process if empty)")
	man.addConfigString("redis.password", "", "Redis password")
	man.addConfigInt("redis.database", 0, "Redis database")
	man.addConfigString("metrics.address", ":9102", "Address the prometheus metrics are served on")
	man.addConfigInt("job.expire.minutes", 1440, "Minutes after which jobs are expunged")
	man.addConfigInt("job.cancel.threshold.minutes", 60, "Minutes a job may block its sync queue before it is cancelled")
	man.addConfigDuration("node.dead.after", 0, "Heartbeat age after which a peer is considered gone (0 disables)")
	man.addConfigInt("demo.jobs", 0, "Number of echo jobs to submit on start")
}

func (man configManager) load() daemonConfig {
	return daemonConfig{
		MySQLDSN:           man.getConfigString("mysql.dsn"),
		DBMaxActive:        man.getConfigInt("db.max.active"),
		NodeID:             man.getConfigString("node.id"),
		RedisAddress:       man.getConfigString("redis.address"),
		RedisPassword:      man.getConfigString("redis.password"),
		RedisDatabase:      man.getConfigInt("redis.database"),
		MetricsAddress:     man.getConfigString("metrics.address"),
		JobExpiry:          time.Duration(man.getConfigInt("job.expire.minutes")) * time.Minute,
		JobCancelThreshold: time.Duration(man.getConfigInt("job.cancel.threshold.minutes")) * time.Minute,
		NodeDeadAfter:      man.getConfigDuration("node.dead.after"),
		DemoJobs:           man.getConfigInt("demo.jobs"),
	}
}
