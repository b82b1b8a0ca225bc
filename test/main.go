package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sky93/jobflow"
	"github.com/sky93/jobflow/test/jobs"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobflowd",
		Short: "Run a jobflow node",
	}
	man := newConfigManager(cmd)
	man.addConfigs()
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), man.load())
	}
	return cmd
}

func serve(ctx context.Context, cfg daemonConfig) error {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	store, err := jobflow.OpenMySQL(cfg.MySQLDSN, cfg.DBMaxActive, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	var bus jobflow.MessageBus
	if cfg.RedisAddress != "" {
		pool := jobflow.NewRedisPool(cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDatabase)
		defer pool.Close()
		bus = jobflow.NewRedisBus(pool, "jobflow:", logger)
	}

	mgr, err := jobflow.New(jobflow.Config{
		Store:              store,
		NodeID:             cfg.NodeID,
		Bus:                bus,
		Logger:             logger,
		DBMaxActive:        cfg.DBMaxActive,
		JobExpiry:          cfg.JobExpiry,
		JobCancelThreshold: cfg.JobCancelThreshold,
		NodeDeadAfter:      cfg.NodeDeadAfter,
	})
	if err != nil {
		return err
	}
	mgr.RegisterDispatcher(jobs.NewEcho(mgr))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	g.Add(func() error {
		if err := mgr.Start(ctx); err != nil {
			return err
		}
		if err := submitDemoJobs(ctx, mgr, cfg.DemoJobs); err != nil {
			level.Error(logger).Log("msg", "submit demo jobs", "err", err)
		}
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
		mgr.Shutdown(30 * time.Second)
	})

	srv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	g.Add(func() error {
		level.Info(logger).Log("msg", "serving metrics", "address", cfg.MetricsAddress)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		srv.Shutdown(shutdownCtx)
	})

	g.Add(run.SignalHandler(ctx, os.Interrupt))

	return g.Run()
}

func submitDemoJobs(ctx context.Context, mgr *jobflow.Manager, n int) error {
	for i := 0; i < n; i++ {
		payload, err := json.Marshal(jobs.Input{Message: fmt.Sprintf("hello %d", i)})
		if err != nil {
			return err
		}
		job := &jobflow.Job{Dispatcher: jobs.EchoName, Cmd: "echo", CmdInfo: payload}
		if _, err := mgr.SubmitSynced(ctx, job, "demo", 1, 100); err != nil {
			return err
		}
	}
	return nil
}
