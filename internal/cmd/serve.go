package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobtally/internal/host"
	"github.com/3leaps/jobtally/internal/observability"
	"github.com/3leaps/jobtally/internal/server"
	"github.com/3leaps/jobtally/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP ingestion and reporting service",
	Long: `Run the jobtally service.

Producers POST message envelopes to /v1/messages. A background scheduler
flushes buffered verification outcomes and sweeps active jobs, completing
each one as soon as it has everything it expects.

Examples:
  jobtally serve
  jobtally serve --port 9000 --store ./jobs.db
  jobtally serve --no-scheduler   # sweep manually with 'jobtally sweep'`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().Bool("no-scheduler", false, "Disable the periodic sweep and flush")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	if cfg == nil {
		return exitError(ExitConfigInvalid, "serve", errors.New("configuration not loaded"))
	}

	listenHost := cfg.Server.Host
	if h, _ := cmd.Flags().GetString("host"); strings.TrimSpace(h) != "" {
		listenHost = h
	}
	listenPort := cfg.Server.Port
	if cmd.Flags().Changed("port") {
		listenPort, _ = cmd.Flags().GetInt("port")
	}
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

	log, closeLog, err := observability.NewLoggerWithFile(cfg.Logging.Level, cfg.Logging.Profile, observability.FileOutput{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return exitError(ExitConfigInvalid, "init logger", err)
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	acks := host.NewSettlements(host.LogAcker{Log: log})
	proc := host.NewProcessor(store, acks,
		host.WithMaxBatch(cfg.Queue.MaxBatch),
		host.WithProcessorLogger(log))

	var sched *host.Scheduler
	if cfg.Scheduler.Enabled && !noScheduler {
		sched = host.NewScheduler(proc, cfg.Scheduler.SweepInterval, cfg.Scheduler.FlushInterval, log)
		if err := sched.Start(ctx); err != nil {
			return exitError(ExitConfigInvalid, "start scheduler", err)
		}
	}

	handlers.SetVersionInfo(handlers.VersionInfo{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
	})
	if cfg.Health.Enabled {
		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("store", storeHealthChecker{store: store})
		if id := GetAppIdentity(); id != nil {
			hm.RegisterChecker("identity", identityHealthChecker{
				binaryName: id.BinaryName,
				envPrefix:  id.EnvPrefix,
				configName: id.ConfigName,
			})
		}
	}

	srv := server.New(listenHost, listenPort,
		server.WithJobsAPI(handlers.NewJobsAPI(store, proc,
			handlers.WithSettlement(acks, proc, cfg.Ingest.AckWait))),
		server.WithLogger(log),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}))

	log.Info("Starting jobtally",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.Bool("scheduler", sched != nil))

	runErr := srv.Run(ctx)
	stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if sched != nil {
		if err := sched.Stop(drainCtx); err != nil {
			log.Warn("Scheduler did not stop cleanly", zap.Error(err))
		}
	} else if _, err := proc.Flush(drainCtx); err != nil {
		log.Warn("Final flush failed", zap.Error(err))
	}

	if runErr != nil {
		return exitError(ExitFailure, "serve", runErr)
	}
	return nil
}

// pinger is the part of the job store the health check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

type storeHealthChecker struct {
	store pinger
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("job store not open")
	}
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("job store unreachable: %w", err)
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}
