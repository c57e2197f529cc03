// Command correspondence runs the correspondence lifecycle engine: the job
// workers, the repair timers and the operational HTTP endpoints.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/config"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/lifecycle"
	"github.com/courier-systems/courier-stack/correspondence/internal/repair"
	"github.com/courier-systems/courier-stack/correspondence/internal/retry"
	"github.com/courier-systems/courier-stack/correspondence/internal/scheduler"
	"github.com/courier-systems/courier-stack/correspondence/internal/seed"
	"github.com/courier-systems/courier-stack/correspondence/internal/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("correspondence"))
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("correspondence service stopped with error", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("correspondence service stopped")
}

func clock() time.Time {
	return time.Now().UTC()
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("starting correspondence service", "mode", cfg.Mode)

	var (
		deps *dependencies
		err  error
	)
	if cfg.Mode == config.ModeLive {
		deps, err = liveDependencies(ctx, cfg, logger)
	} else {
		deps = devDependencies(logger)
	}
	if err != nil {
		return err
	}
	defer deps.close()

	sched := jobs.NewScheduler(deps.repo, retry.NewExecutor(cfg.Retry, logger), clock, logger)
	svc := lifecycle.NewService(lifecycle.Dependencies{
		Repo:          deps.repo,
		Scheduler:     sched,
		Notifications: deps.notifications,
		Activities:    deps.activities,
		Events:        deps.events,
		Legacy:        deps.legacy,
		Blobs:         deps.blobs,
		Logger:        logger,
	})

	pool := jobs.NewPool(deps.repo, cfg.Jobs, deps.alerter, logger, clock)
	svc.RegisterJobs(pool)

	repairer := repair.NewRepairer(deps.repo, sched, deps.activities, logger)
	timers := scheduler.NewScheduler(logger, scheduler.RepairTasks(repairer, cfg.Repair)...)

	opts := server.Options{
		Checks:    deps.checks,
		Jobs:      server.JobQueue{Lister: deps.repo, Pool: pool},
		Repairer:  repairer,
		RepairCfg: cfg.Repair,
		Timers:    timers,
		Logger:    logger,
	}
	if cfg.Mode == config.ModeDev {
		opts.Seeder = seed.New(svc, 0, clock, logger)
	}
	srv := server.New(cfg.Server, server.NewRouter(server.NewHandler(opts)), logger)

	g, gctx := errgroup.WithContext(ctx)
	if err := pool.Start(gctx); err != nil {
		return err
	}
	if err := timers.Start(gctx); err != nil {
		_ = pool.Stop()
		return err
	}

	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stopping workers and timers")
		_ = timers.Stop()
		return pool.Stop()
	})
	return g.Wait()
}
