package main

import (
	"context"
	"fmt"

	"github.com/courier-systems/courier-stack/common/database"
	"github.com/courier-systems/courier-stack/common/logging"
	natsclient "github.com/courier-systems/courier-stack/common/messaging/nats"
	"github.com/courier-systems/courier-stack/correspondence/internal/config"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/external/alerts"
	"github.com/courier-systems/courier-stack/correspondence/internal/external/blob"
	"github.com/courier-systems/courier-stack/correspondence/internal/external/dialogs"
	"github.com/courier-systems/courier-stack/correspondence/internal/external/events"
	"github.com/courier-systems/courier-stack/correspondence/internal/external/legacy"
	"github.com/courier-systems/courier-stack/correspondence/internal/external/notifications"
	"github.com/courier-systems/courier-stack/correspondence/internal/repository"
	"github.com/courier-systems/courier-stack/correspondence/internal/server"
	"github.com/courier-systems/courier-stack/correspondence/migrations"
	"github.com/redis/go-redis/v9"
)

// dependencies are the stores and collaborators of one run mode.
type dependencies struct {
	repo          repository.Repository
	notifications external.NotificationOrderingService
	activities    external.ActivityService
	events        external.EventPublisher
	legacy        external.LegacyBridgeSync
	blobs         external.BlobPurger
	alerter       external.OperatorAlerter
	checks        []server.Check
	closers       []func()
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// devDependencies keeps everything in process. Orders deliver and dialogs
// patch immediately so flows complete without outside help.
func devDependencies(logger *logging.Logger) *dependencies {
	repo := repository.NewMemoryRepository()
	return &dependencies{
		repo:          repo,
		notifications: external.NewMemoryNotifications(true, clock),
		activities:    external.NewMemoryActivities(true),
		events:        external.NewMemoryEvents(),
		legacy:        external.NewMemoryLegacy(),
		blobs:         external.NewMemoryBlobs(),
		alerter:       external.NewLogAlerter(logger),
		checks:        []server.Check{server.DatabaseCheck(repo)},
	}
}

func liveDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *dependencies, err error) {
	deps := &dependencies{}
	defer func() {
		if err != nil {
			deps.close()
		}
	}()

	connString := cfg.Database.Postgres.ConnString()
	if cfg.Database.Migrate {
		logger.Info("running database migrations")
		if err := database.Migrate(migrations.FS, ".", connString); err != nil {
			return nil, err
		}
	}
	pool, err := database.NewPool(ctx, connString, cfg.Database.Postgres)
	if err != nil {
		return nil, err
	}
	repo := repository.NewPostgresRepository(pool)
	deps.repo = repo
	deps.closers = append(deps.closers, repo.Close)
	deps.checks = append(deps.checks, server.DatabaseCheck(repo))

	js, err := natsclient.NewJetStreamClient(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          "correspondence",
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       natsclient.DefaultConfig().Timeout,
		Logger:        logger.Logger,
	})
	if err != nil {
		return nil, err
	}
	deps.closers = append(deps.closers, func() { _ = js.Drain() })
	if _, err := js.CreateOrUpdateStream(ctx, natsclient.CorrespondenceEventsStream); err != nil {
		return nil, err
	}
	deps.events = events.NewPublisher(js, logger)
	deps.checks = append(deps.checks, server.MessagingCheck(js))

	s3Client, err := blob.NewS3Client(ctx, cfg.Blob)
	if err != nil {
		return nil, err
	}
	deps.blobs = blob.NewPurger(s3Client, cfg.Blob, logger)

	deps.notifications = notifications.New(cfg.Services.Notifications, logger)
	deps.activities = dialogs.New(cfg.Services.Dialogs, logger)
	deps.legacy = legacy.New(cfg.Services.Legacy, logger)

	deps.alerter, err = liveAlerter(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	return deps, nil
}

// liveAlerter falls back to the log when no alert channel is configured.
func liveAlerter(cfg *config.Config, deps *dependencies, logger *logging.Logger) (external.OperatorAlerter, error) {
	channels := cfg.Alerts.Channels()
	if len(channels) == 0 {
		logger.Warn("no alert channel configured, operator alerts go to the log")
		return external.NewLogAlerter(logger), nil
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.MaxRetries = cfg.Redis.MaxRetries
		opts.PoolSize = cfg.Redis.PoolSize
		rdb = redis.NewClient(opts)
		deps.closers = append(deps.closers, func() { _ = rdb.Close() })
		deps.checks = append(deps.checks, server.Check{Name: "redis", Run: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return alerts.NewNotifier(alerts.NewMultiChannel(channels...), rdb, cfg.Alerts.SuppressionWindow, "correspondence", logger), nil
}
