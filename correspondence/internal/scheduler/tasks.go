package scheduler

import (
	"context"
	"time"

	"github.com/courier-systems/courier-stack/correspondence/internal/repair"
)

// Task names.
const (
	TaskNotificationRepair = "repair.notifications"
	TaskPublishRepair      = "repair.publishes"
	TaskAttachmentExpiry   = "attachments.expiry"
)

// RepairConfig controls the periodic repair scans. A zero interval disables
// the scan.
type RepairConfig struct {
	BatchSize int `mapstructure:"batch_size"`

	NotificationInterval time.Duration `mapstructure:"notification_interval"`
	// NotificationAge is how long after its send time a notification must
	// have a delivery record before it is checked again.
	NotificationAge time.Duration `mapstructure:"notification_age"`

	PublishInterval time.Duration `mapstructure:"publish_interval"`
	PublishAge      time.Duration `mapstructure:"publish_age"`

	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
}

// DefaultRepairConfig returns the production defaults.
func DefaultRepairConfig() RepairConfig {
	return RepairConfig{
		BatchSize:            repair.DefaultBatchSize,
		NotificationInterval: time.Hour,
		NotificationAge:      24 * time.Hour,
		PublishInterval:      10 * time.Minute,
		PublishAge:           15 * time.Minute,
		ExpiryInterval:       time.Hour,
	}
}

// RepairTasks builds the periodic tasks backed by r.
func RepairTasks(r *repair.Repairer, cfg RepairConfig) []Task {
	return []Task{
		{
			Name:     TaskNotificationRepair,
			Interval: cfg.NotificationInterval,
			Run: func(ctx context.Context) error {
				_, err := r.EnqueueMissingChecks(ctx, cfg.BatchSize, cfg.NotificationAge)
				return err
			},
		},
		{
			Name:     TaskPublishRepair,
			Interval: cfg.PublishInterval,
			Run: func(ctx context.Context) error {
				_, err := r.EnqueueStuckPublishes(ctx, cfg.BatchSize, cfg.PublishAge)
				return err
			},
		},
		{
			Name:     TaskAttachmentExpiry,
			Interval: cfg.ExpiryInterval,
			Run: func(ctx context.Context) error {
				_, err := r.EnqueueExpiredAttachments(ctx, cfg.BatchSize)
				return err
			},
		},
	}
}
