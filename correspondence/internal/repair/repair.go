// Package repair finds drift between local state and the external systems
// and queues the jobs that correct it. Every scan pages by a strictly
// increasing ID cursor and relies on dedupe keys, so runs may overlap or be
// restarted from the beginning after a crash.
package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/ledger"
	"github.com/courier-systems/courier-stack/correspondence/internal/lifecycle"
	"github.com/courier-systems/courier-stack/correspondence/internal/metrics"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/courier-systems/courier-stack/correspondence/internal/repository"
	"github.com/google/uuid"
)

// DefaultBatchSize applies when a caller passes a non-positive batch size.
const DefaultBatchSize = 100

// Report summarizes one repair run.
type Report struct {
	Check        string `json:"check" yaml:"check"`
	Scanned      int    `json:"scanned" yaml:"scanned"`
	Satisfied    int    `json:"satisfied" yaml:"satisfied"`
	Enqueued     int    `json:"enqueued" yaml:"enqueued"`
	Deduplicated int    `json:"deduplicated" yaml:"deduplicated"`
	Failed       int    `json:"failed" yaml:"failed"`
}

func (r *Report) record(result string) {
	switch result {
	case "satisfied":
		r.Satisfied++
	case "enqueued":
		r.Enqueued++
	case "deduplicated":
		r.Deduplicated++
	case "failed":
		r.Failed++
	}
	metrics.RepairResults.WithLabelValues(r.Check, result).Inc()
}

// Repairer runs the reconciliation scans.
type Repairer struct {
	repo       repository.Queries
	sched      *jobs.Scheduler
	activities external.ActivityService
	logger     *logging.Logger
}

func NewRepairer(repo repository.Queries, sched *jobs.Scheduler, activities external.ActivityService, logger *logging.Logger) *Repairer {
	return &Repairer{
		repo:       repo,
		sched:      sched,
		activities: activities,
		logger:     logger.WithComponent("repair"),
	}
}

// EnqueueMissingChecks queues a delivery check for every ordered notification
// requested more than olderThan ago whose notification-sent activity is
// missing from the dialog. Notifications of correspondences without a dialog
// are satisfied once their send time is stored.
func (r *Repairer) EnqueueMissingChecks(ctx context.Context, batchSize int, olderThan time.Duration) (*Report, error) {
	batchSize = normalize(batchSize)
	cutoff := r.sched.Now().Add(-olderThan)
	report := &Report{Check: "notification_delivery"}

	cursor := uuid.Nil
	for {
		batch, err := r.repo.ListOrderedNotifications(ctx, cutoff, cursor, batchSize)
		if err != nil {
			return report, fmt.Errorf("list ordered notifications: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID
		report.Scanned += len(batch)

		dialogs := make(map[uuid.UUID]string)
		var missing []jobs.Definition
		for _, n := range batch {
			satisfied, err := r.deliveryRecorded(ctx, n, dialogs)
			if err != nil {
				r.logger.WarnContext(ctx, "delivery check lookup failed",
					logging.NotificationID(n.ID.String()), logging.Error(err))
				report.record("failed")
				continue
			}
			if satisfied {
				report.record("satisfied")
				continue
			}
			missing = append(missing, lifecycle.CheckDeliveryJob(n.ID))
		}
		if err := r.enqueue(ctx, report, missing); err != nil {
			return report, err
		}
		if len(batch) < batchSize {
			break
		}
	}

	r.logReport(ctx, report)
	return report, nil
}

func (r *Repairer) deliveryRecorded(ctx context.Context, n *models.Notification, dialogs map[uuid.UUID]string) (bool, error) {
	dialogID, ok := dialogs[n.CorrespondenceID]
	if !ok {
		c, err := r.repo.GetCorrespondence(ctx, n.CorrespondenceID)
		if err != nil {
			return false, err
		}
		dialogID, _ = c.Reference(models.ReferenceDialog)
		dialogs[n.CorrespondenceID] = dialogID
	}
	if dialogID == "" {
		return n.SentAt != nil, nil
	}
	return r.activities.HasActivity(ctx, dialogID, models.ActivityNotificationSent, n.ID.String())
}

// EnqueueStuckPublishes queues a publish job for every correspondence that
// is still ReadyForPublish more than olderThan after its visible-from time.
func (r *Repairer) EnqueueStuckPublishes(ctx context.Context, batchSize int, olderThan time.Duration) (*Report, error) {
	batchSize = normalize(batchSize)
	cutoff := r.sched.Now().Add(-olderThan)
	report := &Report{Check: "stuck_publish"}

	cursor := uuid.Nil
	for {
		batch, err := r.repo.ListCorrespondencesInStatus(ctx, models.StatusReadyForPublish, cutoff, cursor, batchSize)
		if err != nil {
			return report, fmt.Errorf("list ready correspondences: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID
		report.Scanned += len(batch)

		defs := make([]jobs.Definition, 0, len(batch))
		for _, c := range batch {
			// The listing is a snapshot; a concurrent publish may have won.
			if cur, _ := ledger.Current(c.Statuses); cur.Status != models.StatusReadyForPublish {
				report.record("satisfied")
				continue
			}
			defs = append(defs, lifecycle.PublishJob(c.ID))
		}
		if err := r.enqueue(ctx, report, defs); err != nil {
			return report, err
		}
		if len(batch) < batchSize {
			break
		}
	}

	r.logReport(ctx, report)
	return report, nil
}

// EnqueueExpiredAttachments queues an expiry job for every attachment whose
// expiration time has passed and that is not purged yet.
func (r *Repairer) EnqueueExpiredAttachments(ctx context.Context, batchSize int) (*Report, error) {
	batchSize = normalize(batchSize)
	now := r.sched.Now()
	report := &Report{Check: "attachment_expiry"}

	cursor := uuid.Nil
	for {
		batch, err := r.repo.ListExpiredAttachments(ctx, now, cursor, batchSize)
		if err != nil {
			return report, fmt.Errorf("list expired attachments: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID
		report.Scanned += len(batch)

		defs := make([]jobs.Definition, 0, len(batch))
		for _, a := range batch {
			defs = append(defs, lifecycle.ExpireAttachmentJob(a.ID))
		}
		if err := r.enqueue(ctx, report, defs); err != nil {
			return report, err
		}
		if len(batch) < batchSize {
			break
		}
	}

	r.logReport(ctx, report)
	return report, nil
}

// enqueue writes one batch of jobs in a single atomic unit.
func (r *Repairer) enqueue(ctx context.Context, report *Report, defs []jobs.Definition) error {
	if len(defs) == 0 {
		return nil
	}
	var results []string
	err := r.sched.RunAtomic(ctx, func(ctx context.Context, tx *jobs.Tx) error {
		results = results[:0]
		for _, def := range defs {
			id, err := tx.Enqueue(ctx, def)
			if err != nil {
				return err
			}
			if id == uuid.Nil {
				results = append(results, "deduplicated")
			} else {
				results = append(results, "enqueued")
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s jobs: %w", report.Check, err)
	}
	for _, res := range results {
		report.record(res)
	}
	return nil
}

func (r *Repairer) logReport(ctx context.Context, report *Report) {
	r.logger.InfoContext(ctx, "repair run finished",
		"check", report.Check,
		"scanned", report.Scanned,
		"satisfied", report.Satisfied,
		"enqueued", report.Enqueued,
		"deduplicated", report.Deduplicated,
		"failed", report.Failed,
	)
}

func normalize(batchSize int) int {
	if batchSize <= 0 {
		return DefaultBatchSize
	}
	return batchSize
}
