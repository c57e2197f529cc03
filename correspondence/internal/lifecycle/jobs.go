package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
)

// Job types handled by the Service.
const (
	JobPublish            = "correspondence.publish"
	JobVerifyConfirmation = "correspondence.verify_confirmation"
	JobHardDelete         = "correspondence.hard_delete"
	JobExpireAttachment   = "attachment.expire"
	JobPurgeAttachment    = "attachment.purge"
	JobPurgeBlob          = "attachment.purge_blob"
	JobCreateOrder        = "notification.create_order"
	JobCancelNotification = "notification.cancel"
	JobCheckDelivery      = "notification.check_delivery"
	JobPublishEvent       = "event.publish"
	JobRecordActivity     = "activity.record"
	JobDeleteActivities   = "activity.delete"
	JobLegacySync         = "legacy.sync"
)

// DedupeKey is the dedupe key used for a job type about one entity.
func DedupeKey(jobType string, id uuid.UUID) string {
	return jobType + ":" + id.String()
}

// PublishJob is the deduplicated publish job of a correspondence.
func PublishJob(id uuid.UUID) jobs.Definition {
	return jobs.Definition{
		Type:      JobPublish,
		Payload:   correspondencePayload{CorrespondenceID: id},
		DedupeKey: DedupeKey(JobPublish, id),
	}
}

// CheckDeliveryJob is the deduplicated delivery check of a notification.
func CheckDeliveryJob(notificationID uuid.UUID) jobs.Definition {
	return jobs.Definition{
		Type:      JobCheckDelivery,
		Payload:   notificationPayload{NotificationID: notificationID},
		DedupeKey: DedupeKey(JobCheckDelivery, notificationID),
	}
}

// ExpireAttachmentJob is the deduplicated expiry job of an attachment.
func ExpireAttachmentJob(id uuid.UUID) jobs.Definition {
	return jobs.Definition{
		Type:      JobExpireAttachment,
		Payload:   attachmentPayload{AttachmentID: id},
		DedupeKey: DedupeKey(JobExpireAttachment, id),
	}
}

type correspondencePayload struct {
	CorrespondenceID uuid.UUID `json:"correspondence_id"`
}

type verifyPayload struct {
	CorrespondenceID uuid.UUID `json:"correspondence_id"`
	ActorID          *string   `json:"actor_id,omitempty"`
}

type attachmentPayload struct {
	AttachmentID uuid.UUID `json:"attachment_id"`
}

type blobPayload struct {
	AttachmentID uuid.UUID `json:"attachment_id"`
	Provider     string    `json:"provider"`
}

type notificationPayload struct {
	NotificationID uuid.UUID `json:"notification_id"`
}

type activityPayload struct {
	CorrespondenceID uuid.UUID       `json:"correspondence_id"`
	DialogID         string          `json:"dialog_id"`
	Activity         models.Activity `json:"activity"`
}

type dialogPayload struct {
	CorrespondenceID uuid.UUID `json:"correspondence_id"`
	DialogID         string    `json:"dialog_id"`
}

// Registrar accepts job handlers; *jobs.Pool satisfies it.
type Registrar interface {
	Register(jobType string, h jobs.Handler)
}

// RegisterJobs binds every lifecycle job type to its handler.
func (s *Service) RegisterJobs(r Registrar) {
	r.Register(JobPublish, func(ctx context.Context, job *models.Job) error {
		p, err := jobs.Decode[correspondencePayload](job)
		if err != nil {
			return err
		}
		_, err = s.Publish(ctx, p.CorrespondenceID)
		return err
	})
	r.Register(JobVerifyConfirmation, func(ctx context.Context, job *models.Job) error {
		p, err := jobs.Decode[verifyPayload](job)
		if err != nil {
			return err
		}
		_, err = s.VerifyAndCommitConfirmation(ctx, VerifyConfirmationRequest{
			CorrespondenceID: p.CorrespondenceID,
			ActorID:          p.ActorID,
		})
		return err
	})
	r.Register(JobHardDelete, func(ctx context.Context, job *models.Job) error {
		p, err := jobs.Decode[correspondencePayload](job)
		if err != nil {
			return err
		}
		return s.hardDelete(ctx, p.CorrespondenceID)
	})
	r.Register(JobExpireAttachment, func(ctx context.Context, job *models.Job) error {
		p, err := jobs.Decode[attachmentPayload](job)
		if err != nil {
			return err
		}
		_, err = s.ExpireAttachment(ctx, p.AttachmentID)
		return err
	})
	r.Register(JobPurgeAttachment, func(ctx context.Context, job *models.Job) error {
		p, err := jobs.Decode[attachmentPayload](job)
		if err != nil {
			return err
		}
		_, err = s.PurgeAttachment(ctx, p.AttachmentID)
		return err
	})
	r.Register(JobPurgeBlob, s.purgeBlob)
	r.Register(JobCreateOrder, func(ctx context.Context, job *models.Job) error {
		p, err := jobs.Decode[notificationPayload](job)
		if err != nil {
			return err
		}
		return s.CreateNotificationOrder(ctx, p.NotificationID)
	})
	r.Register(JobCancelNotification, func(ctx context.Context, job *models.Job) error {
		p, err := jobs.Decode[notificationPayload](job)
		if err != nil {
			return err
		}
		return s.CancelNotification(ctx, p.NotificationID)
	})
	r.Register(JobCheckDelivery, func(ctx context.Context, job *models.Job) error {
		p, err := jobs.Decode[notificationPayload](job)
		if err != nil {
			return err
		}
		return s.CheckNotificationDelivery(ctx, p.NotificationID)
	})
	r.Register(JobPublishEvent, s.publishEvent)
	r.Register(JobRecordActivity, s.recordActivity)
	r.Register(JobDeleteActivities, s.deleteActivities)
	r.Register(JobLegacySync, s.syncLegacy)
}

// Enqueue helpers used inside atomic units.

func enqueueEvent(ctx context.Context, tx *jobs.Tx, eventType, resourceID string, itemID uuid.UUID, subject string) error {
	_, err := tx.Enqueue(ctx, jobs.Definition{
		Type: JobPublishEvent,
		Payload: models.Event{
			ID:         uuid.Must(uuid.NewV7()),
			Type:       eventType,
			ResourceID: resourceID,
			ItemID:     itemID,
			Subject:    subject,
			OccurredAt: tx.Now(),
		},
	})
	return err
}

func enqueueActivity(ctx context.Context, tx *jobs.Tx, c *models.Correspondence, activity models.Activity) error {
	dialogID, ok := c.Reference(models.ReferenceDialog)
	if !ok {
		return nil
	}
	def := jobs.Definition{
		Type: JobRecordActivity,
		Payload: activityPayload{
			CorrespondenceID: c.ID,
			DialogID:         dialogID,
			Activity:         activity,
		},
	}
	if activity.Reference != "" {
		def.DedupeKey = JobRecordActivity + ":" + string(activity.Kind) + ":" + activity.Reference
	}
	_, err := tx.Enqueue(ctx, def)
	return err
}

func enqueueLegacySync(ctx context.Context, tx *jobs.Tx, c *models.Correspondence, status models.Status, party string) error {
	legacyID, ok := c.Reference(models.ReferenceLegacy)
	if !ok || tx.Origin() == models.OriginMigrate {
		return nil
	}
	_, err := tx.Enqueue(ctx, jobs.Definition{
		Type: JobLegacySync,
		Payload: models.LegacyEvent{
			LegacyID:  legacyID,
			PartyID:   party,
			Status:    status,
			Timestamp: tx.Now(),
		},
	})
	return err
}

func enqueueCancellations(ctx context.Context, tx *jobs.Tx, c *models.Correspondence) error {
	for _, n := range c.Notifications {
		if n.OrderID == nil || n.SentAt != nil {
			continue
		}
		_, err := tx.Enqueue(ctx, jobs.Definition{
			Type:      JobCancelNotification,
			Payload:   notificationPayload{NotificationID: n.ID},
			DedupeKey: DedupeKey(JobCancelNotification, n.ID),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// schedulePublish queues at most one publish job per correspondence; a
// second call while one is queued is deduplicated.
func schedulePublish(ctx context.Context, tx *jobs.Tx, c *models.Correspondence) error {
	_, err := tx.Schedule(ctx, PublishJob(c.ID), c.VisibleFrom.Sub(tx.Now()))
	return err
}

// lockCorrespondence takes the row lock that serializes every
// check-then-append on a correspondence, then reads it.
func lockCorrespondence(ctx context.Context, tx *jobs.Tx, id uuid.UUID) (*models.Correspondence, error) {
	if err := tx.LockCorrespondence(ctx, id); err != nil {
		return nil, err
	}
	return tx.GetCorrespondence(ctx, id)
}

func lockAttachment(ctx context.Context, tx *jobs.Tx, id uuid.UUID) (*models.Attachment, error) {
	if err := tx.LockAttachment(ctx, id); err != nil {
		return nil, err
	}
	return tx.GetAttachment(ctx, id)
}

// Side-effect job handlers.

func (s *Service) publishEvent(ctx context.Context, job *models.Job) error {
	event, err := jobs.Decode[models.Event](job)
	if err != nil {
		return err
	}
	if jobs.OriginFrom(ctx) == models.OriginMigrate {
		s.logger.DebugContext(ctx, "event suppressed for migrated data", "event_type", event.Type)
		return nil
	}
	if err := s.events.Publish(ctx, event); err != nil {
		return externalFailure(err, "publish %s event", event.Type)
	}
	return nil
}

func (s *Service) recordActivity(ctx context.Context, job *models.Job) error {
	p, err := jobs.Decode[activityPayload](job)
	if err != nil {
		return err
	}
	exists, err := s.activities.HasActivity(ctx, p.DialogID, p.Activity.Kind, p.Activity.Reference)
	if err != nil {
		return externalFailure(err, "look up %s activity", p.Activity.Kind)
	}
	if exists {
		return nil
	}
	if err := s.activities.RecordActivity(ctx, p.DialogID, p.Activity); err != nil {
		return externalFailure(err, "record %s activity", p.Activity.Kind)
	}
	return nil
}

func (s *Service) deleteActivities(ctx context.Context, job *models.Job) error {
	p, err := jobs.Decode[dialogPayload](job)
	if err != nil {
		return err
	}
	if err := s.activities.DeleteActivities(ctx, p.DialogID); err != nil {
		return externalFailure(err, "delete activities of dialog %s", p.DialogID)
	}
	return nil
}

func (s *Service) syncLegacy(ctx context.Context, job *models.Job) error {
	event, err := jobs.Decode[models.LegacyEvent](job)
	if err != nil {
		return err
	}
	if jobs.OriginFrom(ctx) == models.OriginMigrate {
		return nil
	}
	if err := s.legacy.SyncEvent(ctx, event); err != nil {
		return externalFailure(err, "sync %s to legacy %s", event.Status, event.LegacyID)
	}
	return nil
}

func (s *Service) purgeBlob(ctx context.Context, job *models.Job) error {
	p, err := jobs.Decode[blobPayload](job)
	if err != nil {
		return err
	}
	err = s.blobs.Purge(ctx, p.AttachmentID, p.Provider)
	if errors.Is(err, external.ErrBlobNotFound) {
		s.logger.InfoContext(ctx, "attachment bytes already gone", logging.AttachmentID(p.AttachmentID.String()))
		return nil
	}
	if err != nil {
		return externalFailure(err, "purge bytes of attachment %s", p.AttachmentID)
	}
	return nil
}

func (s *Service) now() time.Time {
	return s.sched.Now()
}
