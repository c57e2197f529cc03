package lifecycle

import (
	"context"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/idempotency"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/ledger"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
)

// InitializeAttachment registers an attachment in Initialized.
func (s *Service) InitializeAttachment(ctx context.Context, req InitializeAttachmentRequest) (*Result, error) {
	if req.Sender == "" {
		return nil, apperr.InvalidInput("sender is required")
	}
	if req.StorageProvider == "" {
		return nil, apperr.InvalidInput("storage_provider is required")
	}

	return s.atomic(ctx, func(ctx context.Context, tx *jobs.Tx) (*Result, error) {
		now := tx.Now()
		att := &models.Attachment{
			ID:              uuid.Must(uuid.NewV7()),
			Sender:          req.Sender,
			StorageProvider: req.StorageProvider,
			ExpirationTime:  req.ExpirationTime,
			Statuses:        []models.AttachmentStatusEntry{{Status: models.AttachmentInitialized, Timestamp: now}},
			CreatedAt:       now,
		}
		if err := tx.CreateAttachment(ctx, att); err != nil {
			return nil, err
		}
		return &Result{Outcome: Applied, ID: att.ID, Status: string(models.AttachmentInitialized)}, nil
	})
}

// PublishAttachment marks an uploaded attachment Published. Correspondences
// that were only waiting for it move to ReadyForPublish.
func (s *Service) PublishAttachment(ctx context.Context, id uuid.UUID) (*Result, error) {
	res, err := s.atomic(ctx, func(ctx context.Context, tx *jobs.Tx) (*Result, error) {
		now := tx.Now()
		att, err := lockAttachment(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		cur, _ := ledger.Current(att.Statuses)
		if cur.Status == models.AttachmentPublished {
			return &Result{Outcome: NoOp, ID: id, Status: string(cur.Status)}, nil
		}

		entry := models.AttachmentStatusEntry{Status: models.AttachmentPublished, Timestamp: now}
		if err := ledger.AppendAttachmentStatus(ctx, tx, id, entry); err != nil {
			return nil, err
		}
		if err := enqueueEvent(ctx, tx, models.EventAttachmentPublished, "", id, att.Sender); err != nil {
			return nil, err
		}

		referencing, err := tx.ListCorrespondencesByAttachment(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, ref := range referencing {
			if st, _ := ledger.Current(ref.Statuses); st.Status != models.StatusInitialized {
				continue
			}
			c, err := lockCorrespondence(ctx, tx, ref.ID)
			if err != nil {
				return nil, err
			}
			if st, _ := ledger.Current(c.Statuses); st.Status != models.StatusInitialized {
				continue
			}
			ready, err := allPublished(ctx, tx, c)
			if err != nil {
				return nil, err
			}
			if !ready {
				continue
			}
			if err := ledger.AppendStatus(ctx, tx, c.ID, models.StatusEntry{Status: models.StatusReadyForPublish, Timestamp: now}); err != nil {
				return nil, err
			}
			if err := schedulePublish(ctx, tx, c); err != nil {
				return nil, err
			}
		}
		return &Result{Outcome: Applied, ID: id, Status: string(entry.Status)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logResult(ctx, "publish_attachment", res, logging.AttachmentID(id.String()))
	return res, nil
}

func allPublished(ctx context.Context, tx *jobs.Tx, c *models.Correspondence) (bool, error) {
	for _, attID := range c.AttachmentIDs {
		att, err := tx.GetAttachment(ctx, attID)
		if err != nil {
			return false, err
		}
		if cur, _ := ledger.Current(att.Statuses); cur.Status != models.AttachmentPublished {
			return false, nil
		}
	}
	return true, nil
}

// ExpireAttachment purges an attachment whose expiration time has passed.
func (s *Service) ExpireAttachment(ctx context.Context, id uuid.UUID) (*Result, error) {
	res, err := s.atomic(ctx, func(ctx context.Context, tx *jobs.Tx) (*Result, error) {
		att, err := lockAttachment(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if ledger.HasReached(att.Statuses, models.AttachmentPurged) {
			return &Result{Outcome: NoOp, ID: id, Status: string(models.AttachmentPurged)}, nil
		}
		if att.ExpirationTime == nil || att.ExpirationTime.After(tx.Now()) {
			return nil, apperr.InvalidTransition("attachment %s has not expired", id)
		}
		return s.purgeAttachment(ctx, tx, att, "expired", models.EventAttachmentExpired)
	})
	if err != nil {
		return nil, err
	}
	s.logResult(ctx, "expire_attachment", res, logging.AttachmentID(id.String()))
	return res, nil
}

// PurgeAttachment purges an attachment once no correspondence needs it: every
// correspondence still referencing it must itself be purged. Deleted
// correspondences no longer reference it.
func (s *Service) PurgeAttachment(ctx context.Context, id uuid.UUID) (*Result, error) {
	res, err := s.atomic(ctx, func(ctx context.Context, tx *jobs.Tx) (*Result, error) {
		att, err := lockAttachment(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if ledger.HasReached(att.Statuses, models.AttachmentPurged) {
			return &Result{Outcome: NoOp, ID: id, Status: string(models.AttachmentPurged)}, nil
		}

		referencing, err := tx.ListCorrespondencesByAttachment(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, c := range referencing {
			if cur, _ := ledger.Current(c.Statuses); !cur.Status.IsPurged() {
				return nil, apperr.InvalidTransition("attachment %s is still used by correspondence %s (%s)", id, c.ID, cur.Status)
			}
		}
		return s.purgeAttachment(ctx, tx, att, "purged", models.EventAttachmentPurged)
	})
	if err != nil {
		return nil, err
	}
	s.logResult(ctx, "purge_attachment", res, logging.AttachmentID(id.String()))
	return res, nil
}

// purgeAttachment is shared by expiry and purge. Both claim the same action
// so the bytes are deleted once whichever path wins.
func (s *Service) purgeAttachment(ctx context.Context, tx *jobs.Tx, att *models.Attachment, reason, eventType string) (*Result, error) {
	now := tx.Now()
	claim, err := idempotency.TryClaim(ctx, tx, uuid.Nil, &att.ID, models.ActionPurgeAttachment, now)
	if err != nil {
		return nil, err
	}
	if claim == idempotency.AlreadyClaimed {
		return &Result{Outcome: NoOp, ID: att.ID, Status: string(models.AttachmentPurged)}, nil
	}

	entry := models.AttachmentStatusEntry{Status: models.AttachmentPurged, Timestamp: now, Text: reason}
	if err := ledger.AppendAttachmentStatus(ctx, tx, att.ID, entry); err != nil {
		return nil, err
	}
	_, err = tx.Enqueue(ctx, jobs.Definition{
		Type:      JobPurgeBlob,
		Payload:   blobPayload{AttachmentID: att.ID, Provider: att.StorageProvider},
		DedupeKey: DedupeKey(JobPurgeBlob, att.ID),
	})
	if err != nil {
		return nil, err
	}
	if err := enqueueEvent(ctx, tx, eventType, "", att.ID, att.Sender); err != nil {
		return nil, err
	}
	return &Result{Outcome: Applied, ID: att.ID, Status: string(entry.Status), Reason: reason}, nil
}
