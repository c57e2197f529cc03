package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/idempotency"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/ledger"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/courier-systems/courier-stack/correspondence/internal/repository"
	"github.com/google/uuid"
)

// InitializeCorrespondence creates a correspondence in Initialized. When all
// of its attachments are already published it moves straight on to
// ReadyForPublish and a publish job is scheduled for its visible-from time.
func (s *Service) InitializeCorrespondence(ctx context.Context, req InitializeRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	res, err := s.atomic(ctx, func(ctx context.Context, tx *jobs.Tx) (*Result, error) {
		now := tx.Now()

		// Attachments are locked in ID order so a concurrent publish of one
		// of them either sees this correspondence or is seen by it.
		attIDs := slices.Clone(req.AttachmentIDs)
		slices.SortFunc(attIDs, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })
		ready := true
		for _, attID := range attIDs {
			att, err := lockAttachment(ctx, tx, attID)
			if err != nil {
				return nil, err
			}
			cur, _ := ledger.Current(att.Statuses)
			switch cur.Status {
			case models.AttachmentPurged:
				return nil, apperr.InvalidTransition("attachment %s is purged", attID)
			case models.AttachmentPublished:
			default:
				ready = false
			}
		}

		visibleFrom := req.VisibleFrom
		if visibleFrom.IsZero() {
			visibleFrom = now
		}
		c := &models.Correspondence{
			ID:                   uuid.Must(uuid.NewV7()),
			ResourceID:           req.ResourceID,
			Sender:               req.Sender,
			Recipient:            req.Recipient,
			SendersReference:     req.SendersReference,
			VisibleFrom:          visibleFrom,
			DueDate:              req.DueDate,
			IsConfirmationNeeded: req.IsConfirmationNeeded,
			AttachmentIDs:        req.AttachmentIDs,
			ExternalReferences:   req.ExternalReferences,
			Statuses:             []models.StatusEntry{{Status: models.StatusInitialized, Timestamp: now}},
			CreatedAt:            now,
		}
		for _, nr := range req.Notifications {
			n := &models.Notification{
				ID:                uuid.Must(uuid.NewV7()),
				CorrespondenceID:  c.ID,
				RequestedSendTime: nr.RequestedSendTime,
				IsReminder:        nr.IsReminder,
				CreatedAt:         now,
			}
			if n.RequestedSendTime.Before(visibleFrom) {
				n.RequestedSendTime = visibleFrom
			}
			order, err := json.Marshal(external.OrderRequest{
				NotificationID:    n.ID,
				CorrespondenceID:  c.ID,
				ResourceID:        c.ResourceID,
				Recipient:         c.Recipient,
				RequestedSendTime: n.RequestedSendTime,
				IsReminder:        n.IsReminder,
				Template:          nr.Template,
			})
			if err != nil {
				return nil, fmt.Errorf("marshal order request: %w", err)
			}
			n.OrderRequest = order
			c.Notifications = append(c.Notifications, n)
		}

		if err := tx.CreateCorrespondence(ctx, c); err != nil {
			return nil, err
		}
		status := models.StatusInitialized
		if ready {
			status = models.StatusReadyForPublish
			if err := ledger.AppendStatus(ctx, tx, c.ID, models.StatusEntry{Status: status, Timestamp: now}); err != nil {
				return nil, err
			}
		}

		if err := enqueueEvent(ctx, tx, models.EventCorrespondenceInitialized, c.ResourceID, c.ID, c.Sender); err != nil {
			return nil, err
		}
		for _, n := range c.Notifications {
			_, err := tx.Enqueue(ctx, jobs.Definition{
				Type:      JobCreateOrder,
				Payload:   notificationPayload{NotificationID: n.ID},
				DedupeKey: DedupeKey(JobCreateOrder, n.ID),
			})
			if err != nil {
				return nil, err
			}
		}
		if ready {
			if err := schedulePublish(ctx, tx, c); err != nil {
				return nil, err
			}
		}
		return &Result{Outcome: Applied, ID: c.ID, Status: string(status)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logResult(ctx, "initialize", res, logging.CorrespondenceID(res.ID.String()))
	return res, nil
}

// Publish makes a ReadyForPublish correspondence visible to its recipient.
// A correspondence that can never be published, because one of its
// attachments was purged, moves to Failed and its notifications are
// cancelled. An attachment that is merely not published yet is an invalid
// transition and leaves the ledger untouched, since publishing it later
// recovers the correspondence. One that is not yet visible is deferred to
// the single queued publish job for its visible-from time.
func (s *Service) Publish(ctx context.Context, id uuid.UUID) (*Result, error) {
	res, err := s.atomic(ctx, func(ctx context.Context, tx *jobs.Tx) (*Result, error) {
		now := tx.Now()
		c, err := lockCorrespondence(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		cur, _ := ledger.Current(c.Statuses)
		if ledger.HasReached(c.Statuses, models.StatusPublished) {
			return &Result{Outcome: NoOp, ID: id, Status: string(cur.Status)}, nil
		}
		if cur.Status != models.StatusReadyForPublish {
			return nil, apperr.InvalidTransition("correspondence %s is %s, not %s", id, cur.Status, models.StatusReadyForPublish)
		}

		for _, attID := range c.AttachmentIDs {
			att, err := tx.GetAttachment(ctx, attID)
			if err != nil {
				return nil, err
			}
			attStatus, _ := ledger.Current(att.Statuses)
			switch attStatus.Status {
			case models.AttachmentPublished:
			case models.AttachmentPurged:
				return s.failPublish(ctx, tx, c, fmt.Sprintf("attachment %s was purged before publish", attID))
			default:
				return nil, apperr.InvalidTransition("attachment %s is %s, not %s", attID, attStatus.Status, models.AttachmentPublished)
			}
		}

		if c.VisibleFrom.After(now) {
			if err := schedulePublish(ctx, tx, c); err != nil {
				return nil, err
			}
			return &Result{Outcome: Deferred, ID: id, Status: string(cur.Status), Reason: "not yet visible"}, nil
		}

		claim, err := idempotency.TryClaim(ctx, tx, id, nil, models.ActionPublish, now)
		if err != nil {
			return nil, err
		}
		if claim == idempotency.AlreadyClaimed {
			return &Result{Outcome: NoOp, ID: id, Status: string(cur.Status)}, nil
		}

		entry := models.StatusEntry{Status: models.StatusPublished, Timestamp: now}
		if err := ledger.AppendStatus(ctx, tx, id, entry); err != nil {
			return nil, err
		}
		if err := enqueueEvent(ctx, tx, models.EventCorrespondencePublished, c.ResourceID, id, c.Sender); err != nil {
			return nil, err
		}
		if err := enqueueEvent(ctx, tx, models.EventCorrespondencePublished, c.ResourceID, id, c.Recipient); err != nil {
			return nil, err
		}
		return &Result{Outcome: Applied, ID: id, Status: string(entry.Status)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logResult(ctx, "publish", res, logging.CorrespondenceID(id.String()))
	return res, nil
}

func (s *Service) failPublish(ctx context.Context, tx *jobs.Tx, c *models.Correspondence, reason string) (*Result, error) {
	entry := models.StatusEntry{Status: models.StatusFailed, Timestamp: tx.Now(), Text: reason}
	if err := ledger.AppendStatus(ctx, tx, c.ID, entry); err != nil {
		return nil, err
	}
	if err := enqueueEvent(ctx, tx, models.EventCorrespondencePublishFailed, c.ResourceID, c.ID, c.Sender); err != nil {
		return nil, err
	}
	if err := enqueueCancellations(ctx, tx, c); err != nil {
		return nil, err
	}
	return &Result{Outcome: Failed, ID: c.ID, Status: string(entry.Status), Reason: reason}, nil
}

// PurgeCorrespondence purges a correspondence for the sender or recipient and
// hands its attachments to attachment purging.
func (s *Service) PurgeCorrespondence(ctx context.Context, req PurgeRequest) (*Result, error) {
	if !req.Status.IsPurged() {
		return nil, apperr.InvalidInput("status %q is not a purge status", req.Status)
	}

	res, err := s.atomic(ctx, func(ctx context.Context, tx *jobs.Tx) (*Result, error) {
		now := tx.Now()
		c, err := lockCorrespondence(ctx, tx, req.CorrespondenceID)
		if err != nil {
			return nil, err
		}
		cur, _ := ledger.Current(c.Statuses)
		if cur.Status.IsPurged() {
			return &Result{Outcome: NoOp, ID: c.ID, Status: string(cur.Status)}, nil
		}

		claim, err := idempotency.TryClaim(ctx, tx, c.ID, nil, models.ActionPurgeCorrespondence, now)
		if err != nil {
			return nil, err
		}
		if claim == idempotency.AlreadyClaimed {
			return &Result{Outcome: NoOp, ID: c.ID, Status: string(cur.Status)}, nil
		}

		entry := models.StatusEntry{Status: req.Status, Timestamp: now, Text: req.Text, ActorID: req.ActorID}
		if err := ledger.AppendStatus(ctx, tx, c.ID, entry); err != nil {
			return nil, err
		}
		if err := enqueueEvent(ctx, tx, models.EventCorrespondencePurged, c.ResourceID, c.ID, c.Sender); err != nil {
			return nil, err
		}
		if err := enqueueCancellations(ctx, tx, c); err != nil {
			return nil, err
		}

		actorType := models.ActorService
		if req.Status == models.StatusPurgedByRecipient {
			actorType = models.ActorRecipient
		}
		activity := models.Activity{Kind: models.ActivityPurged, ActorType: actorType, Text: req.Text, Timestamp: now}
		if req.ActorID != nil {
			activity.ActorID = *req.ActorID
		}
		if err := enqueueActivity(ctx, tx, c, activity); err != nil {
			return nil, err
		}

		for _, attID := range c.AttachmentIDs {
			_, err := tx.Enqueue(ctx, jobs.Definition{
				Type:      JobPurgeAttachment,
				Payload:   attachmentPayload{AttachmentID: attID},
				DedupeKey: DedupeKey(JobPurgeAttachment, attID),
			})
			if err != nil {
				return nil, err
			}
		}
		return &Result{Outcome: Applied, ID: c.ID, Status: string(entry.Status)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logResult(ctx, "purge", res, logging.CorrespondenceID(req.CorrespondenceID.String()))
	return res, nil
}

// Confirm accepts the recipient's confirmation. The Confirmed status is only
// written by VerifyAndCommitConfirmation once the dialog reflects it.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*Result, error) {
	res, err := s.atomic(ctx, func(ctx context.Context, tx *jobs.Tx) (*Result, error) {
		c, err := lockCorrespondence(ctx, tx, req.CorrespondenceID)
		if err != nil {
			return nil, err
		}
		cur, _ := ledger.Current(c.Statuses)
		if ledger.HasReached(c.Statuses, models.StatusConfirmed) {
			return &Result{Outcome: NoOp, ID: c.ID, Status: string(cur.Status)}, nil
		}
		if !ledger.HasReached(c.Statuses, models.StatusPublished) {
			return nil, apperr.InvalidTransition("correspondence %s has not been published", c.ID)
		}
		if !ledger.CanTransition(cur.Status, models.StatusConfirmed) {
			return nil, apperr.InvalidTransition("cannot confirm correspondence %s in status %s", c.ID, cur.Status)
		}

		_, err = tx.Enqueue(ctx, jobs.Definition{
			Type:      JobVerifyConfirmation,
			Payload:   verifyPayload{CorrespondenceID: c.ID, ActorID: req.ActorID},
			DedupeKey: DedupeKey(JobVerifyConfirmation, c.ID),
		})
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: Deferred, ID: c.ID, Status: string(cur.Status)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logResult(ctx, "confirm", res, logging.CorrespondenceID(req.CorrespondenceID.String()))
	return res, nil
}

// VerifyAndCommitConfirmation checks with the activity service that the
// dialog was patched as confirmed and only then appends Confirmed. A failed
// or negative verification writes nothing and returns an external error so
// the job is retried.
func (s *Service) VerifyAndCommitConfirmation(ctx context.Context, req VerifyConfirmationRequest) (*Result, error) {
	c, err := s.repo.GetCorrespondence(ctx, req.CorrespondenceID)
	if err != nil {
		return nil, err
	}
	if ledger.HasReached(c.Statuses, models.StatusConfirmed) {
		cur, _ := ledger.Current(c.Statuses)
		return &Result{Outcome: NoOp, ID: c.ID, Status: string(cur.Status)}, nil
	}

	if dialogID, ok := c.Reference(models.ReferenceDialog); ok {
		vctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
		patched, err := s.activities.VerifyPatched(vctx, dialogID, models.ActivityConfirmed)
		cancel()
		if err != nil {
			return nil, externalFailure(err, "verify confirmation of dialog %s", dialogID)
		}
		if !patched {
			return nil, apperr.External(nil, "dialog %s does not reflect the confirmation yet", dialogID)
		}
	}

	res, err := s.atomic(ctx, func(ctx context.Context, tx *jobs.Tx) (*Result, error) {
		now := tx.Now()
		c, err := lockCorrespondence(ctx, tx, req.CorrespondenceID)
		if err != nil {
			return nil, err
		}
		cur, _ := ledger.Current(c.Statuses)
		if ledger.HasReached(c.Statuses, models.StatusConfirmed) {
			return &Result{Outcome: NoOp, ID: c.ID, Status: string(cur.Status)}, nil
		}

		claim, err := idempotency.TryClaim(ctx, tx, c.ID, nil, models.ActionConfirm, now)
		if err != nil {
			return nil, err
		}
		if claim == idempotency.AlreadyClaimed {
			return &Result{Outcome: NoOp, ID: c.ID, Status: string(cur.Status)}, nil
		}

		entry := models.StatusEntry{Status: models.StatusConfirmed, Timestamp: now, ActorID: req.ActorID}
		if err := ledger.AppendStatus(ctx, tx, c.ID, entry); err != nil {
			return nil, err
		}
		if err := enqueueEvent(ctx, tx, models.EventCorrespondenceConfirmed, c.ResourceID, c.ID, c.Sender); err != nil {
			return nil, err
		}
		if err := enqueueLegacySync(ctx, tx, c, models.StatusConfirmed, c.Recipient); err != nil {
			return nil, err
		}
		activity := models.Activity{Kind: models.ActivityConfirmed, ActorType: models.ActorRecipient, Timestamp: now}
		if req.ActorID != nil {
			activity.ActorID = *req.ActorID
		}
		if err := enqueueActivity(ctx, tx, c, activity); err != nil {
			return nil, err
		}
		return &Result{Outcome: Applied, ID: c.ID, Status: string(entry.Status)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logResult(ctx, "verify_confirmation", res, logging.CorrespondenceID(req.CorrespondenceID.String()))
	return res, nil
}

// UpdateStatus applies a recipient-driven status. Setting the current status
// again is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, req UpdateStatusRequest) (*Result, error) {
	if !recipientStatuses[req.Status] {
		return nil, apperr.InvalidInput("status %q cannot be set directly", req.Status)
	}

	res, err := s.atomic(ctx, func(ctx context.Context, tx *jobs.Tx) (*Result, error) {
		c, err := lockCorrespondence(ctx, tx, req.CorrespondenceID)
		if err != nil {
			return nil, err
		}
		cur, _ := ledger.Current(c.Statuses)
		if cur.Status == req.Status {
			return &Result{Outcome: NoOp, ID: c.ID, Status: string(cur.Status)}, nil
		}

		switch req.Status {
		case models.StatusRead, models.StatusConfirmed:
			if !ledger.HasReached(c.Statuses, models.StatusPublished) {
				return nil, apperr.InvalidTransition("correspondence %s has not been published", c.ID)
			}
		case models.StatusMarkedUnread:
			if !ledger.HasReached(c.Statuses, models.StatusRead) {
				return nil, apperr.InvalidTransition("correspondence %s has not been read", c.ID)
			}
		}

		entry := models.StatusEntry{Status: req.Status, Timestamp: tx.Now(), Text: req.Text, ActorID: req.ActorID}
		if err := ledger.AppendStatus(ctx, tx, c.ID, entry); err != nil {
			return nil, err
		}
		return &Result{Outcome: Applied, ID: c.ID, Status: string(entry.Status)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logResult(ctx, "update_status", res, logging.CorrespondenceID(req.CorrespondenceID.String()))
	return res, nil
}

// MarkUnread flags a read correspondence as unread again.
func (s *Service) MarkUnread(ctx context.Context, id uuid.UUID, actorID *string) (*Result, error) {
	return s.UpdateStatus(ctx, UpdateStatusRequest{
		CorrespondenceID: id,
		Status:           models.StatusMarkedUnread,
		ActorID:          actorID,
	})
}

// CleanupCorrespondence removes a correspondence in a terminal status. The
// dialog's activities are deleted first; the local rows are deleted by a job
// that runs only after that succeeded.
func (s *Service) CleanupCorrespondence(ctx context.Context, id uuid.UUID) (*Result, error) {
	res, err := s.atomic(ctx, func(ctx context.Context, tx *jobs.Tx) (*Result, error) {
		c, err := lockCorrespondence(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		cur, _ := ledger.Current(c.Statuses)
		if !ledger.IsTerminal(cur.Status) {
			return nil, apperr.InvalidTransition("correspondence %s is %s, only terminal correspondences can be cleaned up", id, cur.Status)
		}

		deleteDef := jobs.Definition{
			Type:      JobHardDelete,
			Payload:   correspondencePayload{CorrespondenceID: id},
			DedupeKey: DedupeKey(JobHardDelete, id),
		}

		dialogID, ok := c.Reference(models.ReferenceDialog)
		if !ok {
			if _, err := tx.Enqueue(ctx, deleteDef); err != nil {
				return nil, err
			}
			return &Result{Outcome: Deferred, ID: id, Status: string(cur.Status)}, nil
		}

		parent, err := tx.Enqueue(ctx, jobs.Definition{
			Type:      JobDeleteActivities,
			Payload:   dialogPayload{CorrespondenceID: id, DialogID: dialogID},
			DedupeKey: DedupeKey(JobDeleteActivities, id),
		})
		if err != nil {
			return nil, err
		}
		if parent == uuid.Nil {
			return &Result{Outcome: NoOp, ID: id, Status: string(cur.Status), Reason: "cleanup already in progress"}, nil
		}
		if _, err := tx.ContinueWith(ctx, parent, deleteDef); err != nil {
			return nil, err
		}
		return &Result{Outcome: Deferred, ID: id, Status: string(cur.Status)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logResult(ctx, "cleanup", res, logging.CorrespondenceID(id.String()))
	return res, nil
}

func (s *Service) hardDelete(ctx context.Context, id uuid.UUID) error {
	err := s.sched.RunAtomic(ctx, func(ctx context.Context, tx *jobs.Tx) error {
		return tx.DeleteCorrespondence(ctx, id)
	})
	if errors.Is(err, repository.ErrCorrespondenceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "correspondence deleted", logging.CorrespondenceID(id.String()))
	return nil
}
