package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/ledger"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
)

// deliveryCheckMargin is how long after the requested send time the first
// delivery check runs.
const deliveryCheckMargin = 10 * time.Minute

// CreateNotificationOrder places the order for a notification and schedules
// the delivery check for shortly after its send time. Orders are never
// placed for correspondences that failed or were purged; if that happens
// while the order is in flight, the fresh order is cancelled.
func (s *Service) CreateNotificationOrder(ctx context.Context, id uuid.UUID) error {
	ctx = logging.ContextWith(ctx, logging.NotificationID(id.String()))

	n, err := s.repo.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.OrderID != nil {
		return nil
	}
	c, err := s.repo.GetCorrespondence(ctx, n.CorrespondenceID)
	if err != nil {
		return err
	}
	if withdrawn(c) {
		s.logger.InfoContext(ctx, "notification not ordered for withdrawn correspondence")
		return nil
	}

	var req external.OrderRequest
	if err := json.Unmarshal(n.OrderRequest, &req); err != nil {
		return apperr.Fatal("notification %s has an unreadable order request: %v", id, err)
	}

	orderID, err := s.notifications.CreateOrder(ctx, req)
	if errors.Is(err, external.ErrOrderRejected) {
		return apperr.Rejected(err, "order for notification %s", id)
	}
	if err != nil {
		return externalFailure(err, "order notification %s", id)
	}

	return s.sched.RunAtomic(ctx, func(ctx context.Context, tx *jobs.Tx) error {
		stored, err := tx.SetNotificationOrder(ctx, id, orderID)
		if err != nil || !stored {
			return err
		}
		// Under the lock a concurrent purge either already shows here or
		// sees the stored order and cancels it.
		c, err := lockCorrespondence(ctx, tx, n.CorrespondenceID)
		if err != nil {
			return err
		}
		if !withdrawn(c) {
			delay := n.RequestedSendTime.Sub(tx.Now()) + deliveryCheckMargin
			_, err := tx.Schedule(ctx, CheckDeliveryJob(id), max(delay, deliveryCheckMargin))
			return err
		}
		_, err = tx.Enqueue(ctx, jobs.Definition{
			Type:      JobCancelNotification,
			Payload:   notificationPayload{NotificationID: id},
			DedupeKey: DedupeKey(JobCancelNotification, id),
		})
		return err
	})
}

func withdrawn(c *models.Correspondence) bool {
	cur, _ := ledger.Current(c.Statuses)
	return cur.Status == models.StatusFailed || cur.Status.IsPurged()
}

// CancelNotification cancels a notification order that has not been sent
// and marks the notification abandoned. When the ordering service refuses
// because the order was already sent, the notification is marked sent
// instead.
func (s *Service) CancelNotification(ctx context.Context, id uuid.UUID) error {
	ctx = logging.ContextWith(ctx, logging.NotificationID(id.String()))

	n, err := s.repo.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.OrderID == nil || n.SentAt != nil {
		return nil
	}

	err = s.notifications.Cancel(ctx, *n.OrderID)
	if err == nil {
		s.logger.InfoContext(ctx, "notification cancelled")
		return s.repo.MarkNotificationAbandoned(ctx, id, s.now())
	}
	if !errors.Is(err, external.ErrCancellationRejected) {
		return externalFailure(err, "cancel order %s", *n.OrderID)
	}

	summary, serr := s.notifications.GetStatus(ctx, *n.OrderID)
	if serr != nil {
		return externalFailure(serr, "look up order %s", *n.OrderID)
	}
	switch summary.Status {
	case external.OrderSent:
		sentAt := s.now()
		if summary.SentAt != nil {
			sentAt = *summary.SentAt
		}
		return s.repo.MarkNotificationSent(ctx, id, sentAt)
	case external.OrderCancelled:
		return s.repo.MarkNotificationAbandoned(ctx, id, s.now())
	default:
		return apperr.Rejected(err, "cancel order %s (%s)", *n.OrderID, summary.Status)
	}
}

// CheckNotificationDelivery asks the ordering service whether a notification
// was sent, stores the send time and records a notification-sent activity
// once. A pending order is reported as an external failure so the job is
// retried later. A cancelled or failed order marks the notification
// abandoned, which takes it out of delivery repair.
func (s *Service) CheckNotificationDelivery(ctx context.Context, id uuid.UUID) error {
	ctx = logging.ContextWith(ctx, logging.NotificationID(id.String()))

	n, err := s.repo.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.OrderID == nil {
		return apperr.InvalidTransition("notification %s has no order", id)
	}

	summary, err := s.notifications.GetStatus(ctx, *n.OrderID)
	if err != nil {
		return externalFailure(err, "look up order %s", *n.OrderID)
	}
	switch summary.Status {
	case external.OrderSent:
	case external.OrderPending:
		return apperr.External(nil, "order %s has not been sent yet", *n.OrderID)
	default:
		s.logger.InfoContext(ctx, "notification will not be delivered", logging.Status(string(summary.Status)))
		return s.repo.MarkNotificationAbandoned(ctx, id, s.now())
	}

	sentAt := s.now()
	if summary.SentAt != nil {
		sentAt = *summary.SentAt
	}
	return s.sched.RunAtomic(ctx, func(ctx context.Context, tx *jobs.Tx) error {
		if n.SentAt == nil {
			if err := tx.MarkNotificationSent(ctx, id, sentAt); err != nil {
				return err
			}
		}
		c, err := tx.GetCorrespondence(ctx, n.CorrespondenceID)
		if err != nil {
			return err
		}
		return enqueueActivity(ctx, tx, c, models.Activity{
			Kind:      models.ActivityNotificationSent,
			ActorType: models.ActorService,
			Reference: id.String(),
			Timestamp: sentAt,
		})
	})
}
