package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/metrics"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/courier-systems/courier-stack/correspondence/internal/repository"
	"github.com/google/uuid"
)

// Current returns the latest entry of a history.
func Current[S ~string](entries []models.Entry[S]) (models.Entry[S], bool) {
	if len(entries) == 0 {
		return models.Entry[S]{}, false
	}
	return entries[len(entries)-1], true
}

// HasReached reports whether status appears anywhere in the history. It is
// true even after the entity moved on to a later status.
func HasReached[S ~string](entries []models.Entry[S], status S) bool {
	for _, e := range entries {
		if e.Status == status {
			return true
		}
	}
	return false
}

// CheckAppend validates appending next to a correspondence history. The first
// entry must be Initialized.
func CheckAppend(entries []models.StatusEntry, next models.StatusEntry) error {
	cur, ok := Current(entries)
	if !ok {
		if next.Status != models.StatusInitialized {
			return apperr.InvalidTransition("first status must be %s, got %s", models.StatusInitialized, next.Status)
		}
		return nil
	}
	if !CanTransition(cur.Status, next.Status) {
		return apperr.InvalidTransition("cannot move correspondence from %s to %s", cur.Status, next.Status)
	}
	if next.Timestamp.Before(cur.Timestamp) {
		return apperr.InvalidTransition("status %s at %s precedes current %s at %s",
			next.Status, next.Timestamp.Format(time.RFC3339Nano), cur.Status, cur.Timestamp.Format(time.RFC3339Nano))
	}
	return nil
}

// CheckAttachmentAppend validates appending next to an attachment history.
func CheckAttachmentAppend(entries []models.AttachmentStatusEntry, next models.AttachmentStatusEntry) error {
	cur, ok := Current(entries)
	if !ok {
		if next.Status != models.AttachmentInitialized {
			return apperr.InvalidTransition("first attachment status must be %s, got %s", models.AttachmentInitialized, next.Status)
		}
		return nil
	}
	if !CanTransitionAttachment(cur.Status, next.Status) {
		return apperr.InvalidTransition("cannot move attachment from %s to %s", cur.Status, next.Status)
	}
	if next.Timestamp.Before(cur.Timestamp) {
		return apperr.InvalidTransition("attachment status %s precedes current %s", next.Status, cur.Status)
	}
	return nil
}

// AppendStatus validates and appends a correspondence status through q.
func AppendStatus(ctx context.Context, q repository.Queries, id uuid.UUID, entry models.StatusEntry) error {
	c, err := q.GetCorrespondence(ctx, id)
	if err != nil {
		return err
	}
	if err := CheckAppend(c.Statuses, entry); err != nil {
		return fmt.Errorf("correspondence %s: %w", id, err)
	}
	if err := q.AppendCorrespondenceStatus(ctx, id, entry); err != nil {
		return err
	}
	metrics.StatusTransitions.WithLabelValues("correspondence", string(entry.Status)).Inc()
	return nil
}

// AppendAttachmentStatus validates and appends an attachment status through q.
func AppendAttachmentStatus(ctx context.Context, q repository.Queries, id uuid.UUID, entry models.AttachmentStatusEntry) error {
	a, err := q.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	if err := CheckAttachmentAppend(a.Statuses, entry); err != nil {
		return fmt.Errorf("attachment %s: %w", id, err)
	}
	if err := q.AppendAttachmentStatus(ctx, id, entry); err != nil {
		return err
	}
	metrics.StatusTransitions.WithLabelValues("attachment", string(entry.Status)).Inc()
	return nil
}

// CurrentStatus returns the latest correspondence status.
func CurrentStatus(ctx context.Context, q repository.Queries, id uuid.UUID) (models.StatusEntry, error) {
	c, err := q.GetCorrespondence(ctx, id)
	if err != nil {
		return models.StatusEntry{}, err
	}
	cur, ok := Current(c.Statuses)
	if !ok {
		return models.StatusEntry{}, apperr.NotFound("correspondence %s has no status", id)
	}
	return cur, nil
}

// CorrespondenceHasReached reports whether the correspondence ever held status.
func CorrespondenceHasReached(ctx context.Context, q repository.Queries, id uuid.UUID, status models.Status) (bool, error) {
	c, err := q.GetCorrespondence(ctx, id)
	if err != nil {
		return false, err
	}
	return HasReached(c.Statuses, status), nil
}

// CurrentAttachmentStatus returns the latest attachment status.
func CurrentAttachmentStatus(ctx context.Context, q repository.Queries, id uuid.UUID) (models.AttachmentStatusEntry, error) {
	a, err := q.GetAttachment(ctx, id)
	if err != nil {
		return models.AttachmentStatusEntry{}, err
	}
	cur, ok := Current(a.Statuses)
	if !ok {
		return models.AttachmentStatusEntry{}, apperr.NotFound("attachment %s has no status", id)
	}
	return cur, nil
}
