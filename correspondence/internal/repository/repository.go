// Package repository persists correspondences, attachments, notifications,
// idempotency keys and background jobs. All of them live in one store so that
// a status change and the jobs it triggers commit together.
package repository

import (
	"context"
	"time"

	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
)

var (
	ErrCorrespondenceNotFound = apperr.NotFound("correspondence not found")
	ErrAttachmentNotFound     = apperr.NotFound("attachment not found")
	ErrNotificationNotFound   = apperr.NotFound("notification not found")
	ErrJobNotFound            = apperr.NotFound("job not found")
)

// Queries is the set of operations available both inside and outside a
// transaction.
type Queries interface {
	// CreateCorrespondence inserts the correspondence, its attachment links,
	// notifications, external references and initial statuses.
	CreateCorrespondence(ctx context.Context, c *models.Correspondence) error
	// LockCorrespondence holds a row lock on the correspondence until the
	// transaction ends. Every status change takes it before reading the
	// ledger, so concurrent appends are applied one after the other.
	LockCorrespondence(ctx context.Context, id uuid.UUID) error
	// GetCorrespondence loads a correspondence with statuses ordered by time.
	GetCorrespondence(ctx context.Context, id uuid.UUID) (*models.Correspondence, error)
	// ListCorrespondencesByAttachment returns every correspondence linked to the attachment.
	ListCorrespondencesByAttachment(ctx context.Context, attachmentID uuid.UUID) ([]*models.Correspondence, error)
	// ListCorrespondencesInStatus pages correspondences whose current status is
	// status and whose visible-from is before visibleBefore, ordered by ID.
	ListCorrespondencesInStatus(ctx context.Context, status models.Status, visibleBefore time.Time, afterID uuid.UUID, limit int) ([]*models.Correspondence, error)
	AppendCorrespondenceStatus(ctx context.Context, id uuid.UUID, entry models.StatusEntry) error
	// DeleteCorrespondence removes a correspondence and everything it owns.
	DeleteCorrespondence(ctx context.Context, id uuid.UUID) error

	CreateAttachment(ctx context.Context, a *models.Attachment) error
	// LockAttachment is LockCorrespondence for attachments.
	LockAttachment(ctx context.Context, id uuid.UUID) error
	GetAttachment(ctx context.Context, id uuid.UUID) (*models.Attachment, error)
	AppendAttachmentStatus(ctx context.Context, id uuid.UUID, entry models.AttachmentStatusEntry) error
	// ListExpiredAttachments pages attachments whose expiration time is at or
	// before now and that are not purged, ordered by ID.
	ListExpiredAttachments(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]*models.Attachment, error)

	GetNotification(ctx context.Context, id uuid.UUID) (*models.Notification, error)
	// SetNotificationOrder stores the order ID unless one is already set.
	// It reports whether the row was updated.
	SetNotificationOrder(ctx context.Context, id uuid.UUID, orderID string) (bool, error)
	// MarkNotificationSent sets SentAt unless it is already set.
	MarkNotificationSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	// MarkNotificationAbandoned sets AbandonedAt unless it is already set.
	MarkNotificationAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error
	// ListOrderedNotifications pages notifications that have an order, are
	// not abandoned and were requested before cutoff, strictly after afterID,
	// ordered by ID.
	ListOrderedNotifications(ctx context.Context, cutoff time.Time, afterID uuid.UUID, limit int) ([]*models.Notification, error)

	// InsertIdempotencyKey inserts key and reports false if the triple exists.
	InsertIdempotencyKey(ctx context.Context, key *models.IdempotencyKey) (bool, error)

	// InsertJob inserts job and reports false when its dedupe key is held by
	// another job that is awaiting or enqueued. A running job does not hold
	// its key: it may already have read the state the new job must see.
	InsertJob(ctx context.Context, job *models.Job) (bool, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// LockJob loads a job and holds a row lock until the transaction ends.
	LockJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
}

// JobStore is the worker-side view of the jobs table.
type JobStore interface {
	// ClaimJobs marks up to limit due jobs as running, increments their
	// attempt count and leases them until now+lease. Jobs whose lease
	// expired are claimable again.
	ClaimJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Job, error)
	// CompleteJob marks the job succeeded and releases its awaiting children.
	CompleteJob(ctx context.Context, id uuid.UUID, now time.Time) error
	// RetryJob returns the job to the queue at runAt. When a newer job with
	// the same dedupe key is already queued, the job is closed as succeeded
	// instead and the newer one does the work.
	RetryJob(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error
	// FailJob marks the job permanently failed.
	FailJob(ctx context.Context, id uuid.UUID, lastErr string, now time.Time) error
	// RequeueJob moves a failed job back to enqueued with a fresh attempt budget.
	RequeueJob(ctx context.Context, id uuid.UUID, now time.Time) error
}

// Repository is the full store.
type Repository interface {
	Queries
	JobStore

	// InTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise, including on panic.
	InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
	Ping(ctx context.Context) error
	Close()
}
