package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courier-systems/courier-stack/common/database"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository with pgx.
type PostgresRepository struct {
	*pgQueries
	pool *pgxpool.Pool
}

// NewPostgresRepository wraps an open pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pgQueries: &pgQueries{db: pool}, pool: pool}
}

// InTx runs fn inside a single database transaction.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &pgQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

type pgQueries struct {
	db dbtx
}

const correspondenceColumns = `id, resource_id, sender, recipient, senders_reference, visible_from,
	due_date, is_confirmation_needed, external_references, created_at`

func (q *pgQueries) CreateCorrespondence(ctx context.Context, c *models.Correspondence) error {
	refs := c.ExternalReferences
	if refs == nil {
		refs = []models.ExternalReference{}
	}

	_, err := q.db.Exec(ctx, `
		INSERT INTO correspondences (`+correspondenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.ResourceID, c.Sender, c.Recipient, c.SendersReference, c.VisibleFrom,
		c.DueDate, c.IsConfirmationNeeded, refs, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert correspondence: %w", err)
	}

	for i, attID := range c.AttachmentIDs {
		_, err := q.db.Exec(ctx, `
			INSERT INTO correspondence_attachments (correspondence_id, attachment_id, position)
			VALUES ($1, $2, $3)`, c.ID, attID, i)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return fmt.Errorf("link attachment %s: %w", attID, ErrAttachmentNotFound)
			}
			return fmt.Errorf("failed to link attachment: %w", err)
		}
	}

	for _, n := range c.Notifications {
		_, err := q.db.Exec(ctx, `
			INSERT INTO notifications (id, correspondence_id, order_id, requested_send_time,
				order_request, is_reminder, sent_at, abandoned_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			n.ID, c.ID, n.OrderID, n.RequestedSendTime, nullableJSON(n.OrderRequest),
			n.IsReminder, n.SentAt, n.AbandonedAt, n.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
	}

	for _, s := range c.Statuses {
		if err := q.AppendCorrespondenceStatus(ctx, c.ID, s); err != nil {
			return err
		}
	}
	return nil
}

func (q *pgQueries) LockCorrespondence(ctx context.Context, id uuid.UUID) error {
	var locked uuid.UUID
	err := q.db.QueryRow(ctx, `SELECT id FROM correspondences WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCorrespondenceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock correspondence: %w", err)
	}
	return nil
}

func (q *pgQueries) GetCorrespondence(ctx context.Context, id uuid.UUID) (*models.Correspondence, error) {
	var c models.Correspondence
	err := q.db.QueryRow(ctx, `SELECT `+correspondenceColumns+` FROM correspondences WHERE id = $1`, id).Scan(
		&c.ID, &c.ResourceID, &c.Sender, &c.Recipient, &c.SendersReference, &c.VisibleFrom,
		&c.DueDate, &c.IsConfirmationNeeded, &c.ExternalReferences, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCorrespondenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get correspondence: %w", err)
	}

	if c.Statuses, err = q.correspondenceStatuses(ctx, id); err != nil {
		return nil, err
	}
	if c.AttachmentIDs, err = q.attachmentLinks(ctx, id); err != nil {
		return nil, err
	}
	if c.Notifications, err = q.notificationsFor(ctx, id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (q *pgQueries) correspondenceStatuses(ctx context.Context, id uuid.UUID) ([]models.StatusEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT status, status_text, actor_id, status_at
		FROM correspondence_statuses WHERE correspondence_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query statuses: %w", err)
	}
	defer rows.Close()

	var out []models.StatusEntry
	for rows.Next() {
		var e models.StatusEntry
		if err := rows.Scan(&e.Status, &e.Text, &e.ActorID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *pgQueries) attachmentLinks(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, `
		SELECT attachment_id FROM correspondence_attachments
		WHERE correspondence_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachment links: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

const notificationColumns = `id, correspondence_id, order_id, requested_send_time, order_request,
	is_reminder, sent_at, abandoned_at, created_at`

func scanNotification(row pgx.Row) (*models.Notification, error) {
	var n models.Notification
	var orderRequest []byte
	err := row.Scan(&n.ID, &n.CorrespondenceID, &n.OrderID, &n.RequestedSendTime, &orderRequest,
		&n.IsReminder, &n.SentAt, &n.AbandonedAt, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	n.OrderRequest = orderRequest
	return &n, nil
}

func (q *pgQueries) notificationsFor(ctx context.Context, correspondenceID uuid.UUID) ([]*models.Notification, error) {
	rows, err := q.db.Query(ctx, `SELECT `+notificationColumns+`
		FROM notifications WHERE correspondence_id = $1 ORDER BY id`, correspondenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (q *pgQueries) loadCorrespondences(ctx context.Context, ids []uuid.UUID) ([]*models.Correspondence, error) {
	out := make([]*models.Correspondence, 0, len(ids))
	for _, id := range ids {
		c, err := q.GetCorrespondence(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (q *pgQueries) ListCorrespondencesByAttachment(ctx context.Context, attachmentID uuid.UUID) ([]*models.Correspondence, error) {
	rows, err := q.db.Query(ctx, `
		SELECT correspondence_id FROM correspondence_attachments
		WHERE attachment_id = $1 ORDER BY correspondence_id`, attachmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachment references: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to collect attachment references: %w", err)
	}
	return q.loadCorrespondences(ctx, ids)
}

func (q *pgQueries) ListCorrespondencesInStatus(ctx context.Context, status models.Status, visibleBefore time.Time, afterID uuid.UUID, limit int) ([]*models.Correspondence, error) {
	ctx, cancel := scanTimeout(ctx)
	defer cancel()

	rows, err := q.db.Query(ctx, `
		SELECT c.id FROM correspondences c
		JOIN LATERAL (
			SELECT s.status FROM correspondence_statuses s
			WHERE s.correspondence_id = c.id ORDER BY s.id DESC LIMIT 1
		) cur ON true
		WHERE cur.status = $1 AND c.visible_from < $2 AND c.id > $3
		ORDER BY c.id LIMIT $4`, status, visibleBefore, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query correspondences by status: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to collect correspondences: %w", err)
	}
	return q.loadCorrespondences(ctx, ids)
}

func (q *pgQueries) AppendCorrespondenceStatus(ctx context.Context, id uuid.UUID, e models.StatusEntry) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO correspondence_statuses (correspondence_id, status, status_text, actor_id, status_at)
		VALUES ($1, $2, $3, $4, $5)`, id, e.Status, e.Text, e.ActorID, e.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrCorrespondenceNotFound
		}
		return fmt.Errorf("failed to append correspondence status: %w", err)
	}
	return nil
}

func (q *pgQueries) DeleteCorrespondence(ctx context.Context, id uuid.UUID) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE correspondence_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete idempotency keys: %w", err)
	}
	tag, err := q.db.Exec(ctx, `DELETE FROM correspondences WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete correspondence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCorrespondenceNotFound
	}
	return nil
}

func (q *pgQueries) CreateAttachment(ctx context.Context, a *models.Attachment) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO attachments (id, sender, storage_provider, expiration_time, created_at)
		VALUES ($1, $2, $3, $4, $5)`, a.ID, a.Sender, a.StorageProvider, a.ExpirationTime, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert attachment: %w", err)
	}
	for _, s := range a.Statuses {
		if err := q.AppendAttachmentStatus(ctx, a.ID, s); err != nil {
			return err
		}
	}
	return nil
}

func (q *pgQueries) LockAttachment(ctx context.Context, id uuid.UUID) error {
	var locked uuid.UUID
	err := q.db.QueryRow(ctx, `SELECT id FROM attachments WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAttachmentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock attachment: %w", err)
	}
	return nil
}

func (q *pgQueries) GetAttachment(ctx context.Context, id uuid.UUID) (*models.Attachment, error) {
	var a models.Attachment
	err := q.db.QueryRow(ctx, `
		SELECT id, sender, storage_provider, expiration_time, created_at
		FROM attachments WHERE id = $1`, id).Scan(
		&a.ID, &a.Sender, &a.StorageProvider, &a.ExpirationTime, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}

	rows, err := q.db.Query(ctx, `
		SELECT status, status_text, actor_id, status_at
		FROM attachment_statuses WHERE attachment_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachment statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.AttachmentStatusEntry
		if err := rows.Scan(&e.Status, &e.Text, &e.ActorID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan attachment status: %w", err)
		}
		a.Statuses = append(a.Statuses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (q *pgQueries) AppendAttachmentStatus(ctx context.Context, id uuid.UUID, e models.AttachmentStatusEntry) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO attachment_statuses (attachment_id, status, status_text, actor_id, status_at)
		VALUES ($1, $2, $3, $4, $5)`, id, e.Status, e.Text, e.ActorID, e.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrAttachmentNotFound
		}
		return fmt.Errorf("failed to append attachment status: %w", err)
	}
	return nil
}

func (q *pgQueries) ListExpiredAttachments(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]*models.Attachment, error) {
	ctx, cancel := scanTimeout(ctx)
	defer cancel()

	rows, err := q.db.Query(ctx, `
		SELECT a.id FROM attachments a
		WHERE a.expiration_time <= $1 AND a.id > $2
		  AND NOT EXISTS (
			SELECT 1 FROM attachment_statuses s
			WHERE s.attachment_id = a.id AND s.status = 'Purged')
		ORDER BY a.id LIMIT $3`, now, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired attachments: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to collect expired attachments: %w", err)
	}

	out := make([]*models.Attachment, 0, len(ids))
	for _, id := range ids {
		a, err := q.GetAttachment(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (q *pgQueries) GetNotification(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	n, err := scanNotification(q.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

func (q *pgQueries) SetNotificationOrder(ctx context.Context, id uuid.UUID, orderID string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE notifications SET order_id = $2 WHERE id = $1 AND order_id IS NULL`, id, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to set notification order: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := q.GetNotification(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (q *pgQueries) MarkNotificationSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE notifications SET sent_at = COALESCE(sent_at, $2) WHERE id = $1`, id, sentAt)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (q *pgQueries) MarkNotificationAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE notifications SET abandoned_at = COALESCE(abandoned_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark notification abandoned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (q *pgQueries) ListOrderedNotifications(ctx context.Context, cutoff time.Time, afterID uuid.UUID, limit int) ([]*models.Notification, error) {
	ctx, cancel := scanTimeout(ctx)
	defer cancel()

	rows, err := q.db.Query(ctx, `SELECT `+notificationColumns+`
		FROM notifications
		WHERE order_id IS NOT NULL AND abandoned_at IS NULL
		  AND requested_send_time < $1 AND id > $2
		ORDER BY id LIMIT $3`, cutoff, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ordered notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (q *pgQueries) InsertIdempotencyKey(ctx context.Context, key *models.IdempotencyKey) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO idempotency_keys (id, correspondence_id, attachment_id, action, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		key.ID, key.CorrespondenceID, key.AttachmentID, key.Action, key.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// conflictAsInvalidTransition turns a unique violation into a business error.
func conflictAsInvalidTransition(err error, format string, args ...any) error {
	if isUniqueViolation(err) {
		return apperr.InvalidTransition(format, args...)
	}
	return err
}

// queryTimeout bounds a single statement issued outside a transaction.
func queryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return database.WriteContext(ctx)
}

// scanTimeout bounds the paged scans used by repair and the job listing.
func scanTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return database.BulkContext(ctx)
}
