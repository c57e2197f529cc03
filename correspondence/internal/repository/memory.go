package repository

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for development and tests.
// Transactions are serialized behind one mutex and applied to a private copy
// of the data, so a failed transaction leaves nothing behind. Code running
// inside InTx must use the Queries it is given; calling back into the
// repository itself would deadlock.
type MemoryRepository struct {
	mu sync.Mutex
	st *memState
}

type memState struct {
	correspondences map[uuid.UUID]*models.Correspondence
	attachments     map[uuid.UUID]*models.Attachment
	notifications   map[uuid.UUID]*models.Notification
	idempotency     map[string]*models.IdempotencyKey
	jobs            map[uuid.UUID]*models.Job
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{st: newMemState()}
}

func newMemState() *memState {
	return &memState{
		correspondences: make(map[uuid.UUID]*models.Correspondence),
		attachments:     make(map[uuid.UUID]*models.Attachment),
		notifications:   make(map[uuid.UUID]*models.Notification),
		idempotency:     make(map[string]*models.IdempotencyKey),
		jobs:            make(map[uuid.UUID]*models.Job),
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for id, c := range s.correspondences {
		out.correspondences[id] = copyCorrespondence(c)
	}
	for id, a := range s.attachments {
		out.attachments[id] = copyAttachment(a)
	}
	for id, n := range s.notifications {
		out.notifications[id] = copyNotification(n)
	}
	for k, v := range s.idempotency {
		key := *v
		out.idempotency[k] = &key
	}
	for id, j := range s.jobs {
		out.jobs[id] = copyJob(j)
	}
	return out
}

// InTx runs fn against a snapshot and publishes the snapshot on success.
func (m *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(ctx, &memQueries{st: snapshot}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	m.st = snapshot
	return nil
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) Close() {}

func (m *MemoryRepository) direct() *memQueries {
	return &memQueries{st: m.st}
}

func (m *MemoryRepository) CreateCorrespondence(ctx context.Context, c *models.Correspondence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().CreateCorrespondence(ctx, c)
}

func (m *MemoryRepository) LockCorrespondence(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().LockCorrespondence(ctx, id)
}

func (m *MemoryRepository) GetCorrespondence(ctx context.Context, id uuid.UUID) (*models.Correspondence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().GetCorrespondence(ctx, id)
}

func (m *MemoryRepository) ListCorrespondencesByAttachment(ctx context.Context, attachmentID uuid.UUID) ([]*models.Correspondence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().ListCorrespondencesByAttachment(ctx, attachmentID)
}

func (m *MemoryRepository) ListCorrespondencesInStatus(ctx context.Context, status models.Status, visibleBefore time.Time, afterID uuid.UUID, limit int) ([]*models.Correspondence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().ListCorrespondencesInStatus(ctx, status, visibleBefore, afterID, limit)
}

func (m *MemoryRepository) AppendCorrespondenceStatus(ctx context.Context, id uuid.UUID, entry models.StatusEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().AppendCorrespondenceStatus(ctx, id, entry)
}

func (m *MemoryRepository) DeleteCorrespondence(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().DeleteCorrespondence(ctx, id)
}

func (m *MemoryRepository) CreateAttachment(ctx context.Context, a *models.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().CreateAttachment(ctx, a)
}

func (m *MemoryRepository) LockAttachment(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().LockAttachment(ctx, id)
}

func (m *MemoryRepository) GetAttachment(ctx context.Context, id uuid.UUID) (*models.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().GetAttachment(ctx, id)
}

func (m *MemoryRepository) AppendAttachmentStatus(ctx context.Context, id uuid.UUID, entry models.AttachmentStatusEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().AppendAttachmentStatus(ctx, id, entry)
}

func (m *MemoryRepository) ListExpiredAttachments(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]*models.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().ListExpiredAttachments(ctx, now, afterID, limit)
}

func (m *MemoryRepository) GetNotification(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().GetNotification(ctx, id)
}

func (m *MemoryRepository) SetNotificationOrder(ctx context.Context, id uuid.UUID, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().SetNotificationOrder(ctx, id, orderID)
}

func (m *MemoryRepository) MarkNotificationSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().MarkNotificationSent(ctx, id, sentAt)
}

func (m *MemoryRepository) MarkNotificationAbandoned(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().MarkNotificationAbandoned(ctx, id, at)
}

func (m *MemoryRepository) ListOrderedNotifications(ctx context.Context, cutoff time.Time, afterID uuid.UUID, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().ListOrderedNotifications(ctx, cutoff, afterID, limit)
}

func (m *MemoryRepository) InsertIdempotencyKey(ctx context.Context, key *models.IdempotencyKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().InsertIdempotencyKey(ctx, key)
}

func (m *MemoryRepository) InsertJob(ctx context.Context, job *models.Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().InsertJob(ctx, job)
}

func (m *MemoryRepository) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().GetJob(ctx, id)
}

func (m *MemoryRepository) LockJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return m.GetJob(ctx, id)
}

func (m *MemoryRepository) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct().ListJobs(ctx, filter)
}

// ClaimJobs leases due jobs.
func (m *MemoryRepository) ClaimJobs(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.Job
	for _, j := range m.st.jobs {
		switch {
		case j.Status == models.JobEnqueued && !j.RunAt.After(now):
			due = append(due, j)
		case j.Status == models.JobRunning && j.LockedUntil != nil && j.LockedUntil.Before(now):
			due = append(due, j)
		}
	}
	slices.SortFunc(due, func(a, b *models.Job) int {
		if c := a.RunAt.Compare(b.RunAt); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*models.Job, 0, len(due))
	until := now.Add(lease)
	for _, j := range due {
		j.Status = models.JobRunning
		j.Attempts++
		j.LockedUntil = &until
		j.UpdatedAt = now
		claimed = append(claimed, copyJob(j))
	}
	return claimed, nil
}

// CompleteJob marks a job succeeded and releases its awaiting children.
func (m *MemoryRepository) CompleteJob(_ context.Context, id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.st.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = models.JobSucceeded
	j.LockedUntil = nil
	j.UpdatedAt = now
	j.FinishedAt = &now

	for _, child := range m.st.jobs {
		if child.ParentID != nil && *child.ParentID == id && child.Status == models.JobAwaiting {
			child.Status = models.JobEnqueued
			child.RunAt = now
			child.UpdatedAt = now
		}
	}
	return nil
}

func (m *MemoryRepository) RetryJob(_ context.Context, id uuid.UUID, runAt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.st.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	now := time.Now()
	j.RunAt = runAt
	j.LockedUntil = nil
	j.LastError = lastErr
	j.UpdatedAt = now
	if j.DedupeKey != nil && m.direct().dedupeTaken(*j.DedupeKey) {
		j.Status = models.JobSucceeded
		j.FinishedAt = &now
		return nil
	}
	j.Status = models.JobEnqueued
	return nil
}

func (m *MemoryRepository) FailJob(_ context.Context, id uuid.UUID, lastErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.st.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = models.JobFailed
	j.LockedUntil = nil
	j.LastError = lastErr
	j.UpdatedAt = now
	j.FinishedAt = &now
	return nil
}

func (m *MemoryRepository) RequeueJob(_ context.Context, id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.st.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != models.JobFailed {
		return apperr.InvalidTransition("job %s is %s, only failed jobs can be replayed", id, j.Status)
	}
	if j.DedupeKey != nil && m.direct().dedupeTaken(*j.DedupeKey) {
		return apperr.InvalidTransition("job %s: dedupe key %q is held by a queued job", id, *j.DedupeKey)
	}
	j.Status = models.JobEnqueued
	j.Attempts = 0
	j.RunAt = now
	j.FinishedAt = nil
	j.UpdatedAt = now
	return nil
}

// memQueries implements Queries over one memState. Callers hold the lock.
type memQueries struct {
	st *memState
}

func (q *memQueries) CreateCorrespondence(_ context.Context, c *models.Correspondence) error {
	if _, exists := q.st.correspondences[c.ID]; exists {
		return apperr.Fatal("correspondence %s already exists", c.ID)
	}
	for _, attID := range c.AttachmentIDs {
		if _, ok := q.st.attachments[attID]; !ok {
			return fmt.Errorf("link attachment %s: %w", attID, ErrAttachmentNotFound)
		}
	}

	stored := copyCorrespondence(c)
	for _, n := range stored.Notifications {
		n.CorrespondenceID = c.ID
		q.st.notifications[n.ID] = copyNotification(n)
	}
	stored.Notifications = nil
	q.st.correspondences[c.ID] = stored
	return nil
}

// LockCorrespondence only checks existence: InTx already runs one
// transaction at a time.
func (q *memQueries) LockCorrespondence(_ context.Context, id uuid.UUID) error {
	if _, ok := q.st.correspondences[id]; !ok {
		return ErrCorrespondenceNotFound
	}
	return nil
}

func (q *memQueries) GetCorrespondence(_ context.Context, id uuid.UUID) (*models.Correspondence, error) {
	c, ok := q.st.correspondences[id]
	if !ok {
		return nil, ErrCorrespondenceNotFound
	}
	return q.load(c), nil
}

func (q *memQueries) load(c *models.Correspondence) *models.Correspondence {
	out := copyCorrespondence(c)
	for _, n := range q.st.notifications {
		if n.CorrespondenceID == c.ID {
			out.Notifications = append(out.Notifications, copyNotification(n))
		}
	}
	slices.SortFunc(out.Notifications, func(a, b *models.Notification) int {
		return compareIDs(a.ID, b.ID)
	})
	return out
}

func (q *memQueries) ListCorrespondencesByAttachment(_ context.Context, attachmentID uuid.UUID) ([]*models.Correspondence, error) {
	var out []*models.Correspondence
	for _, c := range q.st.correspondences {
		if slices.Contains(c.AttachmentIDs, attachmentID) {
			out = append(out, q.load(c))
		}
	}
	sortCorrespondences(out)
	return out, nil
}

func (q *memQueries) ListCorrespondencesInStatus(_ context.Context, status models.Status, visibleBefore time.Time, afterID uuid.UUID, limit int) ([]*models.Correspondence, error) {
	var out []*models.Correspondence
	for _, c := range q.st.correspondences {
		if len(c.Statuses) == 0 || c.Statuses[len(c.Statuses)-1].Status != status {
			continue
		}
		if !c.VisibleFrom.Before(visibleBefore) || compareIDs(c.ID, afterID) <= 0 {
			continue
		}
		out = append(out, q.load(c))
	}
	sortCorrespondences(out)
	return truncate(out, limit), nil
}

func (q *memQueries) AppendCorrespondenceStatus(_ context.Context, id uuid.UUID, entry models.StatusEntry) error {
	c, ok := q.st.correspondences[id]
	if !ok {
		return ErrCorrespondenceNotFound
	}
	c.Statuses = append(c.Statuses, entry)
	return nil
}

func (q *memQueries) DeleteCorrespondence(_ context.Context, id uuid.UUID) error {
	if _, ok := q.st.correspondences[id]; !ok {
		return ErrCorrespondenceNotFound
	}
	delete(q.st.correspondences, id)
	for nid, n := range q.st.notifications {
		if n.CorrespondenceID == id {
			delete(q.st.notifications, nid)
		}
	}
	for k, key := range q.st.idempotency {
		if key.CorrespondenceID == id {
			delete(q.st.idempotency, k)
		}
	}
	return nil
}

func (q *memQueries) CreateAttachment(_ context.Context, a *models.Attachment) error {
	if _, exists := q.st.attachments[a.ID]; exists {
		return apperr.Fatal("attachment %s already exists", a.ID)
	}
	q.st.attachments[a.ID] = copyAttachment(a)
	return nil
}

func (q *memQueries) LockAttachment(_ context.Context, id uuid.UUID) error {
	if _, ok := q.st.attachments[id]; !ok {
		return ErrAttachmentNotFound
	}
	return nil
}

func (q *memQueries) GetAttachment(_ context.Context, id uuid.UUID) (*models.Attachment, error) {
	a, ok := q.st.attachments[id]
	if !ok {
		return nil, ErrAttachmentNotFound
	}
	return copyAttachment(a), nil
}

func (q *memQueries) AppendAttachmentStatus(_ context.Context, id uuid.UUID, entry models.AttachmentStatusEntry) error {
	a, ok := q.st.attachments[id]
	if !ok {
		return ErrAttachmentNotFound
	}
	a.Statuses = append(a.Statuses, entry)
	return nil
}

func (q *memQueries) ListExpiredAttachments(_ context.Context, now time.Time, afterID uuid.UUID, limit int) ([]*models.Attachment, error) {
	var out []*models.Attachment
	for _, a := range q.st.attachments {
		if a.ExpirationTime == nil || a.ExpirationTime.After(now) || compareIDs(a.ID, afterID) <= 0 {
			continue
		}
		if len(a.Statuses) > 0 && a.Statuses[len(a.Statuses)-1].Status == models.AttachmentPurged {
			continue
		}
		out = append(out, copyAttachment(a))
	}
	slices.SortFunc(out, func(a, b *models.Attachment) int { return compareIDs(a.ID, b.ID) })
	return truncate(out, limit), nil
}

func (q *memQueries) GetNotification(_ context.Context, id uuid.UUID) (*models.Notification, error) {
	n, ok := q.st.notifications[id]
	if !ok {
		return nil, ErrNotificationNotFound
	}
	return copyNotification(n), nil
}

func (q *memQueries) SetNotificationOrder(_ context.Context, id uuid.UUID, orderID string) (bool, error) {
	n, ok := q.st.notifications[id]
	if !ok {
		return false, ErrNotificationNotFound
	}
	if n.OrderID != nil {
		return false, nil
	}
	n.OrderID = &orderID
	return true, nil
}

func (q *memQueries) MarkNotificationSent(_ context.Context, id uuid.UUID, sentAt time.Time) error {
	n, ok := q.st.notifications[id]
	if !ok {
		return ErrNotificationNotFound
	}
	if n.SentAt == nil {
		n.SentAt = &sentAt
	}
	return nil
}

func (q *memQueries) MarkNotificationAbandoned(_ context.Context, id uuid.UUID, at time.Time) error {
	n, ok := q.st.notifications[id]
	if !ok {
		return ErrNotificationNotFound
	}
	if n.AbandonedAt == nil {
		n.AbandonedAt = &at
	}
	return nil
}

func (q *memQueries) ListOrderedNotifications(_ context.Context, cutoff time.Time, afterID uuid.UUID, limit int) ([]*models.Notification, error) {
	var out []*models.Notification
	for _, n := range q.st.notifications {
		if n.OrderID == nil || n.AbandonedAt != nil || !n.RequestedSendTime.Before(cutoff) || compareIDs(n.ID, afterID) <= 0 {
			continue
		}
		out = append(out, copyNotification(n))
	}
	slices.SortFunc(out, func(a, b *models.Notification) int { return compareIDs(a.ID, b.ID) })
	return truncate(out, limit), nil
}

func (q *memQueries) InsertIdempotencyKey(_ context.Context, key *models.IdempotencyKey) (bool, error) {
	k := idempotencyKey(key)
	if _, exists := q.st.idempotency[k]; exists {
		return false, nil
	}
	stored := *key
	q.st.idempotency[k] = &stored
	return true, nil
}

func (q *memQueries) InsertJob(_ context.Context, job *models.Job) (bool, error) {
	if job.DedupeKey != nil && q.dedupeTaken(*job.DedupeKey) {
		return false, nil
	}
	q.st.jobs[job.ID] = copyJob(job)
	return true, nil
}

func (q *memQueries) dedupeTaken(key string) bool {
	for _, j := range q.st.jobs {
		if j.DedupeKey == nil || *j.DedupeKey != key {
			continue
		}
		if j.Status == models.JobAwaiting || j.Status == models.JobEnqueued {
			return true
		}
	}
	return false
}

func (q *memQueries) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	j, ok := q.st.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(j), nil
}

func (q *memQueries) LockJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return q.GetJob(ctx, id)
}

func (q *memQueries) ListJobs(_ context.Context, filter models.JobFilter) ([]*models.Job, error) {
	var out []*models.Job
	for _, j := range q.st.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		out = append(out, copyJob(j))
	}
	slices.SortFunc(out, func(a, b *models.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	return truncate(out, limit), nil
}

func idempotencyKey(k *models.IdempotencyKey) string {
	att := "-"
	if k.AttachmentID != nil {
		att = k.AttachmentID.String()
	}
	return k.CorrespondenceID.String() + "|" + att + "|" + string(k.Action)
}

// compareIDs orders UUIDs bytewise, matching Postgres uuid ordering.
func compareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

func sortCorrespondences(cs []*models.Correspondence) {
	slices.SortFunc(cs, func(a, b *models.Correspondence) int { return compareIDs(a.ID, b.ID) })
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func copyCorrespondence(c *models.Correspondence) *models.Correspondence {
	out := *c
	out.AttachmentIDs = slices.Clone(c.AttachmentIDs)
	out.ExternalReferences = slices.Clone(c.ExternalReferences)
	out.Statuses = slices.Clone(c.Statuses)
	out.Notifications = make([]*models.Notification, 0, len(c.Notifications))
	for _, n := range c.Notifications {
		out.Notifications = append(out.Notifications, copyNotification(n))
	}
	return &out
}

func copyAttachment(a *models.Attachment) *models.Attachment {
	out := *a
	out.Statuses = slices.Clone(a.Statuses)
	return &out
}

func copyNotification(n *models.Notification) *models.Notification {
	out := *n
	out.OrderRequest = slices.Clone(n.OrderRequest)
	return &out
}

func copyJob(j *models.Job) *models.Job {
	out := *j
	out.Payload = slices.Clone(j.Payload)
	return &out
}
