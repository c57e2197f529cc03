package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// testRepositoryContract exercises behavior every Repository must share.
func testRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("correspondence round trip", func(t *testing.T) {
		testCorrespondenceRoundTrip(t, newRepo(t))
	})
	t.Run("failed transaction leaves nothing", func(t *testing.T) {
		testRollback(t, newRepo(t))
	})
	t.Run("idempotency keys", func(t *testing.T) {
		testIdempotencyKeys(t, newRepo(t))
	})
	t.Run("job dedupe", func(t *testing.T) {
		testJobDedupe(t, newRepo(t))
	})
	t.Run("claim and chain", func(t *testing.T) {
		testClaimAndChain(t, newRepo(t))
	})
	t.Run("expired lease is reclaimed", func(t *testing.T) {
		testLeaseExpiry(t, newRepo(t))
	})
	t.Run("requeue", func(t *testing.T) {
		testRequeue(t, newRepo(t))
	})
	t.Run("notification paging", func(t *testing.T) {
		testNotificationPaging(t, newRepo(t))
	})
	t.Run("status and expiry scans", func(t *testing.T) {
		testScans(t, newRepo(t))
	})
	t.Run("hard delete", func(t *testing.T) {
		testDelete(t, newRepo(t))
	})
	t.Run("locked appends are serialized", func(t *testing.T) {
		testLockedAppends(t, newRepo(t))
	})
	t.Run("retried job is superseded by a queued duplicate", func(t *testing.T) {
		testRetrySupersede(t, newRepo(t))
	})
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAttachment(status models.AttachmentStatus) *models.Attachment {
	return &models.Attachment{
		ID:              uuid.Must(uuid.NewV7()),
		Sender:          "0192:991825827",
		StorageProvider: "s3",
		Statuses:        []models.AttachmentStatusEntry{{Status: status, Timestamp: baseTime}},
		CreatedAt:       baseTime,
	}
}

func newCorrespondence(attachmentIDs ...uuid.UUID) *models.Correspondence {
	return &models.Correspondence{
		ID:                 uuid.Must(uuid.NewV7()),
		ResourceID:         "skd-reminder",
		Sender:             "0192:991825827",
		Recipient:          "0192:986252932",
		VisibleFrom:        baseTime,
		AttachmentIDs:      attachmentIDs,
		ExternalReferences: []models.ExternalReference{{Type: models.ReferenceDialog, Value: "dlg-1"}},
		Statuses:           []models.StatusEntry{{Status: models.StatusInitialized, Timestamp: baseTime}},
		CreatedAt:          baseTime,
	}
}

func newJob(jobType string) *models.Job {
	return &models.Job{
		ID:          uuid.Must(uuid.NewV7()),
		Type:        jobType,
		Payload:     json.RawMessage(`{}`),
		Status:      models.JobEnqueued,
		MaxAttempts: 3,
		RunAt:       baseTime,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
}

func testCorrespondenceRoundTrip(t *testing.T, repo Repository) {
	ctx := context.Background()
	att := newAttachment(models.AttachmentPublished)
	require.NoError(t, repo.CreateAttachment(ctx, att))

	c := newCorrespondence(att.ID)
	c.Notifications = []*models.Notification{{
		ID:                uuid.Must(uuid.NewV7()),
		RequestedSendTime: baseTime,
		OrderRequest:      json.RawMessage(`{"template":"generic"}`),
		CreatedAt:         baseTime,
	}}
	require.NoError(t, repo.CreateCorrespondence(ctx, c))

	actor := "recipient-1"
	require.NoError(t, repo.AppendCorrespondenceStatus(ctx, c.ID, models.StatusEntry{
		Status: models.StatusReadyForPublish, Timestamp: baseTime.Add(time.Minute), ActorID: &actor,
	}))

	got, err := repo.GetCorrespondence(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{att.ID}, got.AttachmentIDs)
	require.Len(t, got.Statuses, 2)
	assert.Equal(t, models.StatusReadyForPublish, got.Statuses[1].Status)
	require.NotNil(t, got.Statuses[1].ActorID)
	assert.Equal(t, actor, *got.Statuses[1].ActorID)
	require.Len(t, got.Notifications, 1)
	assert.Equal(t, c.ID, got.Notifications[0].CorrespondenceID)
	assert.JSONEq(t, `{"template":"generic"}`, string(got.Notifications[0].OrderRequest))
	ref, ok := got.Reference(models.ReferenceDialog)
	assert.True(t, ok)
	assert.Equal(t, "dlg-1", ref)

	refs, err := repo.ListCorrespondencesByAttachment(ctx, att.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, c.ID, refs[0].ID)

	_, err = repo.GetCorrespondence(ctx, uuid.Must(uuid.NewV7()))
	assert.ErrorIs(t, err, ErrCorrespondenceNotFound)
	assert.True(t, apperr.IsNotFound(err))
}

func testRollback(t *testing.T, repo Repository) {
	ctx := context.Background()
	att := newAttachment(models.AttachmentInitialized)
	require.NoError(t, repo.CreateAttachment(ctx, att))

	boom := errors.New("injected failure")
	job := newJob("attachment.purge_blob")
	err := repo.InTx(ctx, func(ctx context.Context, q Queries) error {
		if err := q.AppendAttachmentStatus(ctx, att.ID, models.AttachmentStatusEntry{
			Status: models.AttachmentPurged, Timestamp: baseTime.Add(time.Hour),
		}); err != nil {
			return err
		}
		if _, err := q.InsertJob(ctx, job); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := repo.GetAttachment(ctx, att.ID)
	require.NoError(t, err)
	assert.Len(t, got.Statuses, 1)
	_, err = repo.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func testIdempotencyKeys(t *testing.T, repo Repository) {
	ctx := context.Background()
	corrID := uuid.Must(uuid.NewV7())
	attID := uuid.Must(uuid.NewV7())

	claim := func(att *uuid.UUID, action models.IdempotencyAction) bool {
		ok, err := repo.InsertIdempotencyKey(ctx, &models.IdempotencyKey{
			ID: uuid.Must(uuid.NewV7()), CorrespondenceID: corrID, AttachmentID: att,
			Action: action, CreatedAt: baseTime,
		})
		require.NoError(t, err)
		return ok
	}

	assert.True(t, claim(nil, models.ActionPublish))
	assert.False(t, claim(nil, models.ActionPublish), "null attachment must still collide")
	assert.True(t, claim(&attID, models.ActionPublish))
	assert.False(t, claim(&attID, models.ActionPublish))
	assert.True(t, claim(nil, models.ActionConfirm))
}

func testJobDedupe(t *testing.T, repo Repository) {
	ctx := context.Background()
	key := "notification.check_delivery:abc"
	insert := func() (*models.Job, bool) {
		j := newJob("notification.check_delivery")
		j.DedupeKey = &key
		ok, err := repo.InsertJob(ctx, j)
		require.NoError(t, err)
		return j, ok
	}

	first, ok := insert()
	assert.True(t, ok)
	_, ok = insert()
	assert.False(t, ok, "a queued job holds its dedupe key")

	claimed, err := repo.ClaimJobs(ctx, baseTime, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, ok = insert()
	assert.True(t, ok, "a running job does not hold its dedupe key")
	_, ok = insert()
	assert.False(t, ok)

	require.NoError(t, repo.CompleteJob(ctx, first.ID, baseTime))
	_, ok = insert()
	assert.False(t, ok, "the job queued while the first ran still holds the key")
}

func testClaimAndChain(t *testing.T, repo Repository) {
	ctx := context.Background()

	parent := newJob("activity.delete")
	later := newJob("event.publish")
	later.RunAt = baseTime.Add(time.Hour)
	child := newJob("correspondence.hard_delete")
	child.Status = models.JobAwaiting
	child.ParentID = &parent.ID

	require.NoError(t, repo.InTx(ctx, func(ctx context.Context, q Queries) error {
		for _, j := range []*models.Job{parent, later, child} {
			if _, err := q.InsertJob(ctx, j); err != nil {
				return err
			}
		}
		return nil
	}))

	claimed, err := repo.ClaimJobs(ctx, baseTime, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "future and awaiting jobs are not claimable")
	assert.Equal(t, parent.ID, claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, models.JobRunning, claimed[0].Status)

	again, err := repo.ClaimJobs(ctx, baseTime, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased jobs are not claimed twice")

	require.NoError(t, repo.CompleteJob(ctx, parent.ID, baseTime.Add(time.Second)))

	released, err := repo.GetJob(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobEnqueued, released.Status)

	claimed, err = repo.ClaimJobs(ctx, baseTime.Add(2*time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, child.ID, claimed[0].ID)
}

func testLeaseExpiry(t *testing.T, repo Repository) {
	ctx := context.Background()
	job := newJob("legacy.sync")
	_, err := repo.InsertJob(ctx, job)
	require.NoError(t, err)

	_, err = repo.ClaimJobs(ctx, baseTime, time.Minute, 1)
	require.NoError(t, err)

	reclaimed, err := repo.ClaimJobs(ctx, baseTime.Add(2*time.Minute), time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].Attempts)
}

func testRequeue(t *testing.T, repo Repository) {
	ctx := context.Background()
	job := newJob("notification.cancel")
	_, err := repo.InsertJob(ctx, job)
	require.NoError(t, err)

	err = repo.RequeueJob(ctx, job.ID, baseTime)
	assert.True(t, apperr.IsInvalidTransition(err), "only failed jobs can be replayed")

	_, err = repo.ClaimJobs(ctx, baseTime, time.Minute, 1)
	require.NoError(t, err)
	require.NoError(t, repo.FailJob(ctx, job.ID, "boom", baseTime))

	failed, err := repo.ListJobs(ctx, models.JobFilter{Status: models.JobFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].LastError)

	require.NoError(t, repo.RequeueJob(ctx, job.ID, baseTime.Add(time.Minute)))
	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobEnqueued, got.Status)
	assert.Equal(t, 0, got.Attempts)

	assert.ErrorIs(t, repo.RequeueJob(ctx, uuid.Must(uuid.NewV7()), baseTime), ErrJobNotFound)
}

func testNotificationPaging(t *testing.T, repo Repository) {
	ctx := context.Background()
	c := newCorrespondence()
	for i := 0; i < 5; i++ {
		n := &models.Notification{
			ID:                uuid.Must(uuid.NewV7()),
			RequestedSendTime: baseTime.Add(-time.Hour),
			CreatedAt:         baseTime,
		}
		if i != 2 {
			order := "order-" + n.ID.String()
			n.OrderID = &order
		}
		c.Notifications = append(c.Notifications, n)
	}
	require.NoError(t, repo.CreateCorrespondence(ctx, c))

	var seen []uuid.UUID
	cursor := uuid.Nil
	for {
		page, err := repo.ListOrderedNotifications(ctx, baseTime, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, n := range page {
			seen = append(seen, n.ID)
			cursor = n.ID
		}
	}
	assert.Len(t, seen, 4, "notifications without an order are skipped")

	require.NoError(t, repo.MarkNotificationAbandoned(ctx, seen[0], baseTime))
	require.NoError(t, repo.MarkNotificationAbandoned(ctx, seen[0], baseTime.Add(time.Hour)))
	page, err := repo.ListOrderedNotifications(ctx, baseTime, uuid.Nil, 10)
	require.NoError(t, err)
	assert.Len(t, page, 3, "abandoned notifications are skipped")
	abandoned, err := repo.GetNotification(ctx, seen[0])
	require.NoError(t, err)
	require.NotNil(t, abandoned.AbandonedAt)
	assert.True(t, abandoned.AbandonedAt.Equal(baseTime), "abandoned time is set once")
	assert.ErrorIs(t, repo.MarkNotificationAbandoned(ctx, uuid.Must(uuid.NewV7()), baseTime), ErrNotificationNotFound)
	for i := 1; i < len(seen); i++ {
		assert.Equal(t, -1, compareIDs(seen[i-1], seen[i]), "cursor must be strictly increasing")
	}

	n := c.Notifications[2]
	updated, err := repo.SetNotificationOrder(ctx, n.ID, "order-late")
	require.NoError(t, err)
	assert.True(t, updated)
	updated, err = repo.SetNotificationOrder(ctx, n.ID, "order-other")
	require.NoError(t, err)
	assert.False(t, updated)

	require.NoError(t, repo.MarkNotificationSent(ctx, n.ID, baseTime))
	require.NoError(t, repo.MarkNotificationSent(ctx, n.ID, baseTime.Add(time.Hour)))
	got, err := repo.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(baseTime), "sent time is set once")
}

func testScans(t *testing.T, repo Repository) {
	ctx := context.Background()

	ready := newCorrespondence()
	ready.Statuses = append(ready.Statuses, models.StatusEntry{Status: models.StatusReadyForPublish, Timestamp: baseTime})
	initialized := newCorrespondence()
	require.NoError(t, repo.CreateCorrespondence(ctx, ready))
	require.NoError(t, repo.CreateCorrespondence(ctx, initialized))

	stuck, err := repo.ListCorrespondencesInStatus(ctx, models.StatusReadyForPublish, baseTime.Add(time.Minute), uuid.Nil, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, ready.ID, stuck[0].ID)

	expiry := baseTime.Add(-time.Minute)
	expired := newAttachment(models.AttachmentPublished)
	expired.ExpirationTime = &expiry
	purged := newAttachment(models.AttachmentPurged)
	purged.ExpirationTime = &expiry
	fresh := newAttachment(models.AttachmentPublished)
	for _, a := range []*models.Attachment{expired, purged, fresh} {
		require.NoError(t, repo.CreateAttachment(ctx, a))
	}

	due, err := repo.ListExpiredAttachments(ctx, baseTime, uuid.Nil, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, expired.ID, due[0].ID)
}

func testDelete(t *testing.T, repo Repository) {
	ctx := context.Background()
	c := newCorrespondence()
	c.Notifications = []*models.Notification{{ID: uuid.Must(uuid.NewV7()), RequestedSendTime: baseTime, CreatedAt: baseTime}}
	require.NoError(t, repo.CreateCorrespondence(ctx, c))
	_, err := repo.InsertIdempotencyKey(ctx, &models.IdempotencyKey{
		ID: uuid.Must(uuid.NewV7()), CorrespondenceID: c.ID, Action: models.ActionPublish, CreatedAt: baseTime,
	})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteCorrespondence(ctx, c.ID))
	_, err = repo.GetCorrespondence(ctx, c.ID)
	assert.ErrorIs(t, err, ErrCorrespondenceNotFound)
	_, err = repo.GetNotification(ctx, c.Notifications[0].ID)
	assert.ErrorIs(t, err, ErrNotificationNotFound)

	ok, err := repo.InsertIdempotencyKey(ctx, &models.IdempotencyKey{
		ID: uuid.Must(uuid.NewV7()), CorrespondenceID: c.ID, Action: models.ActionPublish, CreatedAt: baseTime,
	})
	require.NoError(t, err)
	assert.True(t, ok, "keys are removed with the correspondence")

	assert.ErrorIs(t, repo.DeleteCorrespondence(ctx, c.ID), ErrCorrespondenceNotFound)
}

// testLockedAppends runs the check-then-append pattern of the lifecycle
// handlers from many goroutines. Only one may see Initialized.
func testLockedAppends(t *testing.T, repo Repository) {
	ctx := context.Background()
	c := newCorrespondence()
	require.NoError(t, repo.CreateCorrespondence(ctx, c))

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			return repo.InTx(ctx, func(ctx context.Context, q Queries) error {
				if err := q.LockCorrespondence(ctx, c.ID); err != nil {
					return err
				}
				cur, err := q.GetCorrespondence(ctx, c.ID)
				if err != nil {
					return err
				}
				if cur.Statuses[len(cur.Statuses)-1].Status != models.StatusInitialized {
					return nil
				}
				return q.AppendCorrespondenceStatus(ctx, c.ID, models.StatusEntry{
					Status:    models.StatusReadyForPublish,
					Timestamp: baseTime.Add(time.Second),
				})
			})
		})
	}
	require.NoError(t, g.Wait())

	got, err := repo.GetCorrespondence(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Statuses, 2)
	assert.Equal(t, models.StatusReadyForPublish, got.Statuses[1].Status)

	assert.ErrorIs(t, repo.InTx(ctx, func(ctx context.Context, q Queries) error {
		return q.LockCorrespondence(ctx, uuid.Must(uuid.NewV7()))
	}), ErrCorrespondenceNotFound)
	assert.ErrorIs(t, repo.InTx(ctx, func(ctx context.Context, q Queries) error {
		return q.LockAttachment(ctx, uuid.Must(uuid.NewV7()))
	}), ErrAttachmentNotFound)
}

func testRetrySupersede(t *testing.T, repo Repository) {
	ctx := context.Background()
	key := "attachment.purge:shared"

	running := newJob("attachment.purge")
	running.DedupeKey = &key
	_, err := repo.InsertJob(ctx, running)
	require.NoError(t, err)
	_, err = repo.ClaimJobs(ctx, baseTime, time.Minute, 10)
	require.NoError(t, err)

	queued := newJob("attachment.purge")
	queued.DedupeKey = &key
	queued.RunAt = baseTime.Add(time.Minute)
	ok, err := repo.InsertJob(ctx, queued)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.RetryJob(ctx, running.ID, baseTime.Add(time.Minute), "still in use"))
	got, err := repo.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, got.Status)
	assert.Equal(t, "still in use", got.LastError)

	claimed, err := repo.ClaimJobs(ctx, baseTime.Add(time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, queued.ID, claimed[0].ID)

	require.NoError(t, repo.RetryJob(ctx, queued.ID, baseTime.Add(2*time.Minute), "retry"))
	got, err = repo.GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobEnqueued, got.Status, "without a duplicate the job is queued again")
}
