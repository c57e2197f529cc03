package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/courier-systems/courier-stack/correspondence/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repo          repository.Repository
	clock         *testClock
	sched         *jobs.Scheduler
	pool          *jobs.Pool
	svc           *Service
	notifications *external.MemoryNotifications
	activities    *external.MemoryActivities
	events        *external.MemoryEvents
	legacy        *external.MemoryLegacy
	blobs         *external.MemoryBlobs
	alerts        *external.LogAlerter
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithRepo(t, repository.NewMemoryRepository())
}

func newFixtureWithRepo(t *testing.T, repo repository.Repository) *fixture {
	t.Helper()
	logger := logging.Nop()
	clock := &testClock{now: baseTime}
	sched := jobs.NewScheduler(repo, nil, clock.Now, logger)

	f := &fixture{
		repo:          repo,
		clock:         clock,
		sched:         sched,
		notifications: external.NewMemoryNotifications(false, clock.Now),
		activities:    external.NewMemoryActivities(false),
		events:        external.NewMemoryEvents(),
		legacy:        external.NewMemoryLegacy(),
		blobs:         external.NewMemoryBlobs(),
		alerts:        external.NewLogAlerter(logger),
	}
	f.svc = NewService(Dependencies{
		Repo:          repo,
		Scheduler:     sched,
		Notifications: f.notifications,
		Activities:    f.activities,
		Events:        f.events,
		Legacy:        f.legacy,
		Blobs:         f.blobs,
		Logger:        logger,
		VerifyTimeout: time.Second,
	})
	f.pool = jobs.NewPool(repo, jobs.PoolConfig{Workers: 1, BatchSize: 50}, f.alerts, logger, clock.Now)
	f.svc.RegisterJobs(f.pool)
	return f
}

const (
	sender    = "0192:991825827"
	recipient = "0192:986252932"
	dialogID  = "dlg-0193"
	legacyID  = "legacy-4711"
)

func (f *fixture) attachment(t *testing.T, publish bool) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.InitializeAttachment(ctx, InitializeAttachmentRequest{Sender: sender, StorageProvider: "s3"})
	require.NoError(t, err)
	if publish {
		_, err = f.svc.PublishAttachment(ctx, res.ID)
		require.NoError(t, err)
	}
	return res.ID
}

func (f *fixture) request(attachmentIDs ...uuid.UUID) InitializeRequest {
	return InitializeRequest{
		ResourceID:    "skd-reminder",
		Sender:        sender,
		Recipient:     recipient,
		VisibleFrom:   baseTime.Add(-time.Hour),
		AttachmentIDs: attachmentIDs,
		ExternalReferences: []models.ExternalReference{
			{Type: models.ReferenceDialog, Value: dialogID},
			{Type: models.ReferenceLegacy, Value: legacyID},
		},
	}
}

func (f *fixture) initialize(t *testing.T, req InitializeRequest) uuid.UUID {
	t.Helper()
	res, err := f.svc.InitializeCorrespondence(context.Background(), req)
	require.NoError(t, err)
	return res.ID
}

// published returns a correspondence in Published with one published attachment.
func (f *fixture) published(t *testing.T) (uuid.UUID, uuid.UUID) {
	t.Helper()
	attID := f.attachment(t, true)
	id := f.initialize(t, f.request(attID))
	res, err := f.svc.Publish(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, Applied, res.Outcome)
	return id, attID
}

func (f *fixture) setStatus(t *testing.T, id uuid.UUID, status models.Status) {
	t.Helper()
	_, err := f.svc.UpdateStatus(context.Background(), UpdateStatusRequest{CorrespondenceID: id, Status: status})
	require.NoError(t, err)
}

func (f *fixture) statuses(t *testing.T, id uuid.UUID) []models.Status {
	t.Helper()
	c, err := f.repo.GetCorrespondence(context.Background(), id)
	require.NoError(t, err)
	out := make([]models.Status, 0, len(c.Statuses))
	for _, s := range c.Statuses {
		out = append(out, s.Status)
	}
	return out
}

func (f *fixture) attachmentStatuses(t *testing.T, id uuid.UUID) []models.AttachmentStatus {
	t.Helper()
	a, err := f.repo.GetAttachment(context.Background(), id)
	require.NoError(t, err)
	out := make([]models.AttachmentStatus, 0, len(a.Statuses))
	for _, s := range a.Statuses {
		out = append(out, s.Status)
	}
	return out
}

func (f *fixture) jobs(t *testing.T, jobType string) []*models.Job {
	t.Helper()
	js, err := f.repo.ListJobs(context.Background(), models.JobFilter{Type: jobType, Limit: 1000})
	require.NoError(t, err)
	return js
}

func (f *fixture) jobCount(t *testing.T) int {
	return len(f.jobs(t, ""))
}

// eventJobs returns the payloads of event.publish jobs of one event type.
func (f *fixture) eventJobs(t *testing.T, eventType string) []models.Event {
	t.Helper()
	var out []models.Event
	for _, j := range f.jobs(t, JobPublishEvent) {
		var e models.Event
		require.NoError(t, json.Unmarshal(j.Payload, &e))
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	n, err := f.pool.Drain(context.Background(), 50)
	require.NoError(t, err)
	return n
}

func ptr[T any](v T) *T { return &v }
