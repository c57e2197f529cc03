package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/lifecycle"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/courier-systems/courier-stack/correspondence/internal/repair"
	"github.com/courier-systems/courier-stack/correspondence/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingTask(name string, interval time.Duration, calls *atomic.Int64, err error) Task {
	return Task{
		Name:     name,
		Interval: interval,
		Run: func(context.Context) error {
			calls.Add(1)
			return err
		},
	}
}

func TestSchedulerStartStop(t *testing.T) {
	var calls atomic.Int64
	s := NewScheduler(logging.Nop(), countingTask("tick", 20*time.Millisecond, &calls, nil))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "second start must fail")

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Error(t, s.Stop())

	require.NoError(t, s.Start(ctx), "scheduler restarts after stop")
	require.NoError(t, s.Stop())
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	var calls atomic.Int64
	s := NewScheduler(logging.Nop(), countingTask("tick", 10*time.Millisecond, &calls, nil))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, s.Stop())
	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestSchedulerDisabledTask(t *testing.T) {
	var calls atomic.Int64
	s := NewScheduler(logging.Nop(), countingTask("off", 0, &calls, nil))

	err := s.RunNow(context.Background(), "off")
	assert.Error(t, err)
	assert.Equal(t, 0, s.GetMetrics()["task_count"])
}

func TestSchedulerRunNowRecordsErrors(t *testing.T) {
	var calls atomic.Int64
	boom := errors.New("database unavailable")
	s := NewScheduler(logging.Nop(), countingTask("flaky", time.Hour, &calls, boom))

	err := s.RunNow(context.Background(), "flaky")
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, calls.Load())

	tasks := s.GetMetrics()["tasks"].(map[string]interface{})
	entry := tasks["flaky"].(map[string]interface{})
	assert.EqualValues(t, 1, entry["runs"])
	assert.EqualValues(t, 1, entry["errors"])
	assert.Equal(t, boom.Error(), entry["last_error"])
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	s := NewScheduler(logging.Nop(), Task{
		Name:     "slow",
		Interval: time.Hour,
		Run: func(context.Context) error {
			calls.Add(1)
			<-release
			return nil
		},
	})

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.NoError(t, s.RunNow(context.Background(), "slow"))
	assert.EqualValues(t, 1, calls.Load())

	close(release)
	assert.NoError(t, <-done)
}

func TestRepairTasks(t *testing.T) {
	logger := logging.Nop()
	repo := repository.NewMemoryRepository()
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	sched := jobs.NewScheduler(repo, nil, func() time.Time { return now }, logger)
	activities := external.NewMemoryActivities(false)
	svc := lifecycle.NewService(lifecycle.Dependencies{
		Repo:          repo,
		Scheduler:     sched,
		Notifications: external.NewMemoryNotifications(false, nil),
		Activities:    activities,
		Events:        external.NewMemoryEvents(),
		Legacy:        external.NewMemoryLegacy(),
		Blobs:         external.NewMemoryBlobs(),
		Logger:        logger,
	})

	expired := now.Add(-time.Hour)
	_, err := svc.InitializeAttachment(context.Background(), lifecycle.InitializeAttachmentRequest{
		Sender:          "0192:889640782",
		StorageProvider: "s3",
		ExpirationTime:  &expired,
	})
	require.NoError(t, err)

	cfg := DefaultRepairConfig()
	cfg.PublishInterval = 0
	s := NewScheduler(logger, RepairTasks(repair.NewRepairer(repo, sched, activities, logger), cfg)...)
	assert.Equal(t, 2, s.GetMetrics()["task_count"])

	require.NoError(t, s.RunNow(context.Background(), TaskAttachmentExpiry))
	js, err := repo.ListJobs(context.Background(), models.JobFilter{Type: lifecycle.JobExpireAttachment})
	require.NoError(t, err)
	assert.Len(t, js, 1)

	require.NoError(t, s.RunNow(context.Background(), TaskNotificationRepair))
	assert.Error(t, s.RunNow(context.Background(), TaskPublishRepair))
}
