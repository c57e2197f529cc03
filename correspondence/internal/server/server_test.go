package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/common/middleware"
	"github.com/courier-systems/courier-stack/correspondence/internal/config"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/lifecycle"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/courier-systems/courier-stack/correspondence/internal/repair"
	"github.com/courier-systems/courier-stack/correspondence/internal/repository"
	"github.com/courier-systems/courier-stack/correspondence/internal/scheduler"
	"github.com/courier-systems/courier-stack/correspondence/internal/seed"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo   *repository.MemoryRepository
	pool   *jobs.Pool
	router http.Handler
	now    time.Time
}

func newFixture(t *testing.T, checks ...Check) *fixture {
	t.Helper()
	logger := logging.Nop()
	f := &fixture{
		repo: repository.NewMemoryRepository(),
		now:  time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	sched := jobs.NewScheduler(f.repo, nil, clock, logger)
	activities := external.NewMemoryActivities(true)
	svc := lifecycle.NewService(lifecycle.Dependencies{
		Repo:          f.repo,
		Scheduler:     sched,
		Notifications: external.NewMemoryNotifications(true, clock),
		Activities:    activities,
		Events:        external.NewMemoryEvents(),
		Legacy:        external.NewMemoryLegacy(),
		Blobs:         external.NewMemoryBlobs(),
		Logger:        logger,
	})
	f.pool = jobs.NewPool(f.repo, jobs.DefaultPoolConfig(), external.NewLogAlerter(logger), logger, clock)
	svc.RegisterJobs(f.pool)

	repairer := repair.NewRepairer(f.repo, sched, activities, logger)
	cfg := scheduler.DefaultRepairConfig()
	h := NewHandler(Options{
		Checks:    checks,
		Jobs:      JobQueue{Lister: f.repo, Pool: f.pool},
		Repairer:  repairer,
		RepairCfg: cfg,
		Timers:    scheduler.NewScheduler(logger, scheduler.RepairTasks(repairer, cfg)...),
		Seeder:    seed.New(svc, 1, clock, logger),
		Logger:    logger,
	})
	f.router = NewRouter(h)
	return f
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))
	assert.JSONEq(t, `{"status":"ok","service":"correspondence"}`, rec.Body.String())
}

func TestReady(t *testing.T) {
	healthy := Check{Name: "database", Run: func(context.Context) error { return nil }}
	broken := Check{Name: "nats", Run: func(context.Context) error { return errors.New("not connected to message broker") }}

	rec := newFixture(t, healthy).do(t, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = newFixture(t, healthy, broken).do(t, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])
	assert.Contains(t, body.Checks["nats"], "not connected")
}

func TestDatabaseCheckUsesPing(t *testing.T) {
	repo := repository.NewMemoryRepository()
	assert.NoError(t, DatabaseCheck(repo).Run(context.Background()))
}

func TestMetrics(t *testing.T) {
	rec := newFixture(t).do(t, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSeedListAndReplay(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/seed?count=3")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var summary seed.Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	assert.Equal(t, 3, summary.Correspondences)

	rec = f.do(t, http.MethodGet, "/admin/jobs?type="+lifecycle.JobPublish)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 3)

	rec = f.do(t, http.MethodPost, "/admin/jobs/"+list[0].ID.String()+"/replay")
	assert.Equal(t, http.StatusConflict, rec.Code, "only failed jobs can be replayed")

	rec = f.do(t, http.MethodPost, "/admin/jobs/"+uuid.NewString()+"/replay")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/jobs/not-a-uuid/replay")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsRejectsBadLimit(t *testing.T) {
	rec := newFixture(t).do(t, http.MethodGet, "/admin/jobs?limit=lots")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRepair(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/repair/publishes?older_than=1m&batch_size=10")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report repair.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Zero(t, report.Scanned)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/admin/repair/notifications").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/admin/repair/expiry").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/admin/repair/everything").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/repair/expiry?batch_size=0").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/repair/publishes?older_than=soon").Code)
}

func TestTimers(t *testing.T) {
	rec := newFixture(t).do(t, http.MethodGet, "/admin/timers")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.EqualValues(t, 3, body["task_count"])
}

func TestDisabledEndpoints(t *testing.T) {
	h := NewHandler(Options{Logger: logging.Nop()})
	rec := httptest.NewRecorder()
	NewRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/seed", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(config.ServerConfig{ShutdownTimeout: time.Second}, newFixture(t).router, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
