package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/courier-systems/courier-stack/correspondence/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (a *recordingAlerter) Notify(_ context.Context, title, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
	return a.err
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.titles)
}

// clock is a settable time source shared by scheduler and pool.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type poolFixture struct {
	repo    *repository.MemoryRepository
	sched   *Scheduler
	pool    *Pool
	alerter *recordingAlerter
	clock   *clock
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	clk := &clock{now: testNow}
	alerter := &recordingAlerter{}
	pool := NewPool(repo, PoolConfig{
		Workers:        4,
		BatchSize:      10,
		PollInterval:   10 * time.Millisecond,
		Lease:          time.Minute,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  4 * time.Second,
	}, alerter, logging.Nop(), clk.Now)
	return &poolFixture{
		repo:    repo,
		sched:   NewScheduler(repo, nil, clk.Now, logging.Nop()),
		pool:    pool,
		alerter: alerter,
		clock:   clk,
	}
}

func (f *poolFixture) enqueue(t *testing.T, ctx context.Context, def Definition) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	require.NoError(t, f.sched.RunAtomic(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		id, err = tx.Enqueue(ctx, def)
		return err
	}))
	return id
}

func (f *poolFixture) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := f.repo.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestPool_Success(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}
	var got payload
	f.pool.Register("greet", func(ctx context.Context, job *models.Job) error {
		p, err := Decode[payload](job)
		got = p
		return err
	})

	id := f.enqueue(t, ctx, Definition{Type: "greet", Payload: payload{Name: "svalbard"}})
	n, err := f.pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "svalbard", got.Name)

	j := f.job(t, id)
	assert.Equal(t, models.JobSucceeded, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.NotNil(t, j.FinishedAt)
}

func TestPool_HandlerSeesJobOrigin(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	var seenOrigin string
	var seenID uuid.UUID
	f.pool.Register("parent", func(ctx context.Context, job *models.Job) error {
		seenOrigin = OriginFrom(ctx)
		seenID, _ = JobIDFrom(ctx)
		// Children enqueued from a handler inherit its origin.
		return f.sched.RunAtomic(ctx, func(ctx context.Context, tx *Tx) error {
			_, err := tx.Enqueue(ctx, Definition{Type: "child"})
			return err
		})
	})
	f.pool.Register("child", func(context.Context, *models.Job) error { return nil })

	id := f.enqueue(t, WithOrigin(ctx, models.OriginMigrate), Definition{Type: "parent"})
	_, err := f.pool.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.OriginMigrate, seenOrigin)
	assert.Equal(t, id, seenID)

	children, err := f.repo.ListJobs(ctx, models.JobFilter{Type: "child"})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, models.OriginMigrate, children[0].Origin)
}

func TestPool_InvalidTransitionCompletes(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	f.pool.Register("stale", func(context.Context, *models.Job) error {
		return apperr.InvalidTransition("already published")
	})

	id := f.enqueue(t, ctx, Definition{Type: "stale"})
	_, err := f.pool.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.JobSucceeded, f.job(t, id).Status)
	assert.Zero(t, f.alerter.count())
}

func TestPool_PermanentErrorFailsAndAlerts(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", apperr.NotFound("correspondence gone")},
		{"rejected", apperr.Rejected(nil, "order rejected")},
		{"fatal", apperr.Fatal("bad payload")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPoolFixture(t)
			ctx := context.Background()
			f.pool.Register("doomed", func(context.Context, *models.Job) error { return tt.err })

			id := f.enqueue(t, ctx, Definition{Type: "doomed"})
			_, err := f.pool.RunOnce(ctx)
			require.NoError(t, err)

			j := f.job(t, id)
			assert.Equal(t, models.JobFailed, j.Status)
			assert.Equal(t, 1, j.Attempts)
			assert.Contains(t, j.LastError, tt.err.Error())
			assert.Equal(t, 1, f.alerter.count())
		})
	}
}

func TestPool_RetriesWithBackoffThenGivesUp(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	f.pool.Register("flaky", func(context.Context, *models.Job) error {
		calls.Add(1)
		return errors.New("downstream unavailable")
	})

	id := f.enqueue(t, ctx, Definition{Type: "flaky", MaxAttempts: 3})

	_, err := f.pool.RunOnce(ctx)
	require.NoError(t, err)
	j := f.job(t, id)
	assert.Equal(t, models.JobEnqueued, j.Status)
	assert.Equal(t, testNow.Add(time.Second), j.RunAt)
	assert.Equal(t, "downstream unavailable", j.LastError)

	// Not due yet.
	n, err := f.pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Second)
	_, err = f.pool.RunOnce(ctx)
	require.NoError(t, err)
	j = f.job(t, id)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), j.RunAt)

	f.clock.Advance(2 * time.Second)
	_, err = f.pool.RunOnce(ctx)
	require.NoError(t, err)

	j = f.job(t, id)
	assert.Equal(t, models.JobFailed, j.Status)
	assert.Equal(t, 3, j.Attempts)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 1, f.alerter.count())
}

func TestPool_AlertFailureDoesNotBlockBookkeeping(t *testing.T) {
	f := newPoolFixture(t)
	f.alerter.err = errors.New("slack down")
	ctx := context.Background()
	f.pool.Register("doomed", func(context.Context, *models.Job) error { return apperr.Fatal("no") })

	id := f.enqueue(t, ctx, Definition{Type: "doomed"})
	_, err := f.pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, f.job(t, id).Status)
}

func TestPool_UnknownTypeAndPanic(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()
	f.pool.Register("explodes", func(context.Context, *models.Job) error { panic("nil map") })

	unknown := f.enqueue(t, ctx, Definition{Type: "nobody.handles.this"})
	panicky := f.enqueue(t, ctx, Definition{Type: "explodes", MaxAttempts: 2})

	_, err := f.pool.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.JobFailed, f.job(t, unknown).Status)

	j := f.job(t, panicky)
	assert.Equal(t, models.JobEnqueued, j.Status)
	assert.Contains(t, j.LastError, "panicked")
}

func TestPool_ChildRunsAfterParent(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	var order []string
	var mu sync.Mutex
	record := func(name string) Handler {
		return func(context.Context, *models.Job) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	f.pool.Register("activity.delete", record("activity.delete"))
	f.pool.Register("correspondence.hard_delete", record("correspondence.hard_delete"))

	require.NoError(t, f.sched.RunAtomic(ctx, func(ctx context.Context, tx *Tx) error {
		parent, err := tx.Enqueue(ctx, Definition{Type: "activity.delete"})
		if err != nil {
			return err
		}
		_, err = tx.ContinueWith(ctx, parent, Definition{Type: "correspondence.hard_delete"})
		return err
	}))

	n, err := f.pool.Drain(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"activity.delete", "correspondence.hard_delete"}, order)
}

func TestPool_Replay(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	fail := true
	f.pool.Register("replayable", func(context.Context, *models.Job) error {
		if fail {
			return apperr.Fatal("misconfigured")
		}
		return nil
	})

	id := f.enqueue(t, ctx, Definition{Type: "replayable"})
	_, err := f.pool.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, f.job(t, id).Status)

	fail = false
	require.NoError(t, f.pool.Replay(ctx, id))
	_, err = f.pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, f.job(t, id).Status)

	// Only failed jobs can be replayed.
	err = f.pool.Replay(ctx, id)
	assert.True(t, apperr.IsInvalidTransition(err))
}

func TestPool_StartStop(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	done := make(chan struct{})
	f.pool.Register("tick", func(context.Context, *models.Job) error {
		close(done)
		return nil
	})
	f.enqueue(t, ctx, Definition{Type: "tick"})

	require.NoError(t, f.pool.Start(ctx))
	assert.Error(t, f.pool.Start(ctx))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not executed")
	}

	require.NoError(t, f.pool.Stop())
	assert.Error(t, f.pool.Stop())
}

func TestPool_Backoff(t *testing.T) {
	p := NewPool(repository.NewMemoryRepository(), PoolConfig{
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  5 * time.Second,
	}, nil, logging.Nop(), nil)

	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 5*time.Second, p.backoff(4))
	assert.Equal(t, 5*time.Second, p.backoff(20))
}

func TestDecode_MalformedPayloadIsFatal(t *testing.T) {
	job := &models.Job{ID: uuid.Must(uuid.NewV7()), Type: "x", Payload: []byte(`{"name":`)}
	_, err := Decode[struct{ Name string }](job)
	assert.Equal(t, apperr.KindFatal, apperr.KindOf(err))
}
