// Package jobs implements the transactional outbox: jobs are rows written in
// the same transaction as the state change that produced them, and a worker
// pool executes them after commit.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/metrics"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/courier-systems/courier-stack/correspondence/internal/repository"
	"github.com/courier-systems/courier-stack/correspondence/internal/retry"
	"github.com/google/uuid"
)

// DefaultMaxAttempts applies when a Definition leaves MaxAttempts unset.
const DefaultMaxAttempts = 10

// Definition describes a job to enqueue.
type Definition struct {
	Type    string
	Payload any

	// MaxAttempts bounds worker executions. Zero uses DefaultMaxAttempts.
	MaxAttempts int

	// DedupeKey, when set, makes the enqueue a no-op while another
	// non-terminal job holds the same key.
	DedupeKey string

	// Origin overrides the origin inherited from the enqueuing context.
	Origin string
}

// Scheduler opens atomic units in which state changes and job enqueues
// commit together.
type Scheduler struct {
	repo   repository.Repository
	retry  *retry.Executor
	now    func() time.Time
	logger *logging.Logger
}

// NewScheduler builds a Scheduler. retrier may be nil to run units once.
func NewScheduler(repo repository.Repository, retrier *retry.Executor, now func() time.Time, logger *logging.Logger) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{repo: repo, retry: retrier, now: now, logger: logger.WithComponent("jobs")}
}

// Now returns the scheduler clock.
func (s *Scheduler) Now() time.Time {
	return s.now()
}

// RunAtomic executes work in one transaction. Either every ledger write and
// every job enqueued through tx becomes visible, or none does. Transient
// store failures re-run work from scratch, so work must read the state it
// depends on through tx.
func (s *Scheduler) RunAtomic(ctx context.Context, work func(ctx context.Context, tx *Tx) error) error {
	unit := func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.repo.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
			tx := &Tx{Queries: q, now: s.now(), origin: OriginFrom(ctx)}
			if err := work(ctx, tx); err != nil {
				return err
			}
			for _, j := range tx.enqueued {
				metrics.JobsEnqueued.WithLabelValues(j.Type, "inserted").Inc()
			}
			return nil
		})
	}

	if s.retry == nil {
		return unit(ctx)
	}
	return s.retry.Execute(ctx, unit)
}

// Tx is the handle given to work inside RunAtomic. It embeds the
// transactional Queries.
type Tx struct {
	repository.Queries

	now      time.Time
	origin   string
	enqueued []*models.Job
}

// Now is the timestamp of this unit. Every status written in one unit
// shares it.
func (t *Tx) Now() time.Time {
	return t.now
}

// Origin is the origin inherited by jobs enqueued in this unit.
func (t *Tx) Origin() string {
	return t.origin
}

// Enqueued lists the jobs inserted so far in this unit.
func (t *Tx) Enqueued() []*models.Job {
	return t.enqueued
}

// Enqueue adds a job that becomes runnable when the unit commits. It returns
// uuid.Nil when the dedupe key is taken.
func (t *Tx) Enqueue(ctx context.Context, def Definition) (uuid.UUID, error) {
	return t.insert(ctx, def, t.now, nil, models.JobEnqueued)
}

// Schedule adds a job that becomes runnable delay after the unit's time.
func (t *Tx) Schedule(ctx context.Context, def Definition, delay time.Duration) (uuid.UUID, error) {
	if delay < 0 {
		delay = 0
	}
	return t.insert(ctx, def, t.now.Add(delay), nil, models.JobEnqueued)
}

// ContinueWith adds a job that runs only after parentID succeeds. The parent
// row is locked so a concurrent completion cannot miss the new child.
func (t *Tx) ContinueWith(ctx context.Context, parentID uuid.UUID, def Definition) (uuid.UUID, error) {
	parent, err := t.LockJob(ctx, parentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("continue %s: %w", def.Type, err)
	}

	status := models.JobAwaiting
	if parent.Status == models.JobSucceeded {
		status = models.JobEnqueued
	}
	return t.insert(ctx, def, t.now, &parentID, status)
}

func (t *Tx) insert(ctx context.Context, def Definition, runAt time.Time, parentID *uuid.UUID, status models.JobStatus) (uuid.UUID, error) {
	if def.Type == "" {
		return uuid.Nil, apperr.Fatal("job type is required")
	}

	payload, err := marshalPayload(def.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal %s payload: %w", def.Type, err)
	}

	maxAttempts := def.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	origin := def.Origin
	if origin == "" {
		origin = t.origin
	}

	job := &models.Job{
		ID:          uuid.Must(uuid.NewV7()),
		Type:        def.Type,
		Payload:     payload,
		Origin:      origin,
		Status:      status,
		MaxAttempts: maxAttempts,
		RunAt:       runAt,
		ParentID:    parentID,
		CreatedAt:   t.now,
		UpdatedAt:   t.now,
	}
	if def.DedupeKey != "" {
		key := def.DedupeKey
		job.DedupeKey = &key
	}

	inserted, err := t.InsertJob(ctx, job)
	if err != nil {
		return uuid.Nil, err
	}
	if !inserted {
		metrics.JobsEnqueued.WithLabelValues(def.Type, "deduplicated").Inc()
		return uuid.Nil, nil
	}
	t.enqueued = append(t.enqueued, job)
	return job.ID, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	default:
		return json.Marshal(v)
	}
}
