package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/metrics"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/courier-systems/courier-stack/correspondence/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Handler executes one job. Returning an apperr.KindInvalidTransition error
// means the work is no longer applicable and the job completes. Permanent
// kinds fail the job at once; anything else is retried with backoff.
type Handler func(ctx context.Context, job *models.Job) error

// Alerter notifies operators about jobs that will not be retried again.
type Alerter interface {
	Notify(ctx context.Context, title, message string) error
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Workers        int           `mapstructure:"workers"`
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Lease          time.Duration `mapstructure:"lease"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// DefaultPoolConfig returns production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:        8,
		BatchSize:      32,
		PollInterval:   time.Second,
		Lease:          5 * time.Minute,
		RetryBaseDelay: 10 * time.Second,
		RetryMaxDelay:  time.Hour,
	}
}

// Pool claims due jobs and runs their handlers.
type Pool struct {
	store    repository.JobStore
	cfg      PoolConfig
	alerter  Alerter
	logger   *logging.Logger
	now      func() time.Time
	handlers map[string]Handler

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPool builds a Pool. alerter may be nil.
func NewPool(store repository.JobStore, cfg PoolConfig, alerter Alerter, logger *logging.Logger, now func() time.Time) *Pool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if now == nil {
		now = time.Now
	}

	return &Pool{
		store:    store,
		cfg:      cfg,
		alerter:  alerter,
		logger:   logger.WithComponent("worker"),
		now:      now,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Register before Start.
func (p *Pool) Register(jobType string, h Handler) {
	p.handlers[jobType] = h
}

// Types lists the registered job types.
func (p *Pool) Types() []string {
	out := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		out = append(out, t)
	}
	return out
}

// Start launches the polling loop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "worker pool starting",
		"workers", p.cfg.Workers,
		"poll_interval", p.cfg.PollInterval.String(),
		"job_types", len(p.handlers))

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop waits for in-flight jobs and stops polling.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not running")
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			// A full batch means more work is likely due; keep draining.
			for {
				n, err := p.RunOnce(ctx)
				if err != nil {
					p.logger.ErrorContext(ctx, "failed to claim jobs", logging.Error(err))
					break
				}
				if n < p.cfg.BatchSize || p.stopping() {
					break
				}
			}
		}
	}
}

func (p *Pool) stopping() bool {
	select {
	case <-p.stopChan:
		return true
	default:
		return false
	}
}

// RunOnce claims one batch of due jobs, runs it and returns the batch size.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	jobs, err := p.store.ClaimJobs(ctx, p.now(), p.cfg.Lease, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	metrics.JobsClaimed.Add(float64(len(jobs)))

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			p.process(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

// Drain runs batches until nothing is due or maxBatches is reached. It
// returns the number of jobs executed.
func (p *Pool) Drain(ctx context.Context, maxBatches int) (int, error) {
	total := 0
	for i := 0; i < maxBatches; i++ {
		n, err := p.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
	return total, nil
}

// Replay re-enqueues a failed job with a fresh attempt budget.
func (p *Pool) Replay(ctx context.Context, id uuid.UUID) error {
	if err := p.store.RequeueJob(ctx, id, p.now()); err != nil {
		return fmt.Errorf("replay job %s: %w", id, err)
	}
	p.logger.InfoContext(ctx, "job replayed", logging.JobID(id.String()))
	return nil
}

func (p *Pool) process(ctx context.Context, job *models.Job) {
	ctx = WithOrigin(ctx, job.Origin)
	ctx = WithJobID(ctx, job.ID)
	ctx = logging.ContextWith(ctx,
		logging.JobID(job.ID.String()),
		logging.JobType(job.Type),
		logging.Origin(job.Origin),
		logging.Attempt(job.Attempts))

	start := time.Now()
	err := p.invoke(ctx, job)
	metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	// Bookkeeping must land even when shutdown cancelled the handler.
	bookCtx := context.WithoutCancel(ctx)
	now := p.now()

	switch {
	case err == nil:
		p.complete(bookCtx, job, now, "succeeded")

	case apperr.IsInvalidTransition(err):
		p.logger.InfoContext(ctx, "job no longer applicable", logging.Error(err))
		p.complete(bookCtx, job, now, "skipped")

	case apperr.IsPermanent(err):
		p.fail(bookCtx, job, err, now, "permanent failure")

	case job.Attempts >= job.MaxAttempts:
		p.fail(bookCtx, job, err, now, fmt.Sprintf("gave up after %d attempts", job.Attempts))

	default:
		delay := p.backoff(job.Attempts)
		p.logger.WarnContext(ctx, "job failed, retrying",
			logging.Error(err),
			"retry_in", delay.String())
		if rerr := p.store.RetryJob(bookCtx, job.ID, now.Add(delay), err.Error()); rerr != nil {
			p.logger.ErrorContext(ctx, "failed to reschedule job", logging.Error(rerr))
		}
		metrics.JobsProcessed.WithLabelValues(job.Type, "retried").Inc()
	}
}

func (p *Pool) invoke(ctx context.Context, job *models.Job) (err error) {
	h, ok := p.handlers[job.Type]
	if !ok {
		return apperr.Fatal("no handler registered for job type %q", job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Lease)
	defer cancel()
	return h(ctx, job)
}

func (p *Pool) complete(ctx context.Context, job *models.Job, now time.Time, outcome string) {
	if err := p.store.CompleteJob(ctx, job.ID, now); err != nil {
		p.logger.ErrorContext(ctx, "failed to complete job", logging.Error(err))
		return
	}
	metrics.JobsProcessed.WithLabelValues(job.Type, outcome).Inc()
	p.logger.DebugContext(ctx, "job "+outcome)
}

func (p *Pool) fail(ctx context.Context, job *models.Job, cause error, now time.Time, reason string) {
	p.logger.ErrorContext(ctx, "job failed", logging.Error(cause), "reason", reason)
	if err := p.store.FailJob(ctx, job.ID, cause.Error(), now); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark job failed", logging.Error(err))
	}
	metrics.JobsProcessed.WithLabelValues(job.Type, "failed").Inc()

	if p.alerter == nil {
		return
	}
	title := fmt.Sprintf("Job %s failed", job.Type)
	message := fmt.Sprintf("job %s (origin %q) %s: %v", job.ID, job.Origin, reason, cause)
	if err := p.alerter.Notify(ctx, title, message); err != nil {
		p.logger.WarnContext(ctx, "operator alert failed", logging.Error(err))
	}
}

// backoff doubles the base delay per attempt up to the configured maximum.
func (p *Pool) backoff(attempt int) time.Duration {
	delay := p.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.RetryMaxDelay {
			return p.cfg.RetryMaxDelay
		}
	}
	return delay
}

// Decode unmarshals a job payload. A malformed payload can never succeed, so
// it is reported as a fatal error.
func Decode[T any](job *models.Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, apperr.Fatal("decode %s payload of job %s: %v", job.Type, job.ID, err)
	}
	return v, nil
}
