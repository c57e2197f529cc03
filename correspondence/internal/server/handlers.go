package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/courier-systems/courier-stack/common/httputil"
	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/common/messaging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/courier-systems/courier-stack/correspondence/internal/repair"
	"github.com/courier-systems/courier-stack/correspondence/internal/scheduler"
	"github.com/courier-systems/courier-stack/correspondence/internal/seed"
	"github.com/google/uuid"
)

const checkTimeout = 2 * time.Second

// Check is one readiness check.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pinger is anything that can verify its connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseCheck pings the repository.
func DatabaseCheck(p Pinger) Check {
	return Check{Name: "database", Run: p.Ping}
}

// MessagingCheck reports the broker connection.
func MessagingCheck(client messaging.Client) Check {
	return Check{Name: "nats", Run: func(context.Context) error {
		status := messaging.CheckClientHealth(client)
		if status.Error != "" {
			return errors.New(status.Error)
		}
		return nil
	}}
}

// JobAdmin is the operator view of the job queue.
type JobAdmin interface {
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	Replay(ctx context.Context, id uuid.UUID) error
}

// JobQueue joins the repository's job listing with the pool's replay.
type JobQueue struct {
	Lister interface {
		ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	}
	Pool *jobs.Pool
}

func (q JobQueue) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	return q.Lister.ListJobs(ctx, filter)
}

func (q JobQueue) Replay(ctx context.Context, id uuid.UUID) error {
	return q.Pool.Replay(ctx, id)
}

// Seeder creates development fixtures.
type Seeder interface {
	Run(ctx context.Context, count int) (*seed.Summary, error)
}

// Options wires a Handler. Nil collaborators disable their endpoints.
type Options struct {
	Service   string
	Checks    []Check
	Jobs      JobAdmin
	Repairer  *repair.Repairer
	RepairCfg scheduler.RepairConfig
	Timers    *scheduler.Scheduler
	Seeder    Seeder
	Logger    *logging.Logger
}

// Handler serves the operational endpoints.
type Handler struct {
	opts   Options
	logger *logging.Logger
}

func NewHandler(opts Options) *Handler {
	if opts.Service == "" {
		opts.Service = "correspondence"
	}
	return &Handler{opts: opts, logger: opts.Logger.WithComponent("http")}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": h.opts.Service,
	})
}

// Ready runs every check and reports 503 when any fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.opts.Checks))
	ready := true
	for _, c := range h.opts.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Run(ctx)
		cancel()
		if err != nil {
			ready = false
			results[c.Name] = err.Error()
			h.logger.WarnContext(r.Context(), "readiness check failed", "check", c.Name, logging.Error(err))
			continue
		}
		results[c.Name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": results,
	})
}

// ListJobs serves GET /admin/jobs?status=&type=&limit=.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.JobFilter{
		Status: models.JobStatus(q.Get("status")),
		Type:   q.Get("type"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	list, err := h.opts.Jobs.ListJobs(r.Context(), filter)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

// ReplayJob serves POST /admin/jobs/{id}/replay.
func (h *Handler) ReplayJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_id", "job id must be a UUID")
		return
	}
	if err := h.opts.Jobs.Replay(r.Context(), id); err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": string(models.JobEnqueued)})
}

// Repair serves POST /admin/repair/{check} and returns the run's report.
func (h *Handler) Repair(w http.ResponseWriter, r *http.Request) {
	cfg := h.opts.RepairCfg
	q := r.URL.Query()
	if v := q.Get("batch_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteError(w, http.StatusBadRequest, "invalid_batch_size", "batch_size must be a positive integer")
			return
		}
		cfg.BatchSize = n
	}
	var olderThan time.Duration
	if v := q.Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "invalid_older_than", "older_than must be a duration such as 24h")
			return
		}
		olderThan = d
	}

	var (
		report *repair.Report
		err    error
	)
	switch r.PathValue("check") {
	case "notifications":
		if olderThan == 0 {
			olderThan = cfg.NotificationAge
		}
		report, err = h.opts.Repairer.EnqueueMissingChecks(r.Context(), cfg.BatchSize, olderThan)
	case "publishes":
		if olderThan == 0 {
			olderThan = cfg.PublishAge
		}
		report, err = h.opts.Repairer.EnqueueStuckPublishes(r.Context(), cfg.BatchSize, olderThan)
	case "expiry":
		report, err = h.opts.Repairer.EnqueueExpiredAttachments(r.Context(), cfg.BatchSize)
	default:
		httputil.WriteError(w, http.StatusNotFound, "unknown_check", "check must be notifications, publishes or expiry")
		return
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

// Timers serves GET /admin/timers.
func (h *Handler) Timers(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.opts.Timers.GetMetrics())
}

// Seed serves POST /admin/seed?count=N.
func (h *Handler) Seed(w http.ResponseWriter, r *http.Request) {
	count := 10
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			httputil.WriteError(w, http.StatusBadRequest, "invalid_count", "count must be between 1 and 1000")
			return
		}
		count = n
	}

	summary, err := h.opts.Seeder.Run(r.Context(), count)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, summary)
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "admin request failed", "path", r.URL.Path, logging.Error(err))
	}
	httputil.WriteError(w, code, apperr.KindOf(err).String(), err.Error())
}
