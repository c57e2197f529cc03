// Package lifecycle implements the transitions of correspondences,
// attachments and notifications. Every handler validates against the status
// ledger and writes its ledger entry and side-effect jobs in one atomic unit;
// outward calls happen in jobs after commit.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/repository"
	"github.com/google/uuid"
)

// Outcome tells a caller what a handler did.
type Outcome string

const (
	// Applied means a ledger entry was written.
	Applied Outcome = "applied"
	// NoOp means the transition had already taken effect.
	NoOp Outcome = "noop"
	// Failed means the entity moved to a failure status.
	Failed Outcome = "failed"
	// Deferred means the work was handed to a job.
	Deferred Outcome = "deferred"
)

// Result is the typed success value of a handler. Business rule violations
// are returned as apperr errors instead.
type Result struct {
	Outcome Outcome     `json:"outcome"`
	ID      uuid.UUID   `json:"id"`
	Status  string      `json:"status,omitempty"`
	Jobs    []uuid.UUID `json:"jobs,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Dependencies wires a Service.
type Dependencies struct {
	Repo          repository.Repository
	Scheduler     *jobs.Scheduler
	Notifications external.NotificationOrderingService
	Activities    external.ActivityService
	Events        external.EventPublisher
	Legacy        external.LegacyBridgeSync
	Blobs         external.BlobPurger
	Logger        *logging.Logger

	// VerifyTimeout bounds calls made before a commit, such as the dialog
	// patch verification.
	VerifyTimeout time.Duration
}

// Service owns the lifecycle handlers.
type Service struct {
	repo          repository.Repository
	sched         *jobs.Scheduler
	notifications external.NotificationOrderingService
	activities    external.ActivityService
	events        external.EventPublisher
	legacy        external.LegacyBridgeSync
	blobs         external.BlobPurger
	logger        *logging.Logger
	verifyTimeout time.Duration
}

func NewService(deps Dependencies) *Service {
	timeout := deps.VerifyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		repo:          deps.Repo,
		sched:         deps.Scheduler,
		notifications: deps.Notifications,
		activities:    deps.Activities,
		events:        deps.Events,
		legacy:        deps.Legacy,
		blobs:         deps.Blobs,
		logger:        deps.Logger.WithComponent("lifecycle"),
		verifyTimeout: timeout,
	}
}

// atomic runs fn in one unit and records the jobs it enqueued on the result.
func (s *Service) atomic(ctx context.Context, fn func(ctx context.Context, tx *jobs.Tx) (*Result, error)) (*Result, error) {
	var res *Result
	err := s.sched.RunAtomic(ctx, func(ctx context.Context, tx *jobs.Tx) error {
		r, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		for _, j := range tx.Enqueued() {
			r.Jobs = append(r.Jobs, j.ID)
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) logResult(ctx context.Context, handler string, res *Result, attrs ...any) {
	args := append([]any{
		logging.Action(handler),
		"outcome", string(res.Outcome),
		logging.Status(res.Status),
		"jobs", len(res.Jobs),
	}, attrs...)
	if res.Reason != "" {
		args = append(args, "reason", res.Reason)
	}
	s.logger.InfoContext(ctx, "lifecycle transition", args...)
}

// externalFailure classifies an error from a collaborator. Errors the client
// already classified keep their kind.
func externalFailure(err error, format string, args ...any) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	return apperr.External(err, format, args...)
}
