// Package idempotency records that a lifecycle action took effect so that a
// redelivered job or repeated request becomes a no-op.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/courier-systems/courier-stack/correspondence/internal/metrics"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/courier-systems/courier-stack/correspondence/internal/repository"
	"github.com/google/uuid"
)

// Claim is the result of TryClaim.
type Claim int

const (
	Claimed Claim = iota + 1
	AlreadyClaimed
)

func (c Claim) String() string {
	switch c {
	case Claimed:
		return "claimed"
	case AlreadyClaimed:
		return "already_claimed"
	default:
		return "unknown"
	}
}

// TryClaim inserts the (correspondence, attachment, action) key through q.
// Call it inside the atomic unit that performs the action: if the unit rolls
// back, the claim rolls back with it. Attachment-only actions pass uuid.Nil
// as the correspondence ID.
func TryClaim(ctx context.Context, q repository.Queries, correspondenceID uuid.UUID, attachmentID *uuid.UUID, action models.IdempotencyAction, now time.Time) (Claim, error) {
	key := &models.IdempotencyKey{
		ID:               uuid.Must(uuid.NewV7()),
		CorrespondenceID: correspondenceID,
		AttachmentID:     attachmentID,
		Action:           action,
		CreatedAt:        now,
	}

	inserted, err := q.InsertIdempotencyKey(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", action, err)
	}

	result := AlreadyClaimed
	if inserted {
		result = Claimed
	}
	metrics.IdempotencyClaims.WithLabelValues(string(action), result.String()).Inc()
	return result, nil
}
