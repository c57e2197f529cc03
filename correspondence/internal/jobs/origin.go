package jobs

import (
	"context"

	"github.com/google/uuid"
)

type originKey struct{}

type jobIDKey struct{}

// WithOrigin returns ctx tagged with the origin of the work it carries.
// Jobs enqueued under ctx inherit the origin.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom returns the origin stored in ctx, or "" for ordinary work.
func OriginFrom(ctx context.Context) string {
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}

// WithJobID tags ctx with the ID of the job being executed.
func WithJobID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobIDFrom returns the ID of the job executing under ctx.
func JobIDFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(jobIDKey{}).(uuid.UUID)
	return id, ok
}
