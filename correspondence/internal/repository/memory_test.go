package repository

import (
	"context"
	"testing"

	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepositoryContract(t *testing.T) {
	testRepositoryContract(t, func(t *testing.T) Repository {
		return NewMemoryRepository()
	})
}

func TestMemoryRepositoryCancelledContextRollsBack(t *testing.T) {
	repo := NewMemoryRepository()
	att := newAttachment(models.AttachmentInitialized)

	ctx, cancel := context.WithCancel(context.Background())
	err := repo.InTx(ctx, func(ctx context.Context, q Queries) error {
		if err := q.CreateAttachment(ctx, att); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	_, err = repo.GetAttachment(context.Background(), att.ID)
	assert.ErrorIs(t, err, ErrAttachmentNotFound)
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	c := newCorrespondence()
	require.NoError(t, repo.CreateCorrespondence(ctx, c))

	got, err := repo.GetCorrespondence(ctx, c.ID)
	require.NoError(t, err)
	got.Statuses = append(got.Statuses, models.StatusEntry{Status: models.StatusFailed})

	again, err := repo.GetCorrespondence(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, again.Statuses, 1, "callers cannot mutate stored ledgers")
}

func TestMemoryRepositoryRejectsUnknownAttachmentLink(t *testing.T) {
	repo := NewMemoryRepository()
	c := newCorrespondence(newAttachment(models.AttachmentPublished).ID)

	err := repo.CreateCorrespondence(context.Background(), c)
	assert.ErrorIs(t, err, ErrAttachmentNotFound)
}
