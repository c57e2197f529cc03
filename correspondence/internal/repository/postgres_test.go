package repository

import (
	"context"
	"testing"
	"time"

	"github.com/courier-systems/courier-stack/common/database"
	"github.com/courier-systems/courier-stack/correspondence/migrations"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDatabase starts a Postgres container with the schema applied.
func setupTestDatabase(t *testing.T) *PostgresRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("correspondence_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(migrations.FS, ".", connStr))

	pool, err := database.NewPool(ctx, connStr, database.PostgresConfig{MaxConns: 8})
	require.NoError(t, err)

	repo := NewPostgresRepository(pool)
	t.Cleanup(repo.Close)
	return repo
}

func truncateAll(t *testing.T, repo *PostgresRepository) {
	t.Helper()
	_, err := repo.pool.Exec(context.Background(), `
		TRUNCATE jobs, idempotency_keys, notifications, correspondence_attachments,
			correspondence_statuses, correspondences, attachment_statuses, attachments`)
	require.NoError(t, err)
}

func TestPostgresRepositoryContract(t *testing.T) {
	repo := setupTestDatabase(t)

	testRepositoryContract(t, func(t *testing.T) Repository {
		truncateAll(t, repo)
		return repo
	})
}
