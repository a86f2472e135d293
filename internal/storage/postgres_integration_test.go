package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const pgStartupTimeout = 120 * time.Second

// setupPostgres starts a disposable PostgreSQL container and returns a
// connected store with migrations applied.
func setupPostgres(ctx context.Context, t *testing.T) *PostgresStore {
	t.Helper()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("scoreflow_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(pgStartupTimeout),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
		_ = testcontainers.TerminateContainer(container)
	})
	return store
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupPostgres(ctx, t)

	// A fresh database is an empty state.
	state, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Global)
	assert.Empty(t, state.Segments)

	require.NoError(t, store.Save(ctx, sampleState()))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assertStateEqual(t, sampleState(), loaded)

	// Saving again upserts rather than duplicating.
	loaded.Global["events"] = 43.0
	require.NoError(t, store.Save(ctx, loaded))

	reloaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 43.0, reloaded.Global["events"])
}

func TestPostgresStoreMigrationsAreIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupPostgres(ctx, t)

	// Re-running migrations on an already-migrated schema is a no-op.
	require.NoError(t, runMigrations(store.db))
}
