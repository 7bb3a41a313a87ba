//go:build integration

package pg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"devosphere.org/internal/auth"
	"devosphere.org/internal/auth/authtest"
)

func TestPostgresConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("authority"),
		postgres.WithUsername("authority"),
		postgres.WithPassword("authority"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(dsn, 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(ctx) })
	require.NoError(t, store.Ping(ctx))

	migrator := store.Migrator()
	applied, err := migrator.Up(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, applied)

	authtest.RunStoreSuite(t, func(t *testing.T) auth.Store {
		_, err := store.DB().ExecContext(ctx, `truncate users, refresh_tokens, permissions_catalog`)
		require.NoError(t, err)
		return store
	})

	t.Run("SeedsBuiltinPermissions", func(t *testing.T) {
		_, err := store.DB().ExecContext(ctx, `truncate permissions_catalog`)
		require.NoError(t, err)
		_, err = store.DB().ExecContext(ctx, `delete from schema_seeds`)
		require.NoError(t, err)
		require.NoError(t, migrator.Seed(ctx))
		list, err := store.Permissions().List(ctx)
		require.NoError(t, err)
		require.Len(t, list, len(auth.BuiltinPermissions))
	})
}
