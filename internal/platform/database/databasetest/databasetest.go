// Package databasetest starts a throwaway Postgres container with the
// project migrations applied, for store and integration tests.
package databasetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ekko-hq/ekko/internal/platform/database"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartPostgres runs an empty Postgres container for the duration of the
// test and returns its connection string.
func StartPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ekko_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

// Setup starts Postgres, applies migrations and returns a connected pool.
// Callers are expected to skip under testing.Short() before calling Setup.
func Setup(t *testing.T) *database.Pool {
	t.Helper()
	connStr := StartPostgres(t)

	require.NoError(t, database.RunMigrations(connStr, "file://"+MigrationsDir(t)))

	pool, err := database.Connect(context.Background(), database.PoolOptions{
		URL:             connStr,
		MaxConns:        10,
		ApplicationName: "ekko-test",
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

// MigrationsDir walks up from the working directory to the module root and
// returns its migrations directory.
func MigrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "migrations")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (no go.mod found)")
		}
		dir = parent
	}
}
