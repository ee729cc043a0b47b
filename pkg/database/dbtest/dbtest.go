// Package dbtest opens a migrated PostgreSQL pool for repository tests.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/livepoll/backend/pkg/database"
)

// EnvURL names the variable holding the test database DSN.
const EnvURL = "TEST_DATABASE_URL"

// Pool connects to $TEST_DATABASE_URL and applies migrations. The test is
// skipped when the variable is unset. Tests share the schema, so they must
// key their rows by fresh ids instead of truncating tables.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(EnvURL)
	if dsn == "" {
		t.Skipf("%s not set; skipping PostgreSQL test", EnvURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger := zap.NewNop()
	pool, err := database.NewPostgresPool(ctx, dsn, logger)
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	if err := migrate(ctx, pool, logger); err != nil {
		pool.Close()
		t.Fatalf("migrate test database: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// migrateLockKey serializes schema setup across test packages run in parallel.
const migrateLockKey = 7341902

func migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrateLockKey); err != nil {
		return err
	}
	defer conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, migrateLockKey)
	return database.Migrate(ctx, pool, logger)
}
