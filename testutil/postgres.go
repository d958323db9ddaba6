package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/onnwee/chatfleet/db"
)

// SetupTestDB connects to TEST_PG_DSN, applies migrations and empties the messages table.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *db.PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	store, err := db.OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(ctx, store); err != nil {
		store.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := store.Pool().Exec(ctx, `TRUNCATE messages`); err != nil {
		store.Close()
		t.Fatalf("failed to truncate messages: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SetupSQLite opens a migrated in-memory SQLite store.
func SetupSQLite(t *testing.T) *db.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := db.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.Migrate(ctx, store); err != nil {
		store.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
