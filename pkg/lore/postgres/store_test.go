package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/loreweave/pkg/lore"
	"github.com/MrWong99/loreweave/pkg/lore/loretest"
	"github.com/MrWong99/loreweave/pkg/lore/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if LOREWEAVE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LOREWEAVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOREWEAVE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] on a clean schema and closes
// it when the test finishes.
func newTestStore(t *testing.T) lore.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS session_plot_points CASCADE",
		"DROP TABLE IF EXISTS session_places CASCADE",
		"DROP TABLE IF EXISTS session_characters CASCADE",
		"DROP TABLE IF EXISTS chat_messages CASCADE",
		"DROP TABLE IF EXISTS chats CASCADE",
		"DROP TABLE IF EXISTS lorebooks CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// The conformance subtests share one database, so they run sequentially.
func TestStore_Conformance(t *testing.T) {
	loretest.Run(t, newTestStore)
}

func TestMigrate_Idempotent(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()
	newTestStore(t)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	for i := range 2 {
		if err := postgres.Migrate(ctx, pool); err != nil {
			t.Fatalf("Migrate run %d: unexpected error: %v", i+1, err)
		}
	}
}

func TestNew_BadDSN(t *testing.T) {
	t.Parallel()
	if _, err := postgres.New(context.Background(), "::not a dsn::"); err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}
