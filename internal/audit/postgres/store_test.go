package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/audit"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/audit/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if DIFFUSION_MCP_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("DIFFUSION_MCP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DIFFUSION_MCP_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS tool_calls CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_WriteAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []audit.Record{
		{Time: base, CallerID: "agent-1", Tool: "connect", Outcome: "success", Duration: 40 * time.Millisecond},
		{Time: base.Add(time.Second), CallerID: "agent-1", Tool: "add_principal", Outcome: "permission_denied",
			Duration: 12 * time.Millisecond, Message: "Permission denied: add_principal (principalName=ops)"},
		{Time: base.Add(2 * time.Second), CallerID: "agent-2", Tool: "fetch_topics", Outcome: "success"},
	}
	for _, r := range recs {
		if err := store.Write(ctx, r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	got, err := store.Recent(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(agent-1) returned %d records, want 2", len(got))
	}
	if got[0].Tool != "add_principal" {
		t.Errorf("newest tool = %q, want add_principal", got[0].Tool)
	}
	if got[0].Duration != 12*time.Millisecond {
		t.Errorf("duration = %v, want 12ms", got[0].Duration)
	}
	if !got[0].Time.Equal(base.Add(time.Second)) {
		t.Errorf("time = %v, want %v", got[0].Time, base.Add(time.Second))
	}

	all, err := store.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent(all): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Recent(all) returned %d records, want 3", len(all))
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	newTestStore(t)

	// A second store against the same database re-runs the DDL.
	second, err := postgres.NewStore(context.Background(), testDSN(t))
	if err != nil {
		t.Fatalf("second NewStore: %v", err)
	}
	defer second.Close()
	if err := second.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
