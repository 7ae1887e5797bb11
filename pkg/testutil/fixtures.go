package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"courier/internal/platform/database"
	id "courier/pkg/domain"
)

// TestIDs provides convenient pre-generated IDs for tests.
// Use these for deterministic test data.
var TestIDs = struct {
	ActorID1  id.ActorID
	ActorID2  id.ActorID
	TenantID1 id.TenantID
	TenantID2 id.TenantID
}{
	ActorID1:  id.ActorID(uuid.MustParse("11111111-1111-1111-1111-111111111111")),
	ActorID2:  id.ActorID(uuid.MustParse("22222222-2222-2222-2222-222222222222")),
	TenantID1: id.TenantID(uuid.MustParse("aaaa0000-0000-0000-0000-000000000001")),
	TenantID2: id.TenantID(uuid.MustParse("aaaa0000-0000-0000-0000-000000000002")),
}

// NewSQLitePool opens a migrated SQLite database in a per-test directory.
func NewSQLitePool(t testing.TB) *database.Pool {
	t.Helper()

	pool, err := database.New(database.Config{
		Driver: "sqlite",
		URL:    filepath.Join(t.TempDir(), "courier.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	if _, err := pool.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return pool
}
