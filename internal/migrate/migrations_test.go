package migrate

import (
	"context"
	"testing"

	"sitesync/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	v1, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if v1 < 1 {
		t.Fatalf("expected schema version >= 1, got %d", v1)
	}
	v2, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if v1 != v2 {
		t.Fatalf("version changed on re-run: %d -> %d", v1, v2)
	}
	for _, table := range []string{"sync_ledger", "attendance", "material_requests", "dprs", "location_tracks", "events", "actor_roles"} {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
