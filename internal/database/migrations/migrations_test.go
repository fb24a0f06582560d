package migrations

import (
	"database/sql"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrationLifecycle(t *testing.T) {
	db := openTestDB(t)

	err := CheckDBMigrationStatus(db)
	if err == nil || !strings.Contains(err.Error(), "needs migration") {
		t.Fatalf("status of empty db = %v, want needs migration", err)
	}
	if _, _, err := Version(db); err == nil {
		t.Error("Version() of empty db succeeded")
	}

	for i := range 2 {
		if err := MigrateUp(db); err != nil {
			t.Fatalf("MigrateUp() pass %d: %v", i+1, err)
		}
	}
	if err := CheckDBMigrationStatus(db); err != nil {
		t.Errorf("status after migrating = %v", err)
	}
	version, latest, err := Version(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != 2 || latest != 2 {
		t.Errorf("Version() = %d/%d, want 2/2", version, latest)
	}

	for _, table := range []string{"blobs", "snapshots", "branches", "workspace_state", "operations", "merge_state", "merge_conflicts"} {
		var n int
		if err := db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n); err != nil || n != 1 {
			t.Errorf("table %s missing (err=%v)", table, err)
		}
	}
}

func TestSchemaConstraints(t *testing.T) {
	tests := []struct {
		name  string
		setup string
		bad   string
	}{
		{
			name: "branch must point at a stored snapshot",
			bad:  `INSERT INTO branches (name, snapshot_id, updated_at) VALUES ('main', 'nope', '2024-01-15T10:30:00Z')`,
		},
		{
			name:  "blob hash is unique",
			setup: `INSERT INTO blobs (hash, content, size, created_at) VALUES ('abc123', x'00', 1, '2024-01-15T10:30:00Z')`,
			bad:   `INSERT INTO blobs (hash, content, size, created_at) VALUES ('abc123', x'01', 1, '2024-01-15T10:30:00Z')`,
		},
		{
			name: "only one merge can be in progress",
			bad: `INSERT INTO merge_state (id, branch, ours_id, theirs_id, base_id, tree, started_at)
				VALUES (2, 'b', 'o', 't', 'x', '[]', '2024-01-15T10:30:00Z')`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			if err := MigrateUp(db); err != nil {
				t.Fatal(err)
			}
			if tt.setup != "" {
				if _, err := db.Exec(tt.setup); err != nil {
					t.Fatalf("setup: %v", err)
				}
			}
			if _, err := db.Exec(tt.bad); err == nil {
				t.Error("insert succeeded, want constraint violation")
			}
		})
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
