// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, Migrations)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestUp_embedded verifies the shipped migrations apply in order.
func TestUp_embedded(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, Migrations)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 || applied[0].Description != "initial_schema" || len(applied[0].Checksum) != 64 {
		t.Errorf("unexpected applied migrations: %+v", applied)
	}

	for _, index := range []string{"idx_occurrences_state_id", "idx_occurrences_route", "idx_occurrences_route_state"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&name); err != nil {
			t.Errorf("index %s missing: %v", index, err)
		}
	}
}

// TestUp_idempotent verifies running Up twice is a no-op.
func TestUp_idempotent(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, Migrations)
	m.Initialize()
	if err := m.Up(); err != nil {
		t.Fatalf("first Up() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}
	var n int
	db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n)
	if n != 2 {
		t.Errorf("schema_migrations rows = %d, want 2", n)
	}
}

// TestUp_partiallyApplied verifies a migration whose column already exists
// is re-runnable.
func TestUp_partiallyApplied(t *testing.T) {
	db := openRaw(t)
	fsys := fstest.MapFS{
		"migrations/V1__base.up.sql":  {Data: []byte("CREATE TABLE IF NOT EXISTS items (id INTEGER PRIMARY KEY);")},
		"migrations/V2__extra.up.sql": {Data: []byte("-- add a note column\nALTER TABLE items ADD COLUMN note TEXT NOT NULL DEFAULT '';\nCREATE INDEX IF NOT EXISTS idx_items_note ON items(note);")},
	}
	m := NewMigrator(db, fsys)
	m.Initialize()

	// Simulate a crash after V2's ALTER ran but before it was recorded.
	if _, err := db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, note TEXT NOT NULL DEFAULT '')"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() over partially applied schema failed: %v", err)
	}
	version, _ := m.CurrentVersion()
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}
}

// TestUp_badSQL verifies failures are reported and nothing is recorded.
func TestUp_badSQL(t *testing.T) {
	db := openRaw(t)
	fsys := fstest.MapFS{
		"migrations/V1__broken.up.sql": {Data: []byte("CREATE TABLE (;")},
		"migrations/README.md":         {Data: []byte("ignored")},
	}
	m := NewMigrator(db, fsys)
	m.Initialize()

	if err := m.Up(); err == nil {
		t.Fatal("Up() should fail on invalid SQL")
	}
	version, _ := m.CurrentVersion()
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestSplitStatements verifies comment stripping and splitting.
func TestSplitStatements(t *testing.T) {
	got := splitStatements("-- header\nCREATE TABLE a (x);\n\n  -- note\nCREATE INDEX i ON a(x);\n")
	if len(got) != 2 {
		t.Fatalf("splitStatements() = %q, want 2 statements", got)
	}
	if got[0] != "CREATE TABLE a (x)" {
		t.Errorf("first statement = %q", got[0])
	}
}
