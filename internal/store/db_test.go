package store

import (
	"testing"
)

func TestOpenAndMigrations(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Options{Driver: "sqlite", DataDir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var v int
	err = db.SQLDB().QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if v != 1 {
		t.Errorf("schema_version = %d, want 1", v)
	}

	// Re-open: idempotent, no error
	db2, err := Open(Options{Driver: "sqlite", DataDir: dir})
	if err != nil {
		t.Fatalf("Open again: %v", err)
	}
	defer db2.Close()
	err = db2.SQLDB().QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err != nil {
		t.Fatalf("read schema_version (second open): %v", err)
	}
	if v != 1 {
		t.Errorf("schema_version after re-open = %d, want 1", v)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open(Options{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	sqlite := &DB{driver: "sqlite"}
	pg := &DB{driver: "postgres"}

	q := "INSERT INTO t (a, b) VALUES (?, ?)"
	if got := sqlite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind changed query: %q", got)
	}
	want := "INSERT INTO t (a, b) VALUES ($1, $2)"
	if got := pg.Rebind(q); got != want {
		t.Errorf("postgres Rebind = %q, want %q", got, want)
	}
}

func TestTablesExist(t *testing.T) {
	db, err := Open(Options{Driver: "sqlite", DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"scheduled_jobs", "oauth_credentials", "executions", "activation_overrides"} {
		if _, err := db.SQLDB().Exec("SELECT COUNT(*) FROM " + table); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}
