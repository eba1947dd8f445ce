package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/s3ni0r/caravel/internal/metastore"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, _, err := metastore.Open(context.Background(), metastore.DBConfig{
		DSN: filepath.Join(t.TempDir(), "meta.db"),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRow(
		`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("check table %q: %v", name, err)
	}
	return count > 0
}

func indexExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRow(
		`SELECT COUNT(1) FROM sqlite_master WHERE type = 'index' AND name = ?`, name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("check index %q: %v", name, err)
	}
	return count > 0
}

func TestUpAppliesAllMigrations(t *testing.T) {
	db := openTestDB(t)
	runner := NewRunner(metastore.DialectSQLite)

	applied, err := runner.Up(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 4 {
		t.Fatalf("applied = %d, want 4", applied)
	}

	for _, table := range []string{"query", "query_job", "dbs"} {
		if !tableExists(t, db, table) {
			t.Fatalf("table %q missing after Up", table)
		}
	}
	if !indexExists(t, db, "idx_query_live_client") {
		t.Fatal("live-client unique index missing after Up")
	}
}

func TestUpIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	runner := NewRunner(metastore.DialectSQLite)

	if _, err := runner.Up(context.Background(), db, 0); err != nil {
		t.Fatalf("first Up() error = %v", err)
	}
	applied, err := runner.Up(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("second Up() error = %v", err)
	}
	if applied != 0 {
		t.Fatalf("second Up applied = %d, want 0", applied)
	}
}

func TestDownRollsBackLatestMigration(t *testing.T) {
	db := openTestDB(t)
	runner := NewRunner(metastore.DialectSQLite)

	if _, err := runner.Up(context.Background(), db, 0); err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	rolledBack, err := runner.Down(context.Background(), db, 2)
	if err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if rolledBack != 2 {
		t.Fatalf("rolledBack = %d, want 2", rolledBack)
	}
	if indexExists(t, db, "idx_query_live_client") {
		t.Fatal("live-client index should be dropped by Down")
	}
	if tableExists(t, db, "dbs") {
		t.Fatal("dbs table should be dropped by Down")
	}
	if !tableExists(t, db, "query") {
		t.Fatal("query table should survive the rollback")
	}
}

func TestUpInSteps(t *testing.T) {
	db := openTestDB(t)
	runner := NewRunner(metastore.DialectSQLite)

	applied, err := runner.Up(context.Background(), db, 1)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	if !tableExists(t, db, "query") || tableExists(t, db, "query_job") {
		t.Fatal("only the first migration should be applied")
	}
}
