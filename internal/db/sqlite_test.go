package db_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/parisxmas/oxiwarehouse/internal/db"
)

func TestMigrateSQLiteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer conn.Close()

	n, err := db.MigrateSQLite(ctx, conn)
	if err != nil {
		t.Fatalf("MigrateSQLite: %v", err)
	}
	if n == 0 {
		t.Fatal("expected migrations to run on a fresh database")
	}
	n, err = db.MigrateSQLite(ctx, conn)
	if err != nil {
		t.Fatalf("MigrateSQLite again: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no pending migrations, got %d", n)
	}

	var count int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(1) FROM submissions").Scan(&count); err != nil {
		t.Fatalf("query submissions: %v", err)
	}
}
