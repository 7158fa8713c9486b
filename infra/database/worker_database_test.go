package database

import (
	"context"
	"strings"
	"testing"
)

func TestDialectFor(t *testing.T) {
	tests := []struct {
		url  string
		want Dialect
	}{
		{"postgres://u:p@localhost/mail", DialectPostgres},
		{"postgresql://localhost/mail", DialectPostgres},
		{"file:mailsync.db", DialectSQLite},
		{":memory:", DialectSQLite},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := DialectFor(tt.url); got != tt.want {
				t.Errorf("DialectFor(%q) = %v", tt.url, got)
			}
		})
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(schemaSQL)
	if len(stmts) < 10 {
		t.Fatalf("got %d statements", len(stmts))
	}
	for _, s := range stmts {
		if strings.HasPrefix(s, "--") || strings.HasSuffix(s, ";") {
			t.Errorf("statement not cleaned: %q", s)
		}
	}
}

func TestMigrate_SQLiteIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := NewSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, db); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}

	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'backfill_jobs'`); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("backfill_jobs table count = %d", n)
	}
}
