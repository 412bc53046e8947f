package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"strings"
	"testing"

	reliability "github.com/goliatone/go-webhook-reliability"
	_ "github.com/mattn/go-sqlite3"
)

func TestFilesystems_ReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}

	var postgresFound bool
	var sqliteFound bool
	for _, entry := range filesystems {
		matches, globErr := fs.Glob(entry.FS, "*.up.sql")
		if globErr != nil {
			t.Fatalf("glob %s: %v", entry.Dialect, globErr)
		}
		if len(matches) == 0 {
			t.Fatalf("expected %s migration files, got none", entry.Dialect)
		}
		switch entry.Dialect {
		case DialectPostgres:
			postgresFound = true
		case DialectSQLite:
			sqliteFound = true
		}
	}

	if !postgresFound {
		t.Fatalf("expected postgres filesystem")
	}
	if !sqliteFound {
		t.Fatalf("expected sqlite filesystem")
	}
}

func TestRegister_UsesValidationTargets(t *testing.T) {
	var calls []string
	_, err := Register(context.Background(), func(_ context.Context, dialect string, _ string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}, WithValidationTargets(DialectSQLite))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("expected 1 registration call, got %d", len(calls))
	}
	if calls[0] != DialectSQLite {
		t.Fatalf("expected sqlite registration, got %q", calls[0])
	}
}

func TestRegister_UsesSourceLabelOption(t *testing.T) {
	var label string
	_, err := Register(context.Background(), func(_ context.Context, _ string, sourceLabel string, _ fs.FS) error {
		label = sourceLabel
		return nil
	}, WithValidationTargets(DialectSQLite), WithDialectSourceLabel("custom-label"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if label != "custom-label" {
		t.Fatalf("expected custom source label, got %q", label)
	}
}

func TestReliabilityTablesMigrationPair_ExistsForBothDialects(t *testing.T) {
	root := reliability.GetCoreMigrationsFS()
	paths := []string{
		"data/sql/migrations/20250901000001_create_webhook_reliability_tables.up.sql",
		"data/sql/migrations/20250901000001_create_webhook_reliability_tables.down.sql",
		"data/sql/migrations/sqlite/20250901000001_create_webhook_reliability_tables.up.sql",
		"data/sql/migrations/sqlite/20250901000001_create_webhook_reliability_tables.down.sql",
	}
	for _, migrationPath := range paths {
		content, err := fs.ReadFile(root, migrationPath)
		if err != nil {
			t.Fatalf("read migration %s: %v", migrationPath, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			t.Fatalf("expected migration %s to have SQL content", migrationPath)
		}
	}
}

func TestSQLiteReliabilityTablesMigration_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-reliability-tables?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	root := reliability.GetCoreMigrationsFS()
	sqliteMigrations, err := fs.Sub(root, "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}

	ctx := context.Background()
	if err := execSQLMigration(ctx, db, sqliteMigrations, "20250901000001_create_webhook_reliability_tables.up.sql"); err != nil {
		t.Fatalf("apply migration up: %v", err)
	}

	for _, table := range []string{
		"webhook_idempotency_records",
		"webhook_delivery_tracking",
		"webhook_dead_letter_tasks",
	} {
		var name string
		err := db.QueryRowContext(
			ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}

	insert := `
		INSERT INTO webhook_delivery_tracking (
			id, webhook_id, first_attempted_at, last_attempted_at
		) VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`
	if _, err := db.ExecContext(ctx, insert, "row-1", "wh-1"); err != nil {
		t.Fatalf("insert delivery row: %v", err)
	}
	if _, err := db.ExecContext(ctx, insert, "row-2", "wh-1"); err == nil {
		t.Fatalf("expected unique webhook_id violation")
	}

	if err := execSQLMigration(ctx, db, sqliteMigrations, "20250901000001_create_webhook_reliability_tables.down.sql"); err != nil {
		t.Fatalf("apply migration down: %v", err)
	}

	var remaining int
	err = db.QueryRowContext(
		ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'webhook_%'",
	).Scan(&remaining)
	if err != nil {
		t.Fatalf("count remaining tables: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected no webhook tables after rollback, got %d", remaining)
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, name string) error {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	for _, statement := range strings.Split(string(content), ";") {
		statement = strings.TrimSpace(statement)
		if statement == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}
