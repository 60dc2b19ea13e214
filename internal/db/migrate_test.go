package db_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/BrandonDHaskell/voucher-bypass/internal/db"
)

func TestOpen_AppliesMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	conn, err := db.Open(ctx, db.Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn.Close()

	// Reopening must not re-apply anything.
	conn, err = db.Open(ctx, db.Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer conn.Close()

	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 applied migration, got %d", n)
	}
	if v, err := db.SchemaVersion(ctx, conn); err != nil || v != 1 {
		t.Errorf("SchemaVersion = %d, %v; want 1", v, err)
	}

	for _, table := range []string{"bindings", "store_meta", "run_log"} {
		var name string
		err := conn.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestWorker_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	w := db.NewWorker(conn)
	defer w.Close()

	boom := errors.New("boom")
	err = w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO store_meta(key, value) VALUES ('k', 'v')`,
		); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM store_meta`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected rollback, found %d rows", n)
	}
}

func TestWorker_DoAfterClose(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	w := db.NewWorker(conn)
	w.Close()
	w.Close()

	err = w.Do(ctx, func(context.Context, *sql.Tx) error { return nil })
	if !errors.Is(err, db.ErrWorkerClosed) {
		t.Fatalf("expected ErrWorkerClosed, got %v", err)
	}
}
