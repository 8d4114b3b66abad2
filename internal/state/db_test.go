package state_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/flitsinc/agentruns/internal/state"
)

func TestOpenMigratesSchema(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"sessions", "session_items", "runs", "events"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}

	if err := state.Migrate(db); err != nil {
		t.Fatalf("second migrate should be a no-op: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err = state.WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sessions (id, owner_id, session_key, created_at) VALUES ('s1', 'o1', 'k1', '2026-01-01T00:00:00Z')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, found %d sessions", count)
	}
}

func TestIsBusyAndConstraint(t *testing.T) {
	if !state.IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatalf("expected busy error to be detected")
	}
	if state.IsBusy(errors.New("no such table")) {
		t.Fatalf("unexpected busy classification")
	}
	if !state.IsConstraint(errors.New("UNIQUE constraint failed: sessions.id (2067)")) {
		t.Fatalf("expected constraint error to be detected")
	}
}
