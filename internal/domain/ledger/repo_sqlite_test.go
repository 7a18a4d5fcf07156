package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/clinicpos/clinicpos/internal/platform/db"
)

func TestLedger_SQLite(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) Repository {
		sqlDB, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "pos.db"), SQLiteSchema)
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		t.Cleanup(func() { sqlDB.Close() })
		return NewSQLiteRepo(sqlDB)
	})
}
