package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// OpenSQLite opens (creating if needed) the database at path and applies
// the given schema statements. WAL mode and a busy timeout let a single
// till run several writers without SQLITE_BUSY errors.
func OpenSQLite(ctx context.Context, path string, schema ...string) (*sql.DB, error) {
	if path == "" {
		path = "clinicpos.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return sqlDB, nil
}

// UnixNano stores times as integers so SQL comparisons order correctly.
func UnixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// FromUnixNano is the inverse of UnixNano.
func FromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// NullUnixNano converts an optional time.
func NullUnixNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: UnixNano(*t), Valid: true}
}

// FromNullUnixNano converts an optional stored time.
func FromNullUnixNano(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := FromUnixNano(n.Int64)
	return &t
}

// IsSQLiteUnique reports whether err is a UNIQUE constraint failure.
func IsSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// NullUUID converts an optional id for storage as TEXT.
func NullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

// ParseNullUUID is the inverse of NullUUID. Malformed values read as nil.
func ParseNullUUID(s sql.NullString) *uuid.UUID {
	if !s.Valid {
		return nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil
	}
	return &id
}
