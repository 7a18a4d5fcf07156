package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicpos/clinicpos/internal/platform/db"
)

const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS pending_item (
	id               TEXT PRIMARY KEY,
	encounter_id     TEXT NOT NULL,
	partner_id       TEXT NOT NULL,
	product_id       TEXT NOT NULL,
	quantity         REAL NOT NULL,
	unit_price       REAL NOT NULL,
	discount         REAL NOT NULL DEFAULT 0,
	description      TEXT NOT NULL DEFAULT '',
	patient_id       TEXT,
	practitioner_id  TEXT,
	commission_pct   REAL NOT NULL DEFAULT 0,
	notes            TEXT,
	state            TEXT NOT NULL DEFAULT 'pending',
	claim_id         TEXT,
	claim_owner      TEXT NOT NULL DEFAULT '',
	claimed_at       INTEGER,
	claim_expires_at INTEGER,
	order_line_id    TEXT,
	processed_at     INTEGER,
	release_count    INTEGER NOT NULL DEFAULT 0,
	last_released_at INTEGER,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_item_encounter ON pending_item(encounter_id, state);
CREATE INDEX IF NOT EXISTS idx_pending_item_partner ON pending_item(partner_id, state);
`

type repoSQLite struct {
	db *sql.DB
}

func NewSQLiteRepo(sqlDB *sql.DB) Repository {
	return &repoSQLite{db: sqlDB}
}

const itemColsLite = `id, encounter_id, partner_id, product_id, quantity, unit_price, discount,
	description, patient_id, practitioner_id, commission_pct, notes, state,
	claim_id, claim_owner, claimed_at, claim_expires_at, order_line_id, processed_at,
	release_count, last_released_at, created_at, updated_at`

func (r *repoSQLite) Create(ctx context.Context, it *Item) error {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	it.UpdatedAt = it.CreatedAt
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_item (
			id, encounter_id, partner_id, product_id, quantity, unit_price, discount,
			description, patient_id, practitioner_id, commission_pct, notes, state,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID.String(), it.EncounterID.String(), it.PartnerID.String(), it.ProductID.String(),
		it.Quantity, it.UnitPrice, it.Discount, it.Description,
		db.NullUUID(it.PatientID), db.NullUUID(it.PractitionerID), it.CommissionPct, it.Notes, string(it.State),
		db.UnixNano(it.CreatedAt), db.UnixNano(it.UpdatedAt),
	)
	return err
}

func (r *repoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Item, error) {
	return scanItemLite(r.db.QueryRowContext(ctx, `SELECT `+itemColsLite+` FROM pending_item WHERE id = ?`, id.String()))
}

func (r *repoSQLite) List(ctx context.Context, f Filter) ([]*Item, error) {
	return r.list(ctx, r.db, f)
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *repoSQLite) list(ctx context.Context, q sqlQuerier, f Filter) ([]*Item, error) {
	var (
		where []string
		args  []any
	)
	if f.PartnerID != nil {
		where = append(where, "partner_id = ?")
		args = append(args, f.PartnerID.String())
	}
	if f.EncounterID != nil {
		where = append(where, "encounter_id = ?")
		args = append(args, f.EncounterID.String())
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, fmt.Sprintf("state IN (%s)", strings.Join(marks, ",")))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := q.QueryContext(ctx, `SELECT `+itemColsLite+` FROM pending_item`+clause+` ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*Item{}
	for rows.Next() {
		it, err := scanItemLite(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *repoSQLite) Claim(ctx context.Context, tok ClaimToken) (*Item, error) {
	return r.mutate(ctx, tok.ItemID, func(it *Item) (bool, error) {
		if err := checkClaim(it, tok.IssuedAt); err != nil {
			return false, err
		}
		applyClaim(it, tok)
		return true, nil
	})
}

func (r *repoSQLite) Commit(ctx context.Context, tok ClaimToken, lineID *uuid.UUID, now time.Time) (*Item, error) {
	return r.mutate(ctx, tok.ItemID, func(it *Item) (bool, error) {
		done, err := checkCommit(it, tok, now)
		if err != nil || done {
			return false, err
		}
		applyCommit(it, lineID, now)
		return true, nil
	})
}

func (r *repoSQLite) Release(ctx context.Context, tok ClaimToken, now time.Time) (*Item, bool, error) {
	var released bool
	it, err := r.mutate(ctx, tok.ItemID, func(it *Item) (bool, error) {
		apply, err := checkRelease(it, tok)
		if err != nil || !apply {
			return false, err
		}
		applyRelease(it, now)
		released = true
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	return it, released, nil
}

func (r *repoSQLite) ReleaseOwner(ctx context.Context, owner string, now time.Time) ([]*Item, error) {
	return r.releaseWhere(ctx, now, func(it *Item) bool {
		return it.ClaimOwner == owner
	})
}

func (r *repoSQLite) ReleaseExpired(ctx context.Context, now time.Time) ([]*Item, error) {
	return r.releaseWhere(ctx, now, func(it *Item) bool {
		return !it.ClaimLive(now)
	})
}

func (r *repoSQLite) releaseWhere(ctx context.Context, now time.Time, match func(*Item) bool) ([]*Item, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	claimed, err := r.list(ctx, tx, Filter{States: []State{StateClaimed}})
	if err != nil {
		return nil, err
	}
	released := []*Item{}
	for _, it := range claimed {
		if !match(it) {
			continue
		}
		prev := *it
		applyRelease(it, now)
		if err := writeItem(ctx, tx, it, &prev); err != nil {
			return nil, err
		}
		released = append(released, it)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return released, nil
}

func (r *repoSQLite) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*Item, error) {
	return r.mutate(ctx, id, func(it *Item) (bool, error) {
		done, err := checkCancel(it, now)
		if err != nil || done {
			return false, err
		}
		applyCancel(it, now)
		return true, nil
	})
}

func (r *repoSQLite) Reset(ctx context.Context, id uuid.UUID, now time.Time) (*Item, error) {
	return r.mutate(ctx, id, func(it *Item) (bool, error) {
		apply, err := checkReset(it)
		if err != nil || !apply {
			return false, err
		}
		applyReset(it, now)
		return true, nil
	})
}

// mutate reads one item inside a write transaction and lets fn change it.
// fn reports whether the row must be written back.
func (r *repoSQLite) mutate(ctx context.Context, id uuid.UUID, fn func(*Item) (bool, error)) (*Item, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	it, err := scanItemLite(tx.QueryRowContext(ctx, `SELECT `+itemColsLite+` FROM pending_item WHERE id = ?`, id.String()))
	if err != nil {
		return nil, err
	}
	prev := *it
	write, err := fn(it)
	if err != nil {
		return nil, err
	}
	if write {
		if err := writeItem(ctx, tx, it, &prev); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return it, nil
}

// writeItem stores the mutable columns of it, guarded by the state and
// claim id it was read with.
func writeItem(ctx context.Context, tx *sql.Tx, it, prev *Item) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE pending_item SET
			state = ?, claim_id = ?, claim_owner = ?, claimed_at = ?, claim_expires_at = ?,
			order_line_id = ?, processed_at = ?, release_count = ?, last_released_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND IFNULL(claim_id, '') = ?`,
		string(it.State), db.NullUUID(it.ClaimID), it.ClaimOwner,
		db.NullUnixNano(it.ClaimedAt), db.NullUnixNano(it.ClaimExpiresAt),
		db.NullUUID(it.OrderLineID), db.NullUnixNano(it.ProcessedAt),
		it.ReleaseCount, db.NullUnixNano(it.LastReleasedAt), db.UnixNano(it.UpdatedAt),
		it.ID.String(), string(prev.State), db.NullUUID(prev.ClaimID).String,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrAlreadyClaimed
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItemLite(row rowScanner) (*Item, error) {
	var (
		it                                         Item
		id, encounterID, partnerID, productID      string
		state                                      string
		patientID, practitionerID, claimID, lineID sql.NullString
		claimedAt, expiresAt, processedAt, relAt   sql.NullInt64
		createdAt, updatedAt                       int64
	)
	err := row.Scan(
		&id, &encounterID, &partnerID, &productID, &it.Quantity, &it.UnitPrice, &it.Discount,
		&it.Description, &patientID, &practitionerID, &it.CommissionPct, &it.Notes, &state,
		&claimID, &it.ClaimOwner, &claimedAt, &expiresAt, &lineID, &processedAt,
		&it.ReleaseCount, &relAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	for _, p := range []struct {
		dst *uuid.UUID
		src string
	}{{&it.ID, id}, {&it.EncounterID, encounterID}, {&it.PartnerID, partnerID}, {&it.ProductID, productID}} {
		if *p.dst, err = uuid.Parse(p.src); err != nil {
			return nil, err
		}
	}
	it.State = State(state)
	it.PatientID = db.ParseNullUUID(patientID)
	it.PractitionerID = db.ParseNullUUID(practitionerID)
	it.ClaimID = db.ParseNullUUID(claimID)
	it.OrderLineID = db.ParseNullUUID(lineID)
	it.ClaimedAt = db.FromNullUnixNano(claimedAt)
	it.ClaimExpiresAt = db.FromNullUnixNano(expiresAt)
	it.ProcessedAt = db.FromNullUnixNano(processedAt)
	it.LastReleasedAt = db.FromNullUnixNano(relAt)
	it.CreatedAt = db.FromUnixNano(createdAt)
	it.UpdatedAt = db.FromUnixNano(updatedAt)
	return &it, nil
}
