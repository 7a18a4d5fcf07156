package checkout

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicpos/clinicpos/internal/platform/db"
)

const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS pos_order (
	id          TEXT PRIMARY KEY,
	partner_id  TEXT NOT NULL,
	terminal_id TEXT NOT NULL,
	state       TEXT NOT NULL DEFAULT 'open',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	closed_at   INTEGER
);
CREATE TABLE IF NOT EXISTS pos_order_line (
	id               TEXT PRIMARY KEY,
	order_id         TEXT NOT NULL REFERENCES pos_order(id),
	item_id          TEXT NOT NULL UNIQUE,
	encounter_id     TEXT NOT NULL,
	partner_id       TEXT NOT NULL,
	product_id       TEXT NOT NULL,
	product_code     TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	quantity         REAL NOT NULL,
	unit_price       REAL NOT NULL,
	discount         REAL NOT NULL DEFAULT 0,
	subtotal         REAL NOT NULL,
	patient_id       TEXT,
	practitioner_id  TEXT,
	commission_pct   REAL NOT NULL DEFAULT 0,
	partner_mismatch INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pos_order_line_order ON pos_order_line(order_id);
`

type repoSQLite struct {
	db *sql.DB
}

func NewSQLiteRepo(sqlDB *sql.DB) Repository {
	return &repoSQLite{db: sqlDB}
}

const lineColsLite = `id, order_id, item_id, encounter_id, partner_id, product_id, product_code,
	description, quantity, unit_price, discount, subtotal, patient_id, practitioner_id,
	commission_pct, partner_mismatch, created_at`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *repoSQLite) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Lines == nil {
		o.Lines = []*Line{}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pos_order (id, partner_id, terminal_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID.String(), o.PartnerID.String(), o.TerminalID, string(o.State),
		db.UnixNano(o.CreatedAt), db.UnixNano(o.UpdatedAt),
	)
	return err
}

func (r *repoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := orderLite(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+lineColsLite+` FROM pos_order_line WHERE order_id = ? ORDER BY rowid`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		l, err := scanLineLite(rows)
		if err != nil {
			return nil, err
		}
		o.Lines = append(o.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	o.total()
	return o, nil
}

func (r *repoSQLite) AppendLine(ctx context.Context, l *Line) (*Line, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	o, err := orderLite(ctx, tx, l.OrderID)
	if err != nil {
		return nil, err
	}
	existing, err := lineByItemLite(ctx, tx, l.ItemID)
	if err != nil {
		return nil, err
	}
	if got, err := checkAppend(o.ID, o.State, existing); err != nil || got != nil {
		return got, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pos_order_line (`+lineColsLite+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID.String(), l.OrderID.String(), l.ItemID.String(), l.EncounterID.String(), l.PartnerID.String(),
		l.ProductID.String(), l.ProductCode, l.Description, l.Quantity, l.UnitPrice, l.Discount, l.Subtotal,
		db.NullUUID(l.PatientID), db.NullUUID(l.PractitionerID), l.CommissionPct, l.PartnerMismatch,
		db.UnixNano(l.CreatedAt),
	)
	if db.IsSQLiteUnique(err) {
		existing, lerr := lineByItemLite(ctx, tx, l.ItemID)
		if lerr != nil || existing == nil {
			return nil, ErrDuplicateLine
		}
		return checkAppend(o.ID, StateOpen, existing)
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pos_order SET updated_at = ? WHERE id = ?`,
		db.UnixNano(l.CreatedAt), l.OrderID.String()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	cp := *l
	return &cp, nil
}

func (r *repoSQLite) RemoveLine(ctx context.Context, orderID, lineID uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	o, err := orderLite(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if o.State != StateOpen {
		return ErrOrderClosed
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pos_order_line WHERE id = ? AND order_id = ?`,
		lineID.String(), orderID.String()); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *repoSQLite) Close(ctx context.Context, id uuid.UUID, at time.Time) (*Order, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pos_order SET state = 'closed', closed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'open'`,
		db.UnixNano(at), db.UnixNano(at), id.String(),
	)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func orderLite(ctx context.Context, q rowQuerier, id uuid.UUID) (*Order, error) {
	var (
		rawID, partner, state string
		created, updated      int64
		closed                sql.NullInt64
	)
	o := Order{Lines: []*Line{}}
	err := q.QueryRowContext(ctx, `
		SELECT id, partner_id, terminal_id, state, created_at, updated_at, closed_at
		FROM pos_order WHERE id = ?`, id.String(),
	).Scan(&rawID, &partner, &o.TerminalID, &state, &created, &updated, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.ID, err = uuid.Parse(rawID); err != nil {
		return nil, err
	}
	if o.PartnerID, err = uuid.Parse(partner); err != nil {
		return nil, err
	}
	o.State = State(state)
	o.CreatedAt = db.FromUnixNano(created)
	o.UpdatedAt = db.FromUnixNano(updated)
	o.ClosedAt = db.FromNullUnixNano(closed)
	return &o, nil
}

func lineByItemLite(ctx context.Context, q rowQuerier, itemID uuid.UUID) (*Line, error) {
	l, err := scanLineLite(q.QueryRowContext(ctx, `SELECT `+lineColsLite+` FROM pos_order_line WHERE item_id = ?`, itemID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLineLite(row rowScanner) (*Line, error) {
	var (
		l                                      Line
		id, order, item, enc, partner, product string
		patient, practitioner                  sql.NullString
		created                                int64
	)
	err := row.Scan(
		&id, &order, &item, &enc, &partner, &product, &l.ProductCode,
		&l.Description, &l.Quantity, &l.UnitPrice, &l.Discount, &l.Subtotal, &patient, &practitioner,
		&l.CommissionPct, &l.PartnerMismatch, &created,
	)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw string
		dst *uuid.UUID
	}{
		{id, &l.ID}, {order, &l.OrderID}, {item, &l.ItemID},
		{enc, &l.EncounterID}, {partner, &l.PartnerID}, {product, &l.ProductID},
	} {
		if *f.dst, err = uuid.Parse(f.raw); err != nil {
			return nil, err
		}
	}
	l.PatientID = db.ParseNullUUID(patient)
	l.PractitionerID = db.ParseNullUUID(practitioner)
	l.CreatedAt = db.FromUnixNano(created)
	return &l, nil
}
