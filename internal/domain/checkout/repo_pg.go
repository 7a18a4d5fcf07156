package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicpos/clinicpos/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const orderCols = `id, partner_id, terminal_id, state, created_at, updated_at, closed_at`

const lineCols = `id, order_id, item_id, encounter_id, partner_id, product_id, product_code,
	description, quantity, unit_price, discount, subtotal, patient_id, practitioner_id,
	commission_pct, partner_mismatch, created_at`

func (r *repoPG) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Lines == nil {
		o.Lines = []*Line{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO pos_order (id, partner_id, terminal_id, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.PartnerID, o.TerminalID, o.State, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	q := r.conn(ctx)
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderCols+` FROM pos_order WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `SELECT `+lineCols+` FROM pos_order_line WHERE order_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		l, err := scanLine(rows)
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

func (r *repoPG) AppendLine(ctx context.Context, l *Line) (*Line, error) {
	var out *Line
	err := db.InTx(ctx, r.conn(ctx), func(tx pgx.Tx) error {
		var state State
		err := tx.QueryRow(ctx, `SELECT state FROM pos_order WHERE id = $1 FOR UPDATE`, l.OrderID).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		existing, err := lineByItem(ctx, tx, l.ItemID)
		if err != nil {
			return err
		}
		if out, err = checkAppend(l.OrderID, state, existing); err != nil || out != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO pos_order_line (`+lineCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			l.ID, l.OrderID, l.ItemID, l.EncounterID, l.PartnerID, l.ProductID, l.ProductCode,
			l.Description, l.Quantity, l.UnitPrice, l.Discount, l.Subtotal, l.PatientID, l.PractitionerID,
			l.CommissionPct, l.PartnerMismatch, l.CreatedAt,
		)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE pos_order SET updated_at = $2 WHERE id = $1`, l.OrderID, l.CreatedAt); err != nil {
			return err
		}
		cp := *l
		out = &cp
		return nil
	})
	if db.IsUniqueViolation(err) {
		// Another order took the item between our read and insert.
		existing, rerr := lineByItem(ctx, r.conn(ctx), l.ItemID)
		if rerr != nil {
			return nil, rerr
		}
		return checkAppend(l.OrderID, StateOpen, existing)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repoPG) RemoveLine(ctx context.Context, orderID, lineID uuid.UUID) error {
	return db.InTx(ctx, r.conn(ctx), func(tx pgx.Tx) error {
		var state State
		err := tx.QueryRow(ctx, `SELECT state FROM pos_order WHERE id = $1 FOR UPDATE`, orderID).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if state != StateOpen {
			return ErrOrderClosed
		}
		_, err = tx.Exec(ctx, `DELETE FROM pos_order_line WHERE id = $1 AND order_id = $2`, lineID, orderID)
		return err
	})
}

func (r *repoPG) Close(ctx context.Context, id uuid.UUID, at time.Time) (*Order, error) {
	// Closing a closed order leaves it untouched; a missing one surfaces
	// from GetByID.
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE pos_order SET state = 'closed', closed_at = $2, updated_at = $2
		WHERE id = $1 AND state = 'open'`, id, at)
	if err != nil {
		return nil, fmt.Errorf("close order: %w", err)
	}
	return r.GetByID(ctx, id)
}

func lineByItem(ctx context.Context, q db.Querier, itemID uuid.UUID) (*Line, error) {
	l, err := scanLine(q.QueryRow(ctx, `SELECT `+lineCols+` FROM pos_order_line WHERE item_id = $1`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func scanOrder(row pgx.Row) (*Order, error) {
	o := Order{Lines: []*Line{}}
	err := row.Scan(&o.ID, &o.PartnerID, &o.TerminalID, &o.State, &o.CreatedAt, &o.UpdatedAt, &o.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanLine(row pgx.Row) (*Line, error) {
	var l Line
	err := row.Scan(
		&l.ID, &l.OrderID, &l.ItemID, &l.EncounterID, &l.PartnerID, &l.ProductID, &l.ProductCode,
		&l.Description, &l.Quantity, &l.UnitPrice, &l.Discount, &l.Subtotal, &l.PatientID, &l.PractitionerID,
		&l.CommissionPct, &l.PartnerMismatch, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
