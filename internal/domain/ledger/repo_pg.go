package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

const itemCols = `id, encounter_id, partner_id, product_id, quantity, unit_price, discount,
	description, patient_id, practitioner_id, commission_pct, notes, state,
	claim_id, claim_owner, claimed_at, claim_expires_at, order_line_id, processed_at,
	release_count, last_released_at, created_at, updated_at`

// releaseSet clears the claim columns; $2 is the release time.
const releaseSet = `state = 'pending', claim_id = NULL, claim_owner = '', claimed_at = NULL,
	claim_expires_at = NULL, release_count = release_count + 1, last_released_at = $2, updated_at = $2`

func (r *repoPG) Create(ctx context.Context, it *Item) error {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	it.UpdatedAt = it.CreatedAt
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO pending_item (
			id, encounter_id, partner_id, product_id, quantity, unit_price, discount,
			description, patient_id, practitioner_id, commission_pct, notes, state,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		it.ID, it.EncounterID, it.PartnerID, it.ProductID, it.Quantity, it.UnitPrice, it.Discount,
		it.Description, it.PatientID, it.PractitionerID, it.CommissionPct, it.Notes, it.State,
		it.CreatedAt, it.UpdatedAt,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Item, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM pending_item WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, f Filter) ([]*Item, error) {
	var (
		where []string
		args  []any
	)
	if f.PartnerID != nil {
		args = append(args, *f.PartnerID)
		where = append(where, fmt.Sprintf("partner_id = $%d", len(args)))
	}
	if f.EncounterID != nil {
		args = append(args, *f.EncounterID)
		where = append(where, fmt.Sprintf("encounter_id = $%d", len(args)))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		args = append(args, states)
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+` FROM pending_item`+clause+` ORDER BY created_at, seq`, args...)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (r *repoPG) Claim(ctx context.Context, tok ClaimToken) (*Item, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `
		UPDATE pending_item SET
			state = 'claimed', claim_id = $2, claim_owner = $3,
			claimed_at = $4, claim_expires_at = $5, updated_at = $4
		WHERE id = $1
			AND (state = 'pending' OR (state = 'claimed' AND claim_expires_at < $4))
		RETURNING `+itemCols,
		tok.ItemID, tok.ClaimID, tok.Owner, tok.IssuedAt, tok.ExpiresAt(),
	))
	if !errors.Is(err, ErrItemNotFound) {
		return it, err
	}
	cur, err := r.GetByID(ctx, tok.ItemID)
	if err != nil {
		return nil, err
	}
	if err := checkClaim(cur, tok.IssuedAt); err != nil {
		return nil, err
	}
	// The row changed between the update and the read; the other writer won.
	return nil, ErrAlreadyClaimed
}

func (r *repoPG) Commit(ctx context.Context, tok ClaimToken, lineID *uuid.UUID, now time.Time) (*Item, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `
		UPDATE pending_item SET
			state = 'processed', order_line_id = $5, processed_at = $4, updated_at = $4
		WHERE id = $1 AND state = 'claimed' AND claim_id = $2 AND claim_owner = $3
			AND claim_expires_at >= $4
		RETURNING `+itemCols,
		tok.ItemID, tok.ClaimID, tok.Owner, now, lineID,
	))
	if !errors.Is(err, ErrItemNotFound) {
		return it, err
	}
	cur, err := r.GetByID(ctx, tok.ItemID)
	if err != nil {
		return nil, err
	}
	done, err := checkCommit(cur, tok, now)
	if err != nil {
		return nil, err
	}
	if done {
		return cur, nil
	}
	return nil, ErrClaimExpired
}

func (r *repoPG) Release(ctx context.Context, tok ClaimToken, now time.Time) (*Item, bool, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `
		UPDATE pending_item SET `+releaseSet+`
		WHERE id = $1 AND state = 'claimed' AND claim_id = $3 AND claim_owner = $4
		RETURNING `+itemCols,
		tok.ItemID, now, tok.ClaimID, tok.Owner,
	))
	if err == nil {
		return it, true, nil
	}
	if !errors.Is(err, ErrItemNotFound) {
		return nil, false, err
	}
	cur, err := r.GetByID(ctx, tok.ItemID)
	if err != nil {
		return nil, false, err
	}
	if _, err := checkRelease(cur, tok); err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

func (r *repoPG) ReleaseOwner(ctx context.Context, owner string, now time.Time) ([]*Item, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE pending_item SET `+releaseSet+`
		WHERE state = 'claimed' AND claim_owner = $1
		RETURNING `+itemCols,
		owner, now,
	)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (r *repoPG) ReleaseExpired(ctx context.Context, now time.Time) ([]*Item, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE pending_item SET `+releaseSet+`
		WHERE state = 'claimed' AND claim_expires_at < $1
		RETURNING `+itemCols,
		now, now,
	)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (r *repoPG) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*Item, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `
		UPDATE pending_item SET
			state = 'cancelled', claim_id = NULL, claim_owner = '', claimed_at = NULL,
			claim_expires_at = NULL, updated_at = $2
		WHERE id = $1
			AND (state = 'pending' OR (state = 'claimed' AND claim_expires_at < $2))
		RETURNING `+itemCols,
		id, now,
	))
	if !errors.Is(err, ErrItemNotFound) {
		return it, err
	}
	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	done, err := checkCancel(cur, now)
	if err != nil {
		return nil, err
	}
	if done {
		return cur, nil
	}
	return nil, ErrAlreadyClaimed
}

func (r *repoPG) Reset(ctx context.Context, id uuid.UUID, now time.Time) (*Item, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `
		UPDATE pending_item SET state = 'pending', updated_at = $2
		WHERE id = $1 AND state = 'cancelled'
		RETURNING `+itemCols,
		id, now,
	))
	if !errors.Is(err, ErrItemNotFound) {
		return it, err
	}
	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := checkReset(cur); err != nil {
		return nil, err
	}
	return cur, nil
}

func collectItems(rows pgx.Rows) ([]*Item, error) {
	defer rows.Close()
	items := []*Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(
		&it.ID, &it.EncounterID, &it.PartnerID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.Discount,
		&it.Description, &it.PatientID, &it.PractitionerID, &it.CommissionPct, &it.Notes, &it.State,
		&it.ClaimID, &it.ClaimOwner, &it.ClaimedAt, &it.ClaimExpiresAt, &it.OrderLineID, &it.ProcessedAt,
		&it.ReleaseCount, &it.LastReleasedAt, &it.CreatedAt, &it.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}
