package encounter

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

const encCols = `id, status, partner_id, patient_ids, practitioner_id, room_id,
	start_at, stop_at, check_in_at, check_out_at, notes, active, version_id,
	created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, enc *Encounter) error {
	enc.ID = uuid.New()
	enc.VersionID = 1
	if enc.PatientIDs == nil {
		enc.PatientIDs = []uuid.UUID{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter (
			id, status, partner_id, patient_ids, practitioner_id, room_id,
			start_at, stop_at, notes, active, version_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		enc.ID, enc.Status, enc.PartnerID, enc.PatientIDs, enc.PractitionerID, enc.RoomID,
		enc.Start, enc.Stop, enc.Notes, enc.Active, enc.VersionID,
	).Scan(&enc.CreatedAt, &enc.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return scanEnc(r.conn(ctx).QueryRow(ctx, `SELECT `+encCols+` FROM encounter WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Encounter, int, error) {
	var (
		where []string
		args  []any
	)
	if f.PartnerID != nil {
		args = append(args, *f.PartnerID)
		where = append(where, fmt.Sprintf("partner_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM encounter`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+encCols+` FROM encounter`+clause+
			fmt.Sprintf(` ORDER BY start_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	encs, err := collectEncs(rows)
	return encs, total, err
}

func (r *repoPG) SetPatients(ctx context.Context, id uuid.UUID, patientIDs []uuid.UUID) (*Encounter, error) {
	if patientIDs == nil {
		patientIDs = []uuid.UUID{}
	}
	enc, err := scanEnc(r.conn(ctx).QueryRow(ctx, `
		UPDATE encounter SET patient_ids = $2, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND (cardinality($2::uuid[]) > 0 OR NOT (status = ANY($3)))
		RETURNING `+encCols,
		id, patientIDs, patientRequiredStatuses(),
	))
	if errors.Is(err, ErrNotFound) {
		cur, gerr := r.GetByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, checkPatients(cur, patientIDs)
	}
	return enc, err
}

func (r *repoPG) CompareAndSetStatus(ctx context.Context, id uuid.UUID, t Transition) (*Encounter, error) {
	var enc *Encounter
	err := db.InTx(ctx, r.conn(ctx), func(tx pgx.Tx) error {
		var err error
		enc, err = scanEnc(tx.QueryRow(ctx, `
			UPDATE encounter SET
				status = $3,
				check_in_at = CASE WHEN $3 = 'checked_in' THEN $4 ELSE check_in_at END,
				check_out_at = CASE WHEN $3 = 'completed' THEN $4 ELSE check_out_at END,
				version_id = version_id + 1,
				updated_at = $4
			WHERE id = $1 AND status = $2 AND active
				AND (NOT $5::bool OR cardinality(patient_ids) > 0)
			RETURNING `+encCols,
			id, t.From, t.To, t.At, t.To.RequiresPatients(),
		))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO encounter_status_change (id, encounter_id, from_status, to_status, changed_at)
			VALUES ($1,$2,$3,$4,$5)`,
			uuid.New(), id, t.From, t.To, t.At,
		)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		cur, gerr := r.GetByID(ctx, id)
		if gerr != nil && !errors.Is(gerr, ErrNotFound) {
			return nil, gerr
		}
		if cerr := classifyTransition(cur, t); cerr != nil {
			return nil, cerr
		}
		return nil, ErrStatusConflict
	}
	return enc, err
}

func (r *repoPG) Archive(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return scanEnc(r.conn(ctx).QueryRow(ctx, `
		UPDATE encounter SET
			version_id = CASE WHEN active THEN version_id + 1 ELSE version_id END,
			updated_at = CASE WHEN active THEN NOW() ELSE updated_at END,
			active = FALSE
		WHERE id = $1
		RETURNING `+encCols, id))
}

func (r *repoPG) GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, encounter_id, from_status, to_status, changed_at
		FROM encounter_status_change WHERE encounter_id = $1 ORDER BY changed_at, id`, encounterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*StatusChange
	for rows.Next() {
		var sc StatusChange
		if err := rows.Scan(&sc.ID, &sc.EncounterID, &sc.From, &sc.To, &sc.ChangedAt); err != nil {
			return nil, err
		}
		history = append(history, &sc)
	}
	return history, rows.Err()
}

func patientRequiredStatuses() []string {
	var out []string
	for s := range statusTable {
		if s.RequiresPatients() {
			out = append(out, string(s))
		}
	}
	return out
}

func scanEnc(row pgx.Row) (*Encounter, error) {
	var e Encounter
	err := row.Scan(
		&e.ID, &e.Status, &e.PartnerID, &e.PatientIDs, &e.PractitionerID, &e.RoomID,
		&e.Start, &e.Stop, &e.CheckInAt, &e.CheckOutAt, &e.Notes, &e.Active, &e.VersionID,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEncs(rows pgx.Rows) ([]*Encounter, error) {
	encs := []*Encounter{}
	for rows.Next() {
		e, err := scanEnc(rows)
		if err != nil {
			return nil, err
		}
		encs = append(encs, e)
	}
	return encs, rows.Err()
}
