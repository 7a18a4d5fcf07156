package encounter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicpos/clinicpos/internal/platform/db"
)

// SQLiteSchema creates the encounter tables for single-till deployments.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS encounter (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	partner_id      TEXT NOT NULL,
	patient_ids     TEXT NOT NULL DEFAULT '[]',
	practitioner_id TEXT,
	room_id         TEXT,
	start_at        INTEGER NOT NULL,
	stop_at         INTEGER NOT NULL,
	check_in_at     INTEGER,
	check_out_at    INTEGER,
	notes           TEXT,
	active          INTEGER NOT NULL DEFAULT 1,
	version_id      INTEGER NOT NULL DEFAULT 1,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_encounter_partner ON encounter(partner_id);
CREATE TABLE IF NOT EXISTS encounter_status_change (
	id           TEXT PRIMARY KEY,
	encounter_id TEXT NOT NULL REFERENCES encounter(id),
	from_status  TEXT NOT NULL,
	to_status    TEXT NOT NULL,
	changed_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_encounter_status_change ON encounter_status_change(encounter_id, changed_at);
`

type repoSQLite struct {
	db *sql.DB
}

func NewSQLiteRepo(sqlDB *sql.DB) Repository {
	return &repoSQLite{db: sqlDB}
}

const encColsLite = `id, status, partner_id, patient_ids, practitioner_id, room_id,
	start_at, stop_at, check_in_at, check_out_at, notes, active, version_id,
	created_at, updated_at`

func (r *repoSQLite) Create(ctx context.Context, enc *Encounter) error {
	enc.ID = uuid.New()
	enc.VersionID = 1
	now := time.Now().UTC()
	enc.CreatedAt = now
	enc.UpdatedAt = now
	patients, err := json.Marshal(nonNil(enc.PatientIDs))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO encounter (
			id, status, partner_id, patient_ids, practitioner_id, room_id,
			start_at, stop_at, notes, active, version_id, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		enc.ID.String(), string(enc.Status), enc.PartnerID.String(), string(patients),
		db.NullUUID(enc.PractitionerID), db.NullUUID(enc.RoomID),
		db.UnixNano(enc.Start), db.UnixNano(enc.Stop), enc.Notes, enc.Active, enc.VersionID,
		db.UnixNano(now), db.UnixNano(now),
	)
	return err
}

func (r *repoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return scanEncLite(r.db.QueryRowContext(ctx, `SELECT `+encColsLite+` FROM encounter WHERE id = ?`, id.String()))
}

func (r *repoSQLite) List(ctx context.Context, f Filter, limit, offset int) ([]*Encounter, int, error) {
	var (
		where []string
		args  []any
	)
	if f.PartnerID != nil {
		where = append(where, "partner_id = ?")
		args = append(args, f.PartnerID.String())
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Active != nil {
		where = append(where, "active = ?")
		args = append(args, *f.Active)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM encounter`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+encColsLite+` FROM encounter`+clause+` ORDER BY start_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	encs := []*Encounter{}
	for rows.Next() {
		e, err := scanEncLite(rows)
		if err != nil {
			return nil, 0, err
		}
		encs = append(encs, e)
	}
	return encs, total, rows.Err()
}

func (r *repoSQLite) SetPatients(ctx context.Context, id uuid.UUID, patientIDs []uuid.UUID) (*Encounter, error) {
	return r.mutate(ctx, id, func(enc *Encounter) error {
		if err := checkPatients(enc, patientIDs); err != nil {
			return err
		}
		enc.PatientIDs = nonNil(patientIDs)
		enc.VersionID++
		enc.UpdatedAt = time.Now().UTC()
		return nil
	}, nil)
}

func (r *repoSQLite) CompareAndSetStatus(ctx context.Context, id uuid.UUID, t Transition) (*Encounter, error) {
	return r.mutate(ctx, id, func(enc *Encounter) error {
		if err := classifyTransition(enc, t); err != nil {
			return err
		}
		stamp(enc, t)
		return nil
	}, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO encounter_status_change (id, encounter_id, from_status, to_status, changed_at)
			VALUES (?,?,?,?,?)`,
			uuid.New().String(), id.String(), string(t.From), string(t.To), db.UnixNano(t.At))
		return err
	})
}

func (r *repoSQLite) Archive(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return r.mutate(ctx, id, func(enc *Encounter) error {
		if enc.Active {
			enc.Active = false
			enc.VersionID++
			enc.UpdatedAt = time.Now().UTC()
		}
		return nil
	}, nil)
}

// mutate reads, changes and writes one encounter inside a write
// transaction. The version check in the UPDATE makes the write a
// compare-and-set even if the connection limit is raised.
func (r *repoSQLite) mutate(ctx context.Context, id uuid.UUID, fn func(*Encounter) error, after func(*sql.Tx) error) (*Encounter, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	enc, err := scanEncLite(tx.QueryRowContext(ctx, `SELECT `+encColsLite+` FROM encounter WHERE id = ?`, id.String()))
	if err != nil {
		return nil, err
	}
	prevVersion := enc.VersionID
	if err := fn(enc); err != nil {
		return nil, err
	}
	patients, err := json.Marshal(nonNil(enc.PatientIDs))
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE encounter SET status = ?, patient_ids = ?, check_in_at = ?, check_out_at = ?,
			active = ?, version_id = ?, updated_at = ?
		WHERE id = ? AND version_id = ?`,
		string(enc.Status), string(patients), db.NullUnixNano(enc.CheckInAt), db.NullUnixNano(enc.CheckOutAt),
		enc.Active, enc.VersionID, db.UnixNano(enc.UpdatedAt), id.String(), prevVersion)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrStatusConflict
	}
	if after != nil {
		if err := after(tx); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return enc, nil
}

func (r *repoSQLite) GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, encounter_id, from_status, to_status, changed_at
		FROM encounter_status_change WHERE encounter_id = ? ORDER BY changed_at, rowid`, encounterID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []*StatusChange{}
	for rows.Next() {
		var (
			sc            StatusChange
			id, encID     string
			from, to      string
			changedAtNano int64
		)
		if err := rows.Scan(&id, &encID, &from, &to, &changedAtNano); err != nil {
			return nil, err
		}
		sc.ID, _ = uuid.Parse(id)
		sc.EncounterID, _ = uuid.Parse(encID)
		sc.From, sc.To = Status(from), Status(to)
		sc.ChangedAt = db.FromUnixNano(changedAtNano)
		history = append(history, &sc)
	}
	return history, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEncLite(row rowScanner) (*Encounter, error) {
	var (
		e                    Encounter
		id, status, partner  string
		patients             string
		practitioner, room   sql.NullString
		start, stop          int64
		checkIn, checkOut    sql.NullInt64
		notes                sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&id, &status, &partner, &patients, &practitioner, &room,
		&start, &stop, &checkIn, &checkOut, &notes, &e.Active, &e.VersionID,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse encounter id: %w", err)
	}
	if e.PartnerID, err = uuid.Parse(partner); err != nil {
		return nil, fmt.Errorf("parse partner id: %w", err)
	}
	if err := json.Unmarshal([]byte(patients), &e.PatientIDs); err != nil {
		return nil, fmt.Errorf("decode patient ids: %w", err)
	}
	e.Status = Status(status)
	e.PractitionerID = db.ParseNullUUID(practitioner)
	e.RoomID = db.ParseNullUUID(room)
	e.Start = db.FromUnixNano(start)
	e.Stop = db.FromUnixNano(stop)
	e.CheckInAt = db.FromNullUnixNano(checkIn)
	e.CheckOutAt = db.FromNullUnixNano(checkOut)
	if notes.Valid {
		e.Notes = &notes.String
	}
	e.CreatedAt = db.FromUnixNano(createdAt)
	e.UpdatedAt = db.FromUnixNano(updatedAt)
	return &e, nil
}

func nonNil(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
