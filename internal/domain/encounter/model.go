package encounter

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("encounter not found")
	ErrUnknownStatus      = errors.New("unknown encounter status")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrPreconditionFailed = errors.New("status precondition failed")
	ErrInvalidEncounter   = errors.New("invalid encounter")
	// ErrStatusConflict is returned when another writer moved the status
	// between read and update. It wraps ErrPreconditionFailed.
	ErrStatusConflict = fmt.Errorf("%w: status changed concurrently", ErrPreconditionFailed)
)

// Encounter maps to the encounter table.
type Encounter struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	Status         Status      `db:"status" json:"status"`
	PartnerID      uuid.UUID   `db:"partner_id" json:"partner_id"`
	PatientIDs     []uuid.UUID `db:"patient_ids" json:"patient_ids"`
	PractitionerID *uuid.UUID  `db:"practitioner_id" json:"practitioner_id,omitempty"`
	RoomID         *uuid.UUID  `db:"room_id" json:"room_id,omitempty"`
	Start          time.Time   `db:"start_at" json:"start"`
	Stop           time.Time   `db:"stop_at" json:"stop"`
	CheckInAt      *time.Time  `db:"check_in_at" json:"check_in_at,omitempty"`
	CheckOutAt     *time.Time  `db:"check_out_at" json:"check_out_at,omitempty"`
	Notes          *string     `db:"notes" json:"notes,omitempty"`
	Active         bool        `db:"active" json:"active"`
	VersionID      int         `db:"version_id" json:"version_id"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

// HasPatient reports whether id is one of the encounter's patients.
func (e *Encounter) HasPatient(id uuid.UUID) bool {
	for _, p := range e.PatientIDs {
		if p == id {
			return true
		}
	}
	return false
}

// StatusChange records one applied transition.
type StatusChange struct {
	ID          uuid.UUID `db:"id" json:"id"`
	EncounterID uuid.UUID `db:"encounter_id" json:"encounter_id"`
	From        Status    `db:"from_status" json:"from"`
	To          Status    `db:"to_status" json:"to"`
	ChangedAt   time.Time `db:"changed_at" json:"changed_at"`
}

// Transition is the status CAS request handed to a repository.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	PartnerID *uuid.UUID
	Status    *Status
	Active    *bool
}

// dedupe keeps the first occurrence of every id.
func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
