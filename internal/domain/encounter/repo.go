package encounter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, enc *Encounter) error
	GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Encounter, int, error)

	// SetPatients replaces the patient set. Clearing it fails with
	// ErrPreconditionFailed while the stored status requires patients.
	SetPatients(ctx context.Context, id uuid.UUID, patientIDs []uuid.UUID) (*Encounter, error)

	// CompareAndSetStatus moves the encounter from t.From to t.To only if the
	// stored status still equals t.From, the encounter is active and, when
	// t.To requires it, at least one patient is assigned. The status change
	// is appended to the history in the same step.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, t Transition) (*Encounter, error)

	Archive(ctx context.Context, id uuid.UUID) (*Encounter, error)
	GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusChange, error)
}

// classifyTransition explains why a compare-and-set on enc did not apply.
func classifyTransition(enc *Encounter, t Transition) error {
	switch {
	case enc == nil:
		return ErrNotFound
	case !enc.Active:
		return fmt.Errorf("%w: encounter is archived", ErrPreconditionFailed)
	case enc.Status != t.From:
		return ErrStatusConflict
	case t.To.RequiresPatients() && len(enc.PatientIDs) == 0:
		return fmt.Errorf("%w: %s requires at least one patient", ErrPreconditionFailed, t.To)
	}
	return nil
}

// checkPatients rejects clearing the patient set of an encounter whose
// status requires patients.
func checkPatients(enc *Encounter, patientIDs []uuid.UUID) error {
	if len(patientIDs) == 0 && enc.Status.RequiresPatients() {
		return fmt.Errorf("%w: %s requires at least one patient", ErrPreconditionFailed, enc.Status)
	}
	return nil
}

// stamp applies the timestamps implied by entering t.To.
func stamp(enc *Encounter, t Transition) {
	switch t.To {
	case StatusCheckedIn:
		at := t.At
		enc.CheckInAt = &at
	case StatusCompleted:
		at := t.At
		enc.CheckOutAt = &at
	}
	enc.Status = t.To
	enc.VersionID++
	enc.UpdatedAt = t.At
}
