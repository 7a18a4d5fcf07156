package encounter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicpos/clinicpos/internal/platform/events"
)

const defaultDuration = 30 * time.Minute

type Service struct {
	repo     Repository
	registry *Registry
	pub      events.Publisher
	now      func() time.Time
}

func NewService(repo Repository, registry *Registry) *Service {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Service{repo: repo, registry: registry, pub: events.Nop{}, now: func() time.Time { return time.Now().UTC() }}
}

// SetPublisher routes status change events to p.
func (s *Service) SetPublisher(p events.Publisher) {
	s.pub = p
}

// SetClock replaces the time source used for transitions and derived facts.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) CreateEncounter(ctx context.Context, enc *Encounter) error {
	if enc.PartnerID == uuid.Nil {
		return fmt.Errorf("%w: partner_id is required", ErrInvalidEncounter)
	}
	if enc.Status == "" {
		enc.Status = StatusDraft
	}
	if enc.Status != StatusDraft {
		return fmt.Errorf("%w: encounters are created in %s, got %s", ErrInvalidEncounter, StatusDraft, enc.Status)
	}
	if enc.Start.IsZero() {
		enc.Start = s.now()
	}
	if enc.Stop.IsZero() {
		enc.Stop = enc.Start.Add(defaultDuration)
	}
	if enc.Stop.Before(enc.Start) {
		return fmt.Errorf("%w: stop must not be before start", ErrInvalidEncounter)
	}
	enc.PatientIDs = dedupe(enc.PatientIDs)
	enc.Active = true
	return s.repo.Create(ctx, enc)
}

func (s *Service) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListEncounters(ctx context.Context, f Filter, limit, offset int) ([]*Encounter, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) SetPatients(ctx context.Context, id uuid.UUID, patientIDs []uuid.UUID) (*Encounter, error) {
	return s.repo.SetPatients(ctx, id, dedupe(patientIDs))
}

func (s *Service) AddPatient(ctx context.Context, id, patientID uuid.UUID) (*Encounter, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	enc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if enc.HasPatient(patientID) {
		return enc, nil
	}
	return s.repo.SetPatients(ctx, id, append(enc.PatientIDs, patientID))
}

// Apply moves an encounter to next. Patient preconditions are checked
// before transition legality, so a draft with no patients reports the
// missing patient first.
func (s *Service) Apply(ctx context.Context, id uuid.UUID, next Status) (*Encounter, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, next)
	}
	enc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !enc.Active {
		return nil, fmt.Errorf("%w: encounter is archived", ErrPreconditionFailed)
	}
	if next.RequiresPatients() && len(enc.PatientIDs) == 0 {
		return nil, fmt.Errorf("%w: %s requires at least one patient", ErrPreconditionFailed, next)
	}
	if err := s.registry.Validate(enc.Status, next); err != nil {
		return nil, err
	}
	tr := Transition{From: enc.Status, To: next, At: s.now()}
	updated, err := s.repo.CompareAndSetStatus(ctx, id, tr)
	if err != nil {
		return nil, err
	}
	ev := events.New(events.EncounterStatusChanged, updated.PartnerID, updated.ID, tr)
	if err := s.pub.Publish(ctx, ev); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("encounter_id", id.String()).Msg("publish status change")
	}
	return updated, nil
}

// ApplyNamed resolves legacy status names before applying.
func (s *Service) ApplyNamed(ctx context.Context, id uuid.UUID, name string) (*Encounter, error) {
	next, err := ParseStatus(name)
	if err != nil {
		return nil, err
	}
	return s.Apply(ctx, id, next)
}

func (s *Service) Archive(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return s.repo.Archive(ctx, id)
}

func (s *Service) GetStatusHistory(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetStatusHistory(ctx, id)
}

func (s *Service) Facts(ctx context.Context, id uuid.UUID) (Facts, error) {
	enc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Facts{}, err
	}
	return s.registry.Facts(enc, s.now()), nil
}

func (s *Service) IsLate(enc *Encounter) bool {
	return s.registry.IsLate(enc.Status, enc.Start, s.now())
}

func (s *Service) IsBillable(enc *Encounter) bool {
	return s.registry.IsBillable(enc.Status)
}
