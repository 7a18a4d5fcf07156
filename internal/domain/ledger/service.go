package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicpos/clinicpos/internal/domain/encounter"
	"github.com/clinicpos/clinicpos/internal/platform/events"
)

// EncounterSource is the read side of the encounter service the ledger
// needs to accept new items.
type EncounterSource interface {
	GetEncounter(ctx context.Context, id uuid.UUID) (*encounter.Encounter, error)
	IsBillable(enc *encounter.Encounter) bool
}

type Option func(*Service)

func WithClaimTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.pub = p }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger.With().Str("component", "ledger").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the ItemLedger: the single source of truth for item state.
type Service struct {
	repo       Repository
	encounters EncounterSource
	pub        events.Publisher
	logger     zerolog.Logger
	ttl        time.Duration
	now        func() time.Time
}

func NewService(repo Repository, encounters EncounterSource, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		encounters: encounters,
		pub:        events.Nop{},
		logger:     zerolog.Nop(),
		ttl:        DefaultClaimTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ClaimTTL() time.Duration {
	return s.ttl
}

// Add records a new pending item against a billable encounter. The billing
// partner defaults to the encounter's partner and the practitioner to the
// encounter's practitioner.
func (s *Service) Add(ctx context.Context, it *Item) error {
	if err := it.validate(); err != nil {
		return err
	}
	enc, err := s.encounters.GetEncounter(ctx, it.EncounterID)
	if err != nil {
		return err
	}
	if !enc.Active || !s.encounters.IsBillable(enc) {
		return fmt.Errorf("%w: encounter %s is %s", ErrNotBillable, enc.ID, enc.Status)
	}
	if it.PatientID != nil && !enc.HasPatient(*it.PatientID) {
		return fmt.Errorf("%w: patient %s is not part of encounter %s", ErrInvalidItem, *it.PatientID, enc.ID)
	}
	if it.PartnerID == uuid.Nil {
		it.PartnerID = enc.PartnerID
	}
	if it.PractitionerID == nil {
		it.PractitionerID = enc.PractitionerID
	}

	*it = Item{
		ID:             uuid.New(),
		EncounterID:    it.EncounterID,
		PartnerID:      it.PartnerID,
		ProductID:      it.ProductID,
		Quantity:       it.Quantity,
		UnitPrice:      it.UnitPrice,
		Discount:       it.Discount,
		Description:    it.Description,
		PatientID:      it.PatientID,
		PractitionerID: it.PractitionerID,
		CommissionPct:  it.CommissionPct,
		Notes:          it.Notes,
		State:          StatePending,
		CreatedAt:      s.now(),
	}
	if err := s.repo.Create(ctx, it); err != nil {
		return err
	}
	s.publish(ctx, events.ItemCreated, it)
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	return s.repo.GetByID(ctx, id)
}

// ListPending returns the open items (pending or claimed) matching f in
// creation order. It never changes state.
func (s *Service) ListPending(ctx context.Context, f Filter) ([]*Item, error) {
	f.States = []State{StatePending, StateClaimed}
	return s.repo.List(ctx, f)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Item, error) {
	return s.repo.List(ctx, f)
}

// Claim takes an exclusive hold on one item for ttl, or the configured TTL
// when ttl is zero. Exactly one of any number of concurrent claims on a
// pending item succeeds.
func (s *Service) Claim(ctx context.Context, itemID uuid.UUID, owner string, ttl time.Duration) (ClaimToken, error) {
	if owner == "" {
		return ClaimToken{}, fmt.Errorf("%w: claim owner is required", ErrInvalidItem)
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	tok := ClaimToken{
		ItemID:   itemID,
		ClaimID:  uuid.New(),
		Owner:    owner,
		IssuedAt: s.now(),
		TTL:      ttl,
	}
	it, err := s.repo.Claim(ctx, tok)
	if err != nil {
		return ClaimToken{}, err
	}
	s.publish(ctx, events.ItemClaimed, it)
	return tok, nil
}

// Commit marks the claimed item processed. lineID records the order line it
// became and may be uuid.Nil.
func (s *Service) Commit(ctx context.Context, tok ClaimToken, lineID uuid.UUID) (*Item, error) {
	var line *uuid.UUID
	if lineID != uuid.Nil {
		line = &lineID
	}
	it, err := s.repo.Commit(ctx, tok, line, s.now())
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.ItemProcessed, it)
	return it, nil
}

// Release hands the item back to pending. Releasing a claim that is already
// gone is a no-op.
func (s *Service) Release(ctx context.Context, tok ClaimToken) error {
	it, released, err := s.repo.Release(ctx, tok, s.now())
	if err != nil {
		return err
	}
	if released {
		s.publish(ctx, events.ItemReleased, it)
	}
	return nil
}

// ReleaseByOwner drops every claim held by owner, for a terminal that
// abandons a reconcile call.
func (s *Service) ReleaseByOwner(ctx context.Context, owner string) ([]*Item, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidItem)
	}
	items, err := s.repo.ReleaseOwner(ctx, owner, s.now())
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		s.publish(ctx, events.ItemReleased, it)
	}
	return items, nil
}

// ReleaseExpired eagerly returns every expired claim to pending. Claim
// already treats expired claims as free, so this only tidies the view.
func (s *Service) ReleaseExpired(ctx context.Context) ([]*Item, error) {
	items, err := s.repo.ReleaseExpired(ctx, s.now())
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		s.publish(ctx, events.ItemReleased, it)
	}
	if len(items) > 0 {
		s.logger.Info().Int("released", len(items)).Msg("expired claims released")
	}
	return items, nil
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Item, error) {
	it, err := s.repo.Cancel(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.ItemCancelled, it)
	return it, nil
}

// Reset undoes a cancel. Processed items cannot be reset; pending and
// claimed items are returned unchanged.
func (s *Service) Reset(ctx context.Context, id uuid.UUID) (*Item, error) {
	before, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	it, err := s.repo.Reset(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	if before.State == StateCancelled && it.State == StatePending {
		s.publish(ctx, events.ItemReset, it)
	}
	return it, nil
}

func (s *Service) Summarize(ctx context.Context, encounterID uuid.UUID) (*Summary, error) {
	if _, err := s.encounters.GetEncounter(ctx, encounterID); err != nil {
		return nil, err
	}
	items, err := s.repo.List(ctx, Filter{EncounterID: &encounterID})
	if err != nil {
		return nil, err
	}
	return summarize(encounterID, items), nil
}

func (s *Service) publish(ctx context.Context, typ events.Type, it *Item) {
	ev := events.New(typ, it.PartnerID, it.EncounterID, it)
	id := it.ID
	ev.ItemID = &id
	ev.Terminal = it.ClaimOwner
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("type", string(typ)).Str("item_id", it.ID.String()).Msg("publish failed")
	}
}
