package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicpos/clinicpos/internal/domain/reconcile"
)

// Service is the checkout gateway: POS orders and the order-line sink the
// reconcile engine appends to.
type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) OpenOrder(ctx context.Context, partnerID uuid.UUID, terminal string) (*Order, error) {
	if partnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: partner_id is required", ErrInvalidOrder)
	}
	if terminal == "" {
		return nil, fmt.Errorf("%w: terminal is required", ErrInvalidOrder)
	}
	now := s.now().UTC()
	o := &Order{
		ID:         uuid.New(),
		PartnerID:  partnerID,
		TerminalID: terminal,
		State:      StateOpen,
		Lines:      []*Line{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.GetByID(ctx, id)
}

// CloseOrder is idempotent; closing a closed order returns it unchanged.
func (s *Service) CloseOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.Close(ctx, id, s.now().UTC())
}

// Append adds the described item to the order. Appending the same item to
// the same order again returns the first line; appending it to any other
// order fails with a reconcile.BilledError wrapping ErrDuplicateLine.
func (s *Service) Append(ctx context.Context, orderID uuid.UUID, d reconcile.Descriptor) (*Line, error) {
	l := newLine(orderID, d, s.now().UTC())
	if err := l.validate(); err != nil {
		return nil, err
	}
	return s.repo.AppendLine(ctx, l)
}

func (s *Service) RemoveLine(ctx context.Context, orderID, lineID uuid.UUID) error {
	return s.repo.RemoveLine(ctx, orderID, lineID)
}

// Sink binds the service to one order for the reconcile engine.
func (s *Service) Sink(orderID uuid.UUID) *Sink {
	return &Sink{svc: s, orderID: orderID}
}

// Sink implements reconcile.OrderSink and reconcile.LineRemover.
type Sink struct {
	svc     *Service
	orderID uuid.UUID
}

var (
	_ reconcile.OrderSink   = (*Sink)(nil)
	_ reconcile.LineRemover = (*Sink)(nil)
)

func (k *Sink) Append(ctx context.Context, d reconcile.Descriptor) (uuid.UUID, error) {
	l, err := k.svc.Append(ctx, k.orderID, d)
	if err != nil {
		return uuid.Nil, err
	}
	return l.ID, nil
}

func (k *Sink) RemoveLine(ctx context.Context, lineID uuid.UUID) error {
	return k.svc.RemoveLine(ctx, k.orderID, lineID)
}
