package checkout

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicpos/clinicpos/internal/domain/reconcile"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidOrder  = errors.New("invalid order")
	ErrSinkRejected  = errors.New("order line rejected")
	ErrDuplicateLine = fmt.Errorf("%w: item is already on another order", ErrSinkRejected)
	ErrOrderClosed   = fmt.Errorf("%w: order is closed", ErrSinkRejected)
	ErrInvalidLine   = fmt.Errorf("%w: invalid line", ErrSinkRejected)
)

type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Order is a POS order opened on one terminal for one billing partner.
type Order struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PartnerID   uuid.UUID  `db:"partner_id" json:"partner_id"`
	TerminalID  string     `db:"terminal_id" json:"terminal_id"`
	State       State      `db:"state" json:"state"`
	Lines       []*Line    `db:"-" json:"lines"`
	AmountTotal float64    `db:"-" json:"amount_total"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	ClosedAt    *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}

func (o *Order) total() {
	o.AmountTotal = 0
	for _, l := range o.Lines {
		o.AmountTotal += l.Subtotal
	}
}

// Line is one order line. ItemID is unique across all orders.
type Line struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	OrderID         uuid.UUID  `db:"order_id" json:"order_id"`
	ItemID          uuid.UUID  `db:"item_id" json:"item_id"`
	EncounterID     uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	PartnerID       uuid.UUID  `db:"partner_id" json:"partner_id"`
	ProductID       uuid.UUID  `db:"product_id" json:"product_id"`
	ProductCode     string     `db:"product_code" json:"product_code,omitempty"`
	Description     string     `db:"description" json:"description"`
	Quantity        float64    `db:"quantity" json:"quantity"`
	UnitPrice       float64    `db:"unit_price" json:"unit_price"`
	Discount        float64    `db:"discount" json:"discount"`
	Subtotal        float64    `db:"subtotal" json:"subtotal"`
	PatientID       *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	PractitionerID  *uuid.UUID `db:"practitioner_id" json:"practitioner_id,omitempty"`
	CommissionPct   float64    `db:"commission_pct" json:"commission_pct"`
	PartnerMismatch bool       `db:"partner_mismatch" json:"partner_mismatch"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

func newLine(orderID uuid.UUID, d reconcile.Descriptor, now time.Time) *Line {
	return &Line{
		ID:              uuid.New(),
		OrderID:         orderID,
		ItemID:          d.ItemID,
		EncounterID:     d.EncounterID,
		PartnerID:       d.PartnerID,
		ProductID:       d.ProductID,
		ProductCode:     d.ProductCode,
		Description:     d.Description,
		Quantity:        d.Quantity,
		UnitPrice:       d.UnitPrice,
		Discount:        d.Discount,
		Subtotal:        d.Quantity * d.UnitPrice * (1 - d.Discount/100),
		PatientID:       d.PatientID,
		PractitionerID:  d.PractitionerID,
		CommissionPct:   d.CommissionPct,
		PartnerMismatch: d.PartnerMismatch,
		CreatedAt:       now,
	}
}

func (l *Line) validate() error {
	switch {
	case l.ItemID == uuid.Nil:
		return fmt.Errorf("%w: item_id is required", ErrInvalidLine)
	case l.ProductID == uuid.Nil:
		return fmt.Errorf("%w: product_id is required", ErrInvalidLine)
	case l.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidLine)
	case l.UnitPrice < 0:
		return fmt.Errorf("%w: unit_price must not be negative", ErrInvalidLine)
	case l.Discount < 0 || l.Discount > 100:
		return fmt.Errorf("%w: discount must be between 0 and 100", ErrInvalidLine)
	}
	return nil
}
