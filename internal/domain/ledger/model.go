package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrItemNotFound     = errors.New("pending item not found")
	ErrInvalidItem      = errors.New("invalid pending item")
	ErrNotBillable      = errors.New("encounter is not billable")
	ErrAlreadyClaimed   = errors.New("item already claimed")
	ErrAlreadyProcessed = errors.New("item already processed")
	ErrItemCancelled    = errors.New("item cancelled")
	ErrClaimExpired     = errors.New("claim expired")
	ErrNotOwner         = errors.New("claim held by another owner")
)

// DefaultClaimTTL comfortably exceeds one catalog lookup plus one order append.
const DefaultClaimTTL = 30 * time.Second

type State string

const (
	StatePending   State = "pending"
	StateClaimed   State = "claimed"
	StateProcessed State = "processed"
	StateCancelled State = "cancelled"
)

// Open reports whether an item in state s still awaits reconciliation.
func (s State) Open() bool {
	return s == StatePending || s == StateClaimed
}

// Item is a clinically generated charge not yet turned into an order line.
type Item struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	EncounterID    uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	PartnerID      uuid.UUID  `db:"partner_id" json:"partner_id"`
	ProductID      uuid.UUID  `db:"product_id" json:"product_id"`
	Quantity       float64    `db:"quantity" json:"quantity"`
	UnitPrice      float64    `db:"unit_price" json:"unit_price"`
	Discount       float64    `db:"discount" json:"discount"`
	Description    string     `db:"description" json:"description"`
	PatientID      *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	PractitionerID *uuid.UUID `db:"practitioner_id" json:"practitioner_id,omitempty"`
	CommissionPct  float64    `db:"commission_pct" json:"commission_pct"`
	Notes          *string    `db:"notes" json:"notes,omitempty"`
	State          State      `db:"state" json:"state"`
	ClaimID        *uuid.UUID `db:"claim_id" json:"claim_id,omitempty"`
	ClaimOwner     string     `db:"claim_owner" json:"claim_owner,omitempty"`
	ClaimedAt      *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	ClaimExpiresAt *time.Time `db:"claim_expires_at" json:"claim_expires_at,omitempty"`
	OrderLineID    *uuid.UUID `db:"order_line_id" json:"order_line_id,omitempty"`
	ProcessedAt    *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	ReleaseCount   int        `db:"release_count" json:"release_count"`
	LastReleasedAt *time.Time `db:"last_released_at" json:"last_released_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Amount is qty * price less the percentage discount.
func (it *Item) Amount() float64 {
	return it.Quantity * it.UnitPrice * (1 - it.Discount/100)
}

// ClaimLive reports whether the item is claimed and the claim has not
// expired at now.
func (it *Item) ClaimLive(now time.Time) bool {
	return it.State == StateClaimed && it.ClaimExpiresAt != nil && !now.After(*it.ClaimExpiresAt)
}

func (it *Item) validate() error {
	switch {
	case it.EncounterID == uuid.Nil:
		return fmt.Errorf("%w: encounter_id is required", ErrInvalidItem)
	case it.ProductID == uuid.Nil:
		return fmt.Errorf("%w: product_id is required", ErrInvalidItem)
	case it.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidItem)
	case it.UnitPrice < 0:
		return fmt.Errorf("%w: unit_price must not be negative", ErrInvalidItem)
	case it.Discount < 0 || it.Discount > 100:
		return fmt.Errorf("%w: discount must be between 0 and 100", ErrInvalidItem)
	case it.CommissionPct < 0 || it.CommissionPct > 100:
		return fmt.Errorf("%w: commission_pct must be between 0 and 100", ErrInvalidItem)
	}
	return nil
}

// ClaimToken proves a time-bounded exclusive hold on one item.
type ClaimToken struct {
	ItemID   uuid.UUID     `json:"item_id"`
	ClaimID  uuid.UUID     `json:"claim_id"`
	Owner    string        `json:"owner"`
	IssuedAt time.Time     `json:"issued_at"`
	TTL      time.Duration `json:"ttl"`
}

func (t ClaimToken) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.TTL)
}

// Filter narrows List results. Nil fields and an empty States match
// everything.
type Filter struct {
	PartnerID   *uuid.UUID
	EncounterID *uuid.UUID
	States      []State
}

func (f Filter) matches(it *Item) bool {
	if f.PartnerID != nil && it.PartnerID != *f.PartnerID {
		return false
	}
	if f.EncounterID != nil && it.EncounterID != *f.EncounterID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if it.State == s {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentNone    PaymentStatus = "none"
	PaymentPending PaymentStatus = "pending"
	PaymentPartial PaymentStatus = "partial"
	PaymentDone    PaymentStatus = "done"
)

// Summary aggregates one encounter's items. Cancelled items are counted but
// excluded from the payment status.
type Summary struct {
	EncounterID     uuid.UUID         `json:"encounter_id"`
	Counts          map[State]int     `json:"counts"`
	Amounts         map[State]float64 `json:"amounts"`
	OpenAmount      float64           `json:"open_amount"`
	ProcessedAmount float64           `json:"processed_amount"`
	PaymentStatus   PaymentStatus     `json:"payment_status"`
}

func summarize(encounterID uuid.UUID, items []*Item) *Summary {
	s := &Summary{
		EncounterID: encounterID,
		Counts:      make(map[State]int),
		Amounts:     make(map[State]float64),
	}
	for _, it := range items {
		s.Counts[it.State]++
		s.Amounts[it.State] += it.Amount()
		switch {
		case it.State.Open():
			s.OpenAmount += it.Amount()
		case it.State == StateProcessed:
			s.ProcessedAmount += it.Amount()
		}
	}

	open := s.Counts[StatePending] + s.Counts[StateClaimed]
	done := s.Counts[StateProcessed]
	switch {
	case open == 0 && done == 0:
		s.PaymentStatus = PaymentNone
	case open == 0:
		s.PaymentStatus = PaymentDone
	case done == 0:
		s.PaymentStatus = PaymentPending
	default:
		s.PaymentStatus = PaymentPartial
	}
	return s
}
