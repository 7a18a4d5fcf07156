package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidRequest = errors.New("invalid reconcile request")

// Descriptor is one order line handed to the sink. The attribution fields
// are carried through untouched.
type Descriptor struct {
	ItemID          uuid.UUID  `json:"item_id"`
	EncounterID     uuid.UUID  `json:"encounter_id"`
	PartnerID       uuid.UUID  `json:"partner_id"`
	ProductID       uuid.UUID  `json:"product_id"`
	ProductCode     string     `json:"product_code,omitempty"`
	Description     string     `json:"description"`
	Quantity        float64    `json:"quantity"`
	UnitPrice       float64    `json:"unit_price"`
	Discount        float64    `json:"discount"`
	PatientID       *uuid.UUID `json:"patient_id,omitempty"`
	PractitionerID  *uuid.UUID `json:"practitioner_id,omitempty"`
	CommissionPct   float64    `json:"commission_pct"`
	PartnerMismatch bool       `json:"partner_mismatch"`
}

// OrderSink appends lines to one checkout order. Append must be idempotent
// per ItemID.
type OrderSink interface {
	Append(ctx context.Context, d Descriptor) (lineID uuid.UUID, err error)
}

// BilledError is returned by a sink when the item already sits on an order
// line, possibly on another order. The line is proof the item was billed.
type BilledError struct {
	LineID  uuid.UUID
	OrderID uuid.UUID
	Err     error
}

func (e *BilledError) Error() string { return e.Err.Error() }

func (e *BilledError) Unwrap() error { return e.Err }

// LineRemover is implemented by sinks that can take back a line whose
// claim could not be committed.
type LineRemover interface {
	RemoveLine(ctx context.Context, lineID uuid.UUID) error
}

type Request struct {
	PartnerID   uuid.UUID  `json:"partner_id"`
	EncounterID *uuid.UUID `json:"encounter_id,omitempty"`
	Owner       string     `json:"owner"`
}

type Status string

const (
	StatusNoPendingItems   Status = "no_pending_items"
	StatusComplete         Status = "complete"
	StatusPartial          Status = "partial"
	StatusFailed           Status = "failed"
	StatusClaimedElsewhere Status = "claimed_elsewhere"
)

type Reason string

const (
	ReasonAlreadyClaimed   Reason = "already_claimed"
	ReasonAlreadyProcessed Reason = "already_processed"
	ReasonAlreadyBilled    Reason = "already_billed"
	ReasonCancelled        Reason = "cancelled"
	ReasonProductNotFound  Reason = "product_not_found"
	ReasonCatalogError     Reason = "catalog_error"
	ReasonSinkRejected     Reason = "sink_rejected"
	ReasonCommitFailed     Reason = "commit_failed"
)

// ItemResult reports what happened to one pending item.
type ItemResult struct {
	ItemID          uuid.UUID  `json:"item_id"`
	EncounterID     uuid.UUID  `json:"encounter_id"`
	Description     string     `json:"description"`
	LineID          *uuid.UUID `json:"line_id,omitempty"`
	Reason          Reason     `json:"reason,omitempty"`
	Error           string     `json:"error,omitempty"`
	PartnerMismatch bool       `json:"partner_mismatch,omitempty"`
}

// Result keeps the three outcome buckets apart.
type Result struct {
	Status          Status        `json:"status"`
	Processed       []ItemResult  `json:"processed"`
	Skipped         []ItemResult  `json:"skipped"`
	Failed          []ItemResult  `json:"failed"`
	EncounterBilled bool          `json:"encounter_billed"`
	Duration        time.Duration `json:"duration"`

	// settled counts items committed against a line from an earlier call.
	settled int
}

func newResult() *Result {
	return &Result{Processed: []ItemResult{}, Skipped: []ItemResult{}, Failed: []ItemResult{}}
}

func (r *Result) settle() {
	p, s, f := len(r.Processed), len(r.Skipped), len(r.Failed)
	switch {
	case p+s+f == 0:
		r.Status = StatusNoPendingItems
	case p > 0 && s == 0 && f == 0:
		r.Status = StatusComplete
	case p > 0:
		r.Status = StatusPartial
	case f > 0:
		r.Status = StatusFailed
	default:
		r.Status = StatusClaimedElsewhere
	}
}

// MismatchCount counts processed lines billed to a partner other than the
// caller's.
func (r *Result) MismatchCount() int {
	n := 0
	for _, it := range r.Processed {
		if it.PartnerMismatch {
			n++
		}
	}
	return n
}
