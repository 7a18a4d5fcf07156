package checkout

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicpos/clinicpos/internal/domain/reconcile"
)

type Repository interface {
	Create(ctx context.Context, o *Order) error
	// GetByID returns the order with its lines in append order.
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	// AppendLine stores l unless its item is already on an order. The same
	// item on the same order returns the stored line instead.
	AppendLine(ctx context.Context, l *Line) (*Line, error)
	// RemoveLine deletes a line from an open order. A missing line is not
	// an error.
	RemoveLine(ctx context.Context, orderID, lineID uuid.UUID) error
	Close(ctx context.Context, id uuid.UUID, at time.Time) (*Order, error)
}

// checkAppend decides an append against the order state and the line
// already recorded for the item, if any. A non-nil line means the append
// already happened.
func checkAppend(orderID uuid.UUID, state State, existing *Line) (*Line, error) {
	switch {
	case existing != nil && existing.OrderID == orderID:
		return existing, nil
	case existing != nil:
		return nil, duplicateLine(existing)
	case state != StateOpen:
		return nil, ErrOrderClosed
	}
	return nil, nil
}

// duplicateLine names the line that already bills the item.
func duplicateLine(existing *Line) error {
	return &reconcile.BilledError{LineID: existing.ID, OrderID: existing.OrderID, Err: ErrDuplicateLine}
}
