package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*Order
	byItem map[uuid.UUID]*Line
}

func NewMemoryRepo() Repository {
	return &memoryRepo{
		orders: make(map[uuid.UUID]*Order),
		byItem: make(map[uuid.UUID]*Line),
	}
}

func copyOrder(o *Order) *Order {
	cp := *o
	cp.Lines = make([]*Line, len(o.Lines))
	for i, l := range o.Lines {
		lc := *l
		cp.Lines[i] = &lc
	}
	cp.total()
	return &cp
}

func (r *memoryRepo) Create(_ context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Lines == nil {
		o.Lines = []*Line{}
	}
	r.orders[o.ID] = copyOrder(o)
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (r *memoryRepo) AppendLine(_ context.Context, l *Line) (*Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[l.OrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	got, err := checkAppend(o.ID, o.State, r.byItem[l.ItemID])
	if err != nil {
		return nil, err
	}
	if got != nil {
		cp := *got
		return &cp, nil
	}
	stored := *l
	o.Lines = append(o.Lines, &stored)
	o.UpdatedAt = l.CreatedAt
	r.byItem[l.ItemID] = &stored
	cp := stored
	return &cp, nil
}

func (r *memoryRepo) RemoveLine(_ context.Context, orderID, lineID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.State != StateOpen {
		return ErrOrderClosed
	}
	for i, l := range o.Lines {
		if l.ID == lineID {
			o.Lines = append(o.Lines[:i], o.Lines[i+1:]...)
			delete(r.byItem, l.ItemID)
			return nil
		}
	}
	return nil
}

func (r *memoryRepo) Close(_ context.Context, id uuid.UUID, at time.Time) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.State == StateOpen {
		o.State = StateClosed
		o.ClosedAt = &at
		o.UpdatedAt = at
	}
	return copyOrder(o), nil
}
