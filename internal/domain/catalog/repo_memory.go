package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRepo struct {
	mu       sync.RWMutex
	products map[uuid.UUID]*Product
}

func NewMemoryRepo() Repository {
	return &memoryRepo{products: make(map[uuid.UUID]*Product)}
}

func (r *memoryRepo) Create(_ context.Context, p *Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	c := *p
	r.products[p.ID] = &c
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	c := *p
	return &c, nil
}

func (r *memoryRepo) Update(_ context.Context, p *Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.products[p.ID]
	if !ok {
		return ErrProductNotFound
	}
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	c := *p
	r.products[p.ID] = &c
	return nil
}

func (r *memoryRepo) List(_ context.Context, limit, offset int) ([]*Product, int, error) {
	r.mu.RLock()
	all := make([]*Product, 0, len(r.products))
	for _, p := range r.products {
		c := *p
		all = append(all, &c)
	}
	r.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if offset >= total {
		return []*Product{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}
