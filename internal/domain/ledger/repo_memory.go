package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	item Item
	seq  int64
}

type memoryRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*memEntry
	seq   int64
}

func NewMemoryRepo() Repository {
	return &memoryRepo{items: make(map[uuid.UUID]*memEntry)}
}

func (r *memoryRepo) Create(_ context.Context, it *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	it.UpdatedAt = it.CreatedAt
	r.seq++
	r.items[it.ID] = &memEntry{item: *it, seq: r.seq}
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	c := e.item
	return &c, nil
}

func (r *memoryRepo) List(_ context.Context, f Filter) ([]*Item, error) {
	r.mu.Lock()
	entries := make([]*memEntry, 0, len(r.items))
	for _, e := range r.items {
		if f.matches(&e.item) {
			c := *e
			entries = append(entries, &c)
		}
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].item.CreatedAt.Equal(entries[j].item.CreatedAt) {
			return entries[i].item.CreatedAt.Before(entries[j].item.CreatedAt)
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]*Item, len(entries))
	for i, e := range entries {
		it := e.item
		out[i] = &it
	}
	return out, nil
}

func (r *memoryRepo) Claim(_ context.Context, tok ClaimToken) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[tok.ItemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	if err := checkClaim(&e.item, tok.IssuedAt); err != nil {
		return nil, err
	}
	applyClaim(&e.item, tok)
	c := e.item
	return &c, nil
}

func (r *memoryRepo) Commit(_ context.Context, tok ClaimToken, lineID *uuid.UUID, now time.Time) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[tok.ItemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	done, err := checkCommit(&e.item, tok, now)
	if err != nil {
		return nil, err
	}
	if !done {
		applyCommit(&e.item, lineID, now)
	}
	c := e.item
	return &c, nil
}

func (r *memoryRepo) Release(_ context.Context, tok ClaimToken, now time.Time) (*Item, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[tok.ItemID]
	if !ok {
		return nil, false, ErrItemNotFound
	}
	apply, err := checkRelease(&e.item, tok)
	if err != nil {
		return nil, false, err
	}
	if apply {
		applyRelease(&e.item, now)
	}
	c := e.item
	return &c, apply, nil
}

func (r *memoryRepo) ReleaseOwner(_ context.Context, owner string, now time.Time) ([]*Item, error) {
	return r.releaseWhere(now, func(it *Item) bool {
		return it.State == StateClaimed && it.ClaimOwner == owner
	}), nil
}

func (r *memoryRepo) ReleaseExpired(_ context.Context, now time.Time) ([]*Item, error) {
	return r.releaseWhere(now, func(it *Item) bool {
		return it.State == StateClaimed && !it.ClaimLive(now)
	}), nil
}

func (r *memoryRepo) releaseWhere(now time.Time, match func(*Item) bool) []*Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released []*memEntry
	for _, e := range r.items {
		if match(&e.item) {
			applyRelease(&e.item, now)
			c := *e
			released = append(released, &c)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i].seq < released[j].seq })
	out := make([]*Item, len(released))
	for i, e := range released {
		it := e.item
		out[i] = &it
	}
	return out
}

func (r *memoryRepo) Cancel(_ context.Context, id uuid.UUID, now time.Time) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	done, err := checkCancel(&e.item, now)
	if err != nil {
		return nil, err
	}
	if !done {
		applyCancel(&e.item, now)
	}
	c := e.item
	return &c, nil
}

func (r *memoryRepo) Reset(_ context.Context, id uuid.UUID, now time.Time) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	apply, err := checkReset(&e.item)
	if err != nil {
		return nil, err
	}
	if apply {
		applyReset(&e.item, now)
	}
	c := e.item
	return &c, nil
}
