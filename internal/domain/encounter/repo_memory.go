package encounter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRepo struct {
	mu         sync.RWMutex
	encounters map[uuid.UUID]*Encounter
	history    map[uuid.UUID][]*StatusChange
}

// NewMemoryRepo returns a Repository kept entirely in process memory.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		encounters: make(map[uuid.UUID]*Encounter),
		history:    make(map[uuid.UUID][]*StatusChange),
	}
}

func clone(e *Encounter) *Encounter {
	c := *e
	c.PatientIDs = append([]uuid.UUID(nil), e.PatientIDs...)
	return &c
}

func (r *memoryRepo) Create(_ context.Context, enc *Encounter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	enc.ID = uuid.New()
	now := time.Now().UTC()
	enc.VersionID = 1
	enc.CreatedAt = now
	enc.UpdatedAt = now
	r.encounters[enc.ID] = clone(enc)
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Encounter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enc, ok := r.encounters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(enc), nil
}

func (r *memoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Encounter, int, error) {
	r.mu.RLock()
	var all []*Encounter
	for _, enc := range r.encounters {
		if f.PartnerID != nil && enc.PartnerID != *f.PartnerID {
			continue
		}
		if f.Status != nil && enc.Status != *f.Status {
			continue
		}
		if f.Active != nil && enc.Active != *f.Active {
			continue
		}
		all = append(all, clone(enc))
	}
	r.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].Start.Equal(all[j].Start) {
			return all[i].Start.After(all[j].Start)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if offset >= total {
		return []*Encounter{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memoryRepo) SetPatients(_ context.Context, id uuid.UUID, patientIDs []uuid.UUID) (*Encounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	enc, ok := r.encounters[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkPatients(enc, patientIDs); err != nil {
		return nil, err
	}
	enc.PatientIDs = append([]uuid.UUID(nil), patientIDs...)
	enc.VersionID++
	enc.UpdatedAt = time.Now().UTC()
	return clone(enc), nil
}

func (r *memoryRepo) CompareAndSetStatus(_ context.Context, id uuid.UUID, t Transition) (*Encounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	enc := r.encounters[id]
	if err := classifyTransition(enc, t); err != nil {
		return nil, err
	}
	stamp(enc, t)
	r.history[id] = append(r.history[id], &StatusChange{
		ID:          uuid.New(),
		EncounterID: id,
		From:        t.From,
		To:          t.To,
		ChangedAt:   t.At,
	})
	return clone(enc), nil
}

func (r *memoryRepo) Archive(_ context.Context, id uuid.UUID) (*Encounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	enc, ok := r.encounters[id]
	if !ok {
		return nil, ErrNotFound
	}
	if enc.Active {
		enc.Active = false
		enc.VersionID++
		enc.UpdatedAt = time.Now().UTC()
	}
	return clone(enc), nil
}

func (r *memoryRepo) GetStatusHistory(_ context.Context, encounterID uuid.UUID) ([]*StatusChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*StatusChange, 0, len(r.history[encounterID]))
	for _, sc := range r.history[encounterID] {
		c := *sc
		out = append(out, &c)
	}
	return out, nil
}
