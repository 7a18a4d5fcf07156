// Package events fans POS lifecycle events out to open terminal sessions and
// to an optional message broker.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	ItemCreated            Type = "pos.item.created"
	ItemClaimed            Type = "pos.item.claimed"
	ItemProcessed          Type = "pos.item.processed"
	ItemReleased           Type = "pos.item.released"
	ItemCancelled          Type = "pos.item.cancelled"
	ItemReset              Type = "pos.item.reset"
	ReconcileCompleted     Type = "pos.reconcile.completed"
	EncounterStatusChanged Type = "encounter.status_changed"
)

// Event is one POS sync message. PartnerID and EncounterID double as the
// routing topics for websocket subscribers.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Type        Type            `json:"type"`
	PartnerID   uuid.UUID       `json:"partner_id"`
	EncounterID uuid.UUID       `json:"encounter_id,omitempty"`
	ItemID      *uuid.UUID      `json:"item_id,omitempty"`
	Terminal    string          `json:"terminal,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// New builds an event and marshals data as its payload. A payload that does
// not marshal is dropped rather than failing the caller.
func New(typ Type, partnerID, encounterID uuid.UUID, data any) Event {
	ev := Event{
		ID:          uuid.New(),
		Type:        typ,
		PartnerID:   partnerID,
		EncounterID: encounterID,
		OccurredAt:  time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

func PartnerTopic(id uuid.UUID) string {
	return "partner:" + id.String()
}

func EncounterTopic(id uuid.UUID) string {
	return "encounter:" + id.String()
}

// Topics lists the subscriber topics an event is routed to.
func (e Event) Topics() []string {
	topics := make([]string, 0, 2)
	if e.PartnerID != uuid.Nil {
		topics = append(topics, PartnerTopic(e.PartnerID))
	}
	if e.EncounterID != uuid.Nil {
		topics = append(topics, EncounterTopic(e.EncounterID))
	}
	return topics
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
