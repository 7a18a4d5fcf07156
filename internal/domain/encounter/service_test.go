package encounter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinicpos/clinicpos/internal/platform/events"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestService() *Service {
	svc := NewService(NewMemoryRepo(), NewRegistry())
	svc.SetClock(func() time.Time { return testNow })
	return svc
}

func createEncounter(t *testing.T, svc *Service, patients ...uuid.UUID) *Encounter {
	t.Helper()
	enc := &Encounter{PartnerID: uuid.New(), PatientIDs: patients, Start: testNow}
	if err := svc.CreateEncounter(context.Background(), enc); err != nil {
		t.Fatalf("CreateEncounter: %v", err)
	}
	return enc
}

// pathTo lists the transitions that lead from draft to each status.
var pathTo = map[Status][]Status{
	StatusDraft:              nil,
	StatusConfirmed:          {StatusConfirmed},
	StatusCheckedIn:          {StatusConfirmed, StatusCheckedIn},
	StatusInProgress:         {StatusConfirmed, StatusCheckedIn, StatusInProgress},
	StatusCompleted:          {StatusConfirmed, StatusCheckedIn, StatusInProgress, StatusCompleted},
	StatusBilled:             {StatusConfirmed, StatusCheckedIn, StatusInProgress, StatusCompleted, StatusBilled},
	StatusCancelledByPatient: {StatusConfirmed, StatusCancelledByPatient},
	StatusCancelledByClinic:  {StatusConfirmed, StatusCancelledByClinic},
	StatusNoShow:             {StatusConfirmed, StatusNoShow},
}

func walkTo(t *testing.T, svc *Service, id uuid.UUID, target Status) {
	t.Helper()
	for _, s := range pathTo[target] {
		if _, err := svc.Apply(context.Background(), id, s); err != nil {
			t.Fatalf("walk to %s: apply %s: %v", target, s, err)
		}
	}
}

func TestCreateEncounter(t *testing.T) {
	svc := newTestService()
	enc := createEncounter(t, svc)

	if enc.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if enc.Status != StatusDraft {
		t.Errorf("expected draft, got %s", enc.Status)
	}
	if !enc.Active {
		t.Error("expected new encounter to be active")
	}
	if !enc.Stop.Equal(testNow.Add(defaultDuration)) {
		t.Errorf("expected default stop, got %v", enc.Stop)
	}
}

func TestCreateEncounter_Validation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if err := svc.CreateEncounter(ctx, &Encounter{}); err == nil {
		t.Error("expected error for missing partner_id")
	}
	if err := svc.CreateEncounter(ctx, &Encounter{PartnerID: uuid.New(), Status: StatusCompleted}); err == nil {
		t.Error("expected error when creating outside draft")
	}
	bad := &Encounter{PartnerID: uuid.New(), Start: testNow, Stop: testNow.Add(-time.Minute)}
	if err := svc.CreateEncounter(ctx, bad); err == nil {
		t.Error("expected error for stop before start")
	}
}

func TestApply_TransitionLegality(t *testing.T) {
	r := NewRegistry()
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			svc := newTestService()
			enc := createEncounter(t, svc, uuid.New())
			walkTo(t, svc, enc.ID, from)

			got, err := svc.Apply(context.Background(), enc.ID, to)
			if r.CanTransition(from, to) {
				if err != nil {
					t.Errorf("Apply %s -> %s: unexpected error %v", from, to, err)
					continue
				}
				if got.Status != to {
					t.Errorf("Apply %s -> %s: status is %s", from, to, got.Status)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Apply %s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
		}
	}
}

func TestApply_Scenario(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	e1 := createEncounter(t, svc)

	if _, err := svc.Apply(ctx, e1.ID, StatusCheckedIn); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed without patients, got %v", err)
	}

	if _, err := svc.AddPatient(ctx, e1.ID, uuid.New()); err != nil {
		t.Fatalf("AddPatient: %v", err)
	}
	if _, err := svc.Apply(ctx, e1.ID, StatusConfirmed); err != nil {
		t.Fatalf("Apply confirmed: %v", err)
	}
	got, err := svc.Apply(ctx, e1.ID, StatusCheckedIn)
	if err != nil {
		t.Fatalf("Apply checked_in: %v", err)
	}
	if got.CheckInAt == nil || !got.CheckInAt.Equal(testNow) {
		t.Errorf("expected check-in time to be stamped, got %v", got.CheckInAt)
	}

	if _, err := svc.Apply(ctx, e1.ID, StatusBilled); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApply_PublishesStatusChange(t *testing.T) {
	svc := newTestService()
	rec := &events.Recorder{}
	svc.SetPublisher(rec)
	enc := createEncounter(t, svc, uuid.New())

	if _, err := svc.Apply(context.Background(), enc.ID, StatusConfirmed); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := svc.Apply(context.Background(), enc.ID, StatusBilled); err == nil {
		t.Fatal("expected illegal transition to fail")
	}

	evs := rec.Events()
	if len(evs) != 1 {
		t.Fatalf("expected one event for the successful transition, got %d", len(evs))
	}
	if evs[0].Type != events.EncounterStatusChanged || evs[0].EncounterID != enc.ID || evs[0].PartnerID != enc.PartnerID {
		t.Errorf("unexpected event %+v", evs[0])
	}
	if string(evs[0].Data) == "" || !strings.Contains(string(evs[0].Data), `"to":"confirmed"`) {
		t.Errorf("expected transition payload, got %s", evs[0].Data)
	}
}

func TestApply_ConfirmWithoutPatients(t *testing.T) {
	svc := newTestService()
	enc := createEncounter(t, svc)
	if _, err := svc.Apply(context.Background(), enc.ID, StatusConfirmed); err != nil {
		t.Fatalf("confirming a draft needs no patients: %v", err)
	}
}

func TestApply_UnknownStatus(t *testing.T) {
	svc := newTestService()
	enc := createEncounter(t, svc)
	if _, err := svc.Apply(context.Background(), enc.ID, Status("teleported")); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestApply_NotFound(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Apply(context.Background(), uuid.New(), StatusConfirmed); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyNamed_LegacyAlias(t *testing.T) {
	svc := newTestService()
	enc := createEncounter(t, svc, uuid.New())
	got, err := svc.ApplyNamed(context.Background(), enc.ID, "booked")
	if err != nil {
		t.Fatalf("ApplyNamed: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Errorf("expected booked to resolve to confirmed, got %s", got.Status)
	}
}

func TestApply_Archived(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	enc := createEncounter(t, svc, uuid.New())

	archived, err := svc.Archive(ctx, enc.ID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if archived.Active {
		t.Error("expected archived encounter to be inactive")
	}
	if _, err := svc.Apply(ctx, enc.ID, StatusConfirmed); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed for archived encounter, got %v", err)
	}
}

func TestApply_ConcurrentSingleWinner(t *testing.T) {
	svc := newTestService()
	enc := createEncounter(t, svc, uuid.New())
	walkTo(t, svc, enc.ID, StatusConfirmed)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Apply(context.Background(), enc.ID, StatusCheckedIn)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrStatusConflict) && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly one successful transition, got %d", successes)
	}
	history, err := svc.GetStatusHistory(context.Background(), enc.ID)
	if err != nil {
		t.Fatalf("GetStatusHistory: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(history))
	}
}

func TestSetPatients_CannotClearAfterCheckIn(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	enc := createEncounter(t, svc, uuid.New())
	walkTo(t, svc, enc.ID, StatusCheckedIn)

	if _, err := svc.SetPatients(ctx, enc.ID, nil); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed, got %v", err)
	}

	draft := createEncounter(t, svc, uuid.New())
	got, err := svc.SetPatients(ctx, draft.ID, nil)
	if err != nil {
		t.Fatalf("clearing a draft should succeed: %v", err)
	}
	if len(got.PatientIDs) != 0 {
		t.Errorf("expected no patients, got %v", got.PatientIDs)
	}
}

func TestAddPatient_Dedupes(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	p := uuid.New()
	enc := createEncounter(t, svc, p, p)
	if len(enc.PatientIDs) != 1 {
		t.Fatalf("expected duplicates removed on create, got %v", enc.PatientIDs)
	}
	got, err := svc.AddPatient(ctx, enc.ID, p)
	if err != nil {
		t.Fatalf("AddPatient: %v", err)
	}
	if len(got.PatientIDs) != 1 {
		t.Errorf("expected 1 patient, got %d", len(got.PatientIDs))
	}
}

func TestFacts(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	enc := createEncounter(t, svc, uuid.New())
	walkTo(t, svc, enc.ID, StatusConfirmed)

	svc.SetClock(func() time.Time { return testNow.Add(20 * time.Minute) })
	facts, err := svc.Facts(ctx, enc.ID)
	if err != nil {
		t.Fatalf("Facts: %v", err)
	}
	if !facts.Late || facts.Color != ColorLate {
		t.Errorf("expected late confirmed visit, got %+v", facts)
	}
	if facts.Billable {
		t.Error("confirmed encounter must not be billable")
	}
	if len(facts.Next) != 4 {
		t.Errorf("expected 4 next statuses, got %v", facts.Next)
	}
}
