package integration

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinicpos/clinicpos/internal/domain/ledger"
)

func TestLedger_ConcurrentClaimSingleWinner(t *testing.T) {
	clinic := createClinic(t, "claim")
	svc := newServices()
	ctx := clinicCtx(t, clinic)

	enc := svc.completedEncounter(t, ctx, uuid.New())
	item := svc.addItem(t, ctx, enc, svc.product(t, ctx, "XRAY", 80), 1)

	const workers = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		conflict int
	)
	for i := 0; i < workers; i++ {
		owner := fmt.Sprintf("till-%d", i)
		wctx := clinicCtx(t, clinic)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ledger.Claim(wctx, item.ID, owner, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, owner)
			case errors.Is(err, ledger.ErrAlreadyClaimed):
				conflict++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 || conflict != workers-1 {
		t.Fatalf("expected one winner and %d conflicts, got winners=%v conflicts=%d", workers-1, winners, conflict)
	}
	got, err := svc.ledger.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != ledger.StateClaimed || got.ClaimOwner != winners[0] {
		t.Errorf("expected item claimed by %s, got %s/%s", winners[0], got.State, got.ClaimOwner)
	}
}

func TestLedger_ClaimCommitRelease(t *testing.T) {
	clinic := createClinic(t, "commit")
	svc := newServices()
	ctx := clinicCtx(t, clinic)

	enc := svc.completedEncounter(t, ctx, uuid.New())
	p := svc.product(t, ctx, "CONS", 50)
	a := svc.addItem(t, ctx, enc, p, 1)
	b := svc.addItem(t, ctx, enc, p, 2)

	tokA, err := svc.ledger.Claim(ctx, a.ID, "till-1", time.Minute)
	if err != nil {
		t.Fatalf("Claim a: %v", err)
	}
	lineID := uuid.New()
	done, err := svc.ledger.Commit(ctx, tokA, lineID)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if done.State != ledger.StateProcessed || done.OrderLineID == nil || *done.OrderLineID != lineID {
		t.Errorf("unexpected committed item %+v", done)
	}
	if _, err := svc.ledger.Commit(ctx, tokA, lineID); !errors.Is(err, ledger.ErrAlreadyProcessed) {
		t.Errorf("expected ErrAlreadyProcessed on second commit, got %v", err)
	}

	tokB, err := svc.ledger.Claim(ctx, b.ID, "till-1", time.Minute)
	if err != nil {
		t.Fatalf("Claim b: %v", err)
	}
	if err := svc.ledger.Release(ctx, tokB); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := svc.ledger.Commit(ctx, tokB, uuid.New()); err == nil {
		t.Error("expected commit with a released token to fail")
	}

	pending, err := svc.ledger.ListPending(ctx, ledger.Filter{EncounterID: &enc.ID})
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID || pending[0].ReleaseCount != 1 {
		t.Fatalf("expected only b pending with one release, got %+v", pending)
	}
}

func TestLedger_ExpiredClaimIsReclaimableAndSwept(t *testing.T) {
	clinic := createClinic(t, "expiry")
	svc := newServices()
	ctx := clinicCtx(t, clinic)

	enc := svc.completedEncounter(t, ctx, uuid.New())
	p := svc.product(t, ctx, "LAB", 20)
	a := svc.addItem(t, ctx, enc, p, 1)
	b := svc.addItem(t, ctx, enc, p, 1)

	stale, err := svc.ledger.Claim(ctx, a.ID, "till-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := svc.ledger.Claim(ctx, b.ID, "till-1", 10*time.Millisecond); err != nil {
		t.Fatalf("Claim b: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := svc.ledger.Claim(ctx, a.ID, "till-2", time.Minute); err != nil {
		t.Fatalf("expected expired claim to be taken over, got %v", err)
	}
	if _, err := svc.ledger.Commit(ctx, stale, uuid.New()); err == nil {
		t.Error("expected stale token commit to fail")
	}

	released, err := svc.ledger.ReleaseExpired(ctx)
	if err != nil {
		t.Fatalf("ReleaseExpired: %v", err)
	}
	if len(released) != 1 || released[0].ID != b.ID {
		t.Fatalf("expected only b swept, got %+v", released)
	}
}
