package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository stores pending items. Claim, Commit, Release and Cancel are
// each a single compare-and-set on the item's state.
type Repository interface {
	Create(ctx context.Context, it *Item) error
	GetByID(ctx context.Context, id uuid.UUID) (*Item, error)

	// List returns matching items ordered by creation time, then insertion
	// order.
	List(ctx context.Context, f Filter) ([]*Item, error)

	// Claim moves a pending item, or one whose claim expired before
	// tok.IssuedAt, to claimed under tok.
	Claim(ctx context.Context, tok ClaimToken) (*Item, error)

	// Commit moves an item claimed under tok to processed. Committing an
	// item already processed under the same claim returns it unchanged.
	Commit(ctx context.Context, tok ClaimToken, lineID *uuid.UUID, now time.Time) (*Item, error)

	// Release returns an item claimed under tok to pending. The bool is
	// false when there was nothing to release.
	Release(ctx context.Context, tok ClaimToken, now time.Time) (*Item, bool, error)

	ReleaseOwner(ctx context.Context, owner string, now time.Time) ([]*Item, error)
	ReleaseExpired(ctx context.Context, now time.Time) ([]*Item, error)
	Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*Item, error)

	// Reset returns a cancelled item to pending. Other non-processed
	// states are left untouched.
	Reset(ctx context.Context, id uuid.UUID, now time.Time) (*Item, error)
}

func checkClaim(it *Item, now time.Time) error {
	switch it.State {
	case StateProcessed:
		return ErrAlreadyProcessed
	case StateCancelled:
		return ErrItemCancelled
	case StateClaimed:
		if it.ClaimLive(now) {
			return ErrAlreadyClaimed
		}
	}
	return nil
}

// checkCommit reports done when the item was already processed under tok.
func checkCommit(it *Item, tok ClaimToken, now time.Time) (done bool, err error) {
	sameClaim := it.ClaimID != nil && *it.ClaimID == tok.ClaimID
	switch {
	case it.State == StateProcessed && sameClaim:
		return true, nil
	case it.State == StateProcessed:
		return false, ErrAlreadyProcessed
	case it.State == StateCancelled:
		return false, ErrItemCancelled
	case it.State == StatePending:
		return false, ErrClaimExpired
	case it.ClaimOwner != tok.Owner:
		return false, ErrNotOwner
	case !sameClaim, !it.ClaimLive(now):
		return false, ErrClaimExpired
	}
	return false, nil
}

// checkRelease reports apply only when tok still holds the claim. Anything
// else is a no-op except a matching claim presented by a different owner.
func checkRelease(it *Item, tok ClaimToken) (apply bool, err error) {
	if it.State != StateClaimed || it.ClaimID == nil || *it.ClaimID != tok.ClaimID {
		return false, nil
	}
	if it.ClaimOwner != tok.Owner {
		return false, ErrNotOwner
	}
	return true, nil
}

func checkCancel(it *Item, now time.Time) (done bool, err error) {
	switch it.State {
	case StateCancelled:
		return true, nil
	case StateProcessed:
		return false, ErrAlreadyProcessed
	case StateClaimed:
		if it.ClaimLive(now) {
			return false, ErrAlreadyClaimed
		}
	}
	return false, nil
}

// checkReset reports apply only for a cancelled item.
func checkReset(it *Item) (apply bool, err error) {
	switch it.State {
	case StateCancelled:
		return true, nil
	case StateProcessed:
		return false, ErrAlreadyProcessed
	}
	return false, nil
}

func applyClaim(it *Item, tok ClaimToken) {
	claimID := tok.ClaimID
	issued := tok.IssuedAt
	expires := tok.ExpiresAt()
	it.State = StateClaimed
	it.ClaimID = &claimID
	it.ClaimOwner = tok.Owner
	it.ClaimedAt = &issued
	it.ClaimExpiresAt = &expires
	it.UpdatedAt = issued
}

func applyCommit(it *Item, lineID *uuid.UUID, now time.Time) {
	it.State = StateProcessed
	it.OrderLineID = lineID
	it.ProcessedAt = &now
	it.UpdatedAt = now
}

func applyRelease(it *Item, now time.Time) {
	it.State = StatePending
	it.ClaimID = nil
	it.ClaimOwner = ""
	it.ClaimedAt = nil
	it.ClaimExpiresAt = nil
	it.ReleaseCount++
	it.LastReleasedAt = &now
	it.UpdatedAt = now
}

func applyCancel(it *Item, now time.Time) {
	it.State = StateCancelled
	it.ClaimID = nil
	it.ClaimOwner = ""
	it.ClaimedAt = nil
	it.ClaimExpiresAt = nil
	it.UpdatedAt = now
}

func applyReset(it *Item, now time.Time) {
	it.State = StatePending
	it.UpdatedAt = now
}
