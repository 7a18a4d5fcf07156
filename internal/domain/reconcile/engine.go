package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicpos/clinicpos/internal/domain/catalog"
	"github.com/clinicpos/clinicpos/internal/domain/encounter"
	"github.com/clinicpos/clinicpos/internal/domain/ledger"
	"github.com/clinicpos/clinicpos/internal/platform/events"
)

// Ledger is the part of the item ledger the engine drives.
type Ledger interface {
	ListPending(ctx context.Context, f ledger.Filter) ([]*ledger.Item, error)
	Claim(ctx context.Context, itemID uuid.UUID, owner string, ttl time.Duration) (ledger.ClaimToken, error)
	Commit(ctx context.Context, tok ledger.ClaimToken, lineID uuid.UUID) (*ledger.Item, error)
	Release(ctx context.Context, tok ledger.ClaimToken) error
	ReleaseByOwner(ctx context.Context, owner string) ([]*ledger.Item, error)
}

// Encounters is used to bill an encounter once all its items are processed.
type Encounters interface {
	GetEncounter(ctx context.Context, id uuid.UUID) (*encounter.Encounter, error)
	Apply(ctx context.Context, id uuid.UUID, next encounter.Status) (*encounter.Encounter, error)
}

// Observer receives per-item outcomes and per-call timings. reason is empty
// for processed items.
type Observer interface {
	ReconcileItem(outcome, reason string)
	ReconcileDone(status string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ReconcileItem(string, string)        {}
func (nopObserver) ReconcileDone(string, time.Duration) {}

type Option func(*Engine)

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.obs = o }
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With().Str("component", "reconcile").Logger() }
}

// WithClaimTTL sets the TTL of claims taken during a call. Zero keeps the
// ledger default.
func WithClaimTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine turns pending items into checkout order lines.
type Engine struct {
	ledger     Ledger
	encounters Encounters
	obs        Observer
	pub        events.Publisher
	logger     zerolog.Logger
	ttl        time.Duration
	now        func() time.Time
}

func NewEngine(l Ledger, encounters Encounters, opts ...Option) *Engine {
	e := &Engine{
		ledger:     l,
		encounters: encounters,
		obs:        nopObserver{},
		pub:        events.Nop{},
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type held struct {
	item *ledger.Item
	tok  ledger.ClaimToken
}

// Reconcile claims every pending item matching req, appends the resolvable
// ones to sink and commits them. Items that cannot be resolved or appended
// are released and reported as failed; items claimed by someone else are
// skipped. A non-nil error means the ledger or encounter store failed or ctx
// was cancelled; claims still held at that point are released and the
// result so far is returned with the error.
func (e *Engine) Reconcile(ctx context.Context, req Request, lookup catalog.Lookup, sink OrderSink) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if lookup == nil || sink == nil {
		return nil, fmt.Errorf("%w: catalog lookup and order sink are required", ErrInvalidRequest)
	}
	start := e.now()
	log := e.logger.With().Str("owner", req.Owner).Str("partner_id", req.PartnerID.String()).Logger()

	items, err := e.ledger.ListPending(ctx, req.filter())
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	res := newResult()
	if len(items) == 0 {
		return e.finish(ctx, req, res, start, log), nil
	}

	claims := make([]held, 0, len(items))
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			e.releaseAll(ctx, claims, log)
			return e.abort(ctx, req, res, start, log, err)
		}
		tok, err := e.ledger.Claim(ctx, it.ID, req.Owner, e.ttl)
		if err == nil {
			claims = append(claims, held{item: it, tok: tok})
			continue
		}
		reason, ok := skipReason(err)
		if !ok {
			e.releaseAll(ctx, claims, log)
			return e.abort(ctx, req, res, start, log, fmt.Errorf("claim item %s: %w", it.ID, err))
		}
		e.skip(res, it, reason, err)
	}

	for i, c := range claims {
		if err := ctx.Err(); err != nil {
			e.releaseAll(ctx, claims[i:], log)
			return e.abort(ctx, req, res, start, log, err)
		}
		if err := e.process(ctx, req, res, c, lookup, sink, log); err != nil {
			e.releaseAll(ctx, claims[i+1:], log)
			return e.abort(ctx, req, res, start, log, err)
		}
	}

	if req.EncounterID != nil && len(res.Processed)+res.settled > 0 {
		billed, err := e.autoBill(ctx, *req.EncounterID, log)
		if err != nil {
			return e.abort(ctx, req, res, start, log, err)
		}
		res.EncounterBilled = billed
	}
	return e.finish(ctx, req, res, start, log), nil
}

// process handles one claimed item. Only ledger storage failures are
// returned; everything else lands in a result bucket.
func (e *Engine) process(ctx context.Context, req Request, res *Result, c held, lookup catalog.Lookup, sink OrderSink, log zerolog.Logger) error {
	it := c.item
	ir := ItemResult{
		ItemID:          it.ID,
		EncounterID:     it.EncounterID,
		Description:     it.Description,
		PartnerMismatch: req.PartnerID != uuid.Nil && it.PartnerID != req.PartnerID,
	}
	if ir.PartnerMismatch {
		log.Warn().
			Str("item_id", it.ID.String()).
			Str("item_partner_id", it.PartnerID.String()).
			Msg("item billed to a different partner")
	}

	product, err := lookup.LookupProduct(ctx, it.ProductID)
	if err != nil {
		reason := ReasonCatalogError
		if errors.Is(err, catalog.ErrProductNotFound) {
			reason = ReasonProductNotFound
		}
		return e.fail(ctx, res, c, ir, reason, err, log)
	}

	lineID, err := sink.Append(ctx, describe(it, product, ir.PartnerMismatch))
	if err != nil {
		var billed *BilledError
		if errors.As(err, &billed) {
			return e.settleBilled(ctx, res, c, ir, billed, log)
		}
		return e.fail(ctx, res, c, ir, ReasonSinkRejected, err, log)
	}

	if _, err := e.ledger.Commit(ctx, c.tok, lineID); err != nil {
		if !e.removeLine(ctx, sink, lineID, log) {
			// The line stays on the order, so the item is billed.
			aerr := e.adopt(ctx, req.Owner, c, lineID, log)
			if aerr == nil {
				log.Warn().
					Err(err).
					Str("item_id", it.ID.String()).
					Str("line_id", lineID.String()).
					Msg("commit retried for a line that could not be removed")
				ir.LineID = &lineID
				res.Processed = append(res.Processed, ir)
				e.obs.ReconcileItem("processed", "")
				return nil
			}
			log.Error().
				Err(aerr).
				Str("item_id", it.ID.String()).
				Str("line_id", lineID.String()).
				Msg("order line kept for an uncommitted item")
		}
		if !ledgerTaxonomy(err) {
			e.release(ctx, c, log)
			return fmt.Errorf("commit item %s: %w", it.ID, err)
		}
		return e.fail(ctx, res, c, ir, ReasonCommitFailed, err, log)
	}
	ir.LineID = &lineID
	res.Processed = append(res.Processed, ir)
	e.obs.ReconcileItem("processed", "")
	return nil
}

// adopt commits an item against a line that could not be taken back,
// reclaiming it first when the original claim lapsed.
func (e *Engine) adopt(ctx context.Context, owner string, c held, lineID uuid.UUID, log zerolog.Logger) error {
	rctx := context.WithoutCancel(ctx)
	_, err := e.ledger.Commit(rctx, c.tok, lineID)
	if !errors.Is(err, ledger.ErrClaimExpired) {
		return err
	}
	tok, err := e.ledger.Claim(rctx, c.item.ID, owner, e.ttl)
	if err != nil {
		return err
	}
	if _, err := e.ledger.Commit(rctx, tok, lineID); err != nil {
		e.release(ctx, held{item: c.item, tok: tok}, log)
		return err
	}
	return nil
}

// settleBilled commits an item the sink already holds a line for. It is
// reported as skipped since this call added nothing to the order.
func (e *Engine) settleBilled(ctx context.Context, res *Result, c held, ir ItemResult, billed *BilledError, log zerolog.Logger) error {
	if _, err := e.ledger.Commit(ctx, c.tok, billed.LineID); err != nil {
		if !ledgerTaxonomy(err) {
			e.release(ctx, c, log)
			return fmt.Errorf("commit item %s: %w", c.item.ID, err)
		}
		return e.fail(ctx, res, c, ir, ReasonCommitFailed, err, log)
	}
	lineID := billed.LineID
	ir.LineID = &lineID
	ir.Reason = ReasonAlreadyBilled
	ir.Error = billed.Error()
	res.Skipped = append(res.Skipped, ir)
	res.settled++
	e.obs.ReconcileItem("skipped", string(ReasonAlreadyBilled))
	log.Warn().
		Str("item_id", c.item.ID.String()).
		Str("line_id", lineID.String()).
		Str("order_id", billed.OrderID.String()).
		Msg("item already on an order line, committed against it")
	return nil
}

func (e *Engine) fail(ctx context.Context, res *Result, c held, ir ItemResult, reason Reason, cause error, log zerolog.Logger) error {
	if err := e.ledger.Release(context.WithoutCancel(ctx), c.tok); err != nil && !ledgerTaxonomy(err) {
		return fmt.Errorf("release item %s: %w", c.item.ID, err)
	}
	ir.Reason = reason
	ir.Error = cause.Error()
	res.Failed = append(res.Failed, ir)
	e.obs.ReconcileItem("failed", string(reason))
	log.Warn().
		Err(cause).
		Str("item_id", c.item.ID.String()).
		Str("reason", string(reason)).
		Msg("item not reconciled")
	return nil
}

func (e *Engine) skip(res *Result, it *ledger.Item, reason Reason, cause error) {
	res.Skipped = append(res.Skipped, ItemResult{
		ItemID:      it.ID,
		EncounterID: it.EncounterID,
		Description: it.Description,
		Reason:      reason,
		Error:       cause.Error(),
	})
	e.obs.ReconcileItem("skipped", string(reason))
}

// removeLine reports whether the line is gone from the order.
func (e *Engine) removeLine(ctx context.Context, sink OrderSink, lineID uuid.UUID, log zerolog.Logger) bool {
	rm, ok := sink.(LineRemover)
	if !ok {
		return false
	}
	if err := rm.RemoveLine(context.WithoutCancel(ctx), lineID); err != nil {
		log.Error().Err(err).Str("line_id", lineID.String()).Msg("remove uncommitted order line")
		return false
	}
	return true
}

// release returns one claim to pending even when ctx is already cancelled.
func (e *Engine) release(ctx context.Context, c held, log zerolog.Logger) {
	if err := e.ledger.Release(context.WithoutCancel(ctx), c.tok); err != nil {
		log.Error().Err(err).Str("item_id", c.item.ID.String()).Msg("release claim")
	}
}

func (e *Engine) releaseAll(ctx context.Context, claims []held, log zerolog.Logger) {
	for _, c := range claims {
		e.release(ctx, c, log)
	}
}

// autoBill moves a completed encounter to billed once it has no open items.
// Status errors are logged; encounter or ledger storage errors are returned.
func (e *Engine) autoBill(ctx context.Context, encounterID uuid.UUID, log zerolog.Logger) (bool, error) {
	open, err := e.ledger.ListPending(ctx, ledger.Filter{EncounterID: &encounterID})
	if err != nil {
		return false, fmt.Errorf("list open items: %w", err)
	}
	if len(open) > 0 {
		return false, nil
	}
	enc, err := e.encounters.GetEncounter(ctx, encounterID)
	if err != nil {
		if errors.Is(err, encounter.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get encounter: %w", err)
	}
	if enc.Status != encounter.StatusCompleted || !enc.Active {
		return false, nil
	}
	if _, err := e.encounters.Apply(ctx, encounterID, encounter.StatusBilled); err != nil {
		if statusTaxonomy(err) {
			log.Warn().Err(err).Str("encounter_id", encounterID.String()).Msg("encounter not billed")
			return false, nil
		}
		return false, fmt.Errorf("bill encounter: %w", err)
	}
	return true, nil
}

func (e *Engine) finish(ctx context.Context, req Request, res *Result, start time.Time, log zerolog.Logger) *Result {
	res.settle()
	res.Duration = e.now().Sub(start)
	e.obs.ReconcileDone(string(res.Status), res.Duration)

	log.Info().
		Str("status", string(res.Status)).
		Int("processed", len(res.Processed)).
		Int("skipped", len(res.Skipped)).
		Int("failed", len(res.Failed)).
		Int("partner_mismatch", res.MismatchCount()).
		Bool("encounter_billed", res.EncounterBilled).
		Dur("duration", res.Duration).
		Msg("reconcile finished")

	var encounterID uuid.UUID
	if req.EncounterID != nil {
		encounterID = *req.EncounterID
	}
	ev := events.New(events.ReconcileCompleted, req.PartnerID, encounterID, res)
	ev.Terminal = req.Owner
	if err := e.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Error().Err(err).Msg("publish reconcile event")
	}
	return res
}

func (e *Engine) abort(ctx context.Context, req Request, res *Result, start time.Time, log zerolog.Logger, cause error) (*Result, error) {
	res.settle()
	res.Duration = e.now().Sub(start)
	e.obs.ReconcileDone("error", res.Duration)
	log.Error().
		Err(cause).
		Int("processed", len(res.Processed)).
		Int("skipped", len(res.Skipped)).
		Int("failed", len(res.Failed)).
		Msg("reconcile aborted")
	return res, cause
}

// ReleaseOwner drops every claim held by owner so an abandoned call does not
// have to wait for the TTL. It is till-wide: a concurrent call on the same
// terminal loses its claims too and reports those items as commit_failed.
func (e *Engine) ReleaseOwner(ctx context.Context, owner string) ([]*ledger.Item, error) {
	items, err := e.ledger.ReleaseByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		e.logger.Info().Str("owner", owner).Int("released", len(items)).Msg("claims released by owner")
	}
	return items, nil
}

func (r Request) validate() error {
	if r.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if r.PartnerID == uuid.Nil && r.EncounterID == nil {
		return fmt.Errorf("%w: partner or encounter is required", ErrInvalidRequest)
	}
	return nil
}

// filter scopes to the encounter when one is given, so items billed to
// another partner are still picked up and flagged.
func (r Request) filter() ledger.Filter {
	if r.EncounterID != nil {
		id := *r.EncounterID
		return ledger.Filter{EncounterID: &id}
	}
	id := r.PartnerID
	return ledger.Filter{PartnerID: &id}
}

func describe(it *ledger.Item, p *catalog.Product, mismatch bool) Descriptor {
	desc := it.Description
	if desc == "" {
		desc = p.Name
	}
	return Descriptor{
		ItemID:          it.ID,
		EncounterID:     it.EncounterID,
		PartnerID:       it.PartnerID,
		ProductID:       p.ID,
		ProductCode:     p.Code,
		Description:     desc,
		Quantity:        it.Quantity,
		UnitPrice:       it.UnitPrice,
		Discount:        it.Discount,
		PatientID:       it.PatientID,
		PractitionerID:  it.PractitionerID,
		CommissionPct:   it.CommissionPct,
		PartnerMismatch: mismatch,
	}
}

func skipReason(err error) (Reason, bool) {
	switch {
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		return ReasonAlreadyClaimed, true
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		return ReasonAlreadyProcessed, true
	case errors.Is(err, ledger.ErrItemCancelled), errors.Is(err, ledger.ErrItemNotFound):
		return ReasonCancelled, true
	}
	return "", false
}

func ledgerTaxonomy(err error) bool {
	for _, target := range []error{
		ledger.ErrItemNotFound,
		ledger.ErrInvalidItem,
		ledger.ErrAlreadyClaimed,
		ledger.ErrAlreadyProcessed,
		ledger.ErrItemCancelled,
		ledger.ErrClaimExpired,
		ledger.ErrNotOwner,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func statusTaxonomy(err error) bool {
	return errors.Is(err, encounter.ErrInvalidTransition) ||
		errors.Is(err, encounter.ErrPreconditionFailed) ||
		errors.Is(err, encounter.ErrNotFound)
}
