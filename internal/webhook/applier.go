package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/opmsync-io/opmsync/internal/config"
	"github.com/opmsync-io/opmsync/internal/queue"
)

// ProtectedSkipReason is recorded when the guard flag blocks an apply.
const ProtectedSkipReason = "Pricing is protected for this item"

// webhookPacing is the minimum spacing between distinct webhook applies,
// matching the ERP's callback rate.
const webhookPacing = time.Second

// PricingStore is what the applier needs from persistence.
//
// Defined here so the applier can be exercised against mocks; the PostgreSQL
// implementation lives in internal/storage.
type PricingStore interface {
	// ResolveTarget maps an item code to its non-archived OPMS item and
	// product. Returns ErrItemUnknown when no such item exists.
	ResolveTarget(ctx context.Context, itemCode string) (*Target, error)

	// ApplyPricing writes both pricing tables for the target inside one
	// transaction and returns the before and after snapshots. Any failure
	// rolls the whole transaction back.
	ApplyPricing(ctx context.Context, target *Target, values PricingValues) (before, after *Snapshot, err error)
}

// Applier validates and applies inbound pricing webhooks.
//
// Distinct webhooks are paced at 1/s; the pacing state is owned here, not by
// the HTTP layer, so every code path that applies pricing is covered.
type Applier struct {
	store  PricingStore
	items  queue.ItemSyncStore
	pacer  *rate.Limiter
	logger *slog.Logger
	now    func() time.Time
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithClock overrides the applier's clock (tests).
func WithClock(now func() time.Time) ApplierOption {
	return func(a *Applier) {
		a.now = now
	}
}

// WithPacer overrides the webhook pacing limiter (tests).
func WithPacer(pacer *rate.Limiter) ApplierOption {
	return func(a *Applier) {
		a.pacer = pacer
	}
}

// NewApplier creates a pricing webhook applier.
func NewApplier(store PricingStore, items queue.ItemSyncStore, opts ...ApplierOption) (*Applier, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: pricing store is nil", ErrApplyFailed)
	}

	if items == nil {
		return nil, fmt.Errorf("%w: item sync store is nil", ErrApplyFailed)
	}

	applier := &Applier{
		store: store,
		items: items,
		pacer: rate.NewLimiter(rate.Every(webhookPacing), 1),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With(slog.String("component", "webhook_applier")),
		now: time.Now,
	}

	for _, opt := range opts {
		opt(applier)
	}

	return applier, nil
}

// Apply validates and applies one pricing webhook.
//
// The sequence is: structural validation, pacing, guard flag, target
// resolution, value coercion and range validation, transactional apply,
// sync-record stamp. A guarded webhook returns a skipped Result with no
// writes and no error; a failed transaction marks the item's sync record and
// returns ErrApplyFailed.
func (a *Applier) Apply(ctx context.Context, inbound *InboundPricing) (*Result, error) {
	if inbound == nil {
		return nil, fmt.Errorf("%w: empty body", ErrWebhookInvalid)
	}

	code := strings.TrimSpace(inbound.ItemCode)
	if code == "" {
		return nil, fmt.Errorf("%w: itemid is required", ErrWebhookInvalid)
	}

	if strings.TrimSpace(inbound.InternalID) == "" {
		return nil, fmt.Errorf("%w: internalid is required", ErrWebhookInvalid)
	}

	if err := a.pacer.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}

	if inbound.Protected.True() {
		a.logger.Info("Pricing webhook skipped by guard flag",
			slog.String("item_code", code),
			slog.String("erp_internal_id", inbound.InternalID),
		)

		return &Result{
			ItemCode:   code,
			Skipped:    true,
			SkipReason: ProtectedSkipReason,
			AppliedAt:  a.now().UTC(),
		}, nil
	}

	target, err := a.store.ResolveTarget(ctx, code)
	if err != nil {
		return nil, err
	}

	values := inbound.Values()
	if err := values.Validate(); err != nil {
		return nil, err
	}

	warnings := values.Warnings()
	for _, warning := range warnings {
		a.logger.Warn("Pricing webhook warning",
			slog.String("item_code", code),
			slog.Int64("item_id", target.ItemID),
			slog.String("warning", warning),
		)
	}

	before, after, err := a.store.ApplyPricing(ctx, target, values)
	if err != nil {
		a.markFailed(ctx, target.ItemID, err)

		return nil, fmt.Errorf("%w: item %d: %w", ErrApplyFailed, target.ItemID, err)
	}

	appliedAt := a.now().UTC()

	if err := a.items.RecordPricingUpdate(ctx, target.ItemID, appliedAt, ""); err != nil {
		// Pricing is committed; a failed stamp only degrades the audit trail.
		a.logger.Warn("Failed to stamp pricing update on sync record",
			slog.Int64("item_id", target.ItemID),
			slog.String("error", err.Error()),
		)
	}

	a.logger.Info("Pricing webhook applied",
		slog.String("item_code", code),
		slog.Int64("item_id", target.ItemID),
		slog.Int64("product_id", target.ProductID),
		slog.Int("warnings", len(warnings)),
	)

	return &Result{
		ItemID:    target.ItemID,
		ProductID: target.ProductID,
		ItemCode:  code,
		Before:    before,
		After:     after,
		Warnings:  warnings,
		AppliedAt: appliedAt,
	}, nil
}

// markFailed records a rolled-back apply on the item's sync record,
// best-effort.
func (a *Applier) markFailed(ctx context.Context, itemID int64, applyErr error) {
	if err := a.items.RecordPricingUpdate(ctx, itemID, a.now().UTC(), applyErr.Error()); err != nil {
		a.logger.Error("Failed to mark pricing failure on sync record",
			slog.Int64("item_id", itemID),
			slog.String("error", err.Error()),
		)
	}
}
