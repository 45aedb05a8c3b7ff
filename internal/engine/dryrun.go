package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/opmsync-io/opmsync/internal/catalog"
	"github.com/opmsync-io/opmsync/internal/config"
	"github.com/opmsync-io/opmsync/internal/erp"
	"github.com/opmsync-io/opmsync/internal/queue"
)

// Dry-run outcome values.
const (
	DryRunOutcomeSimulated = "simulated"
	DryRunOutcomeSkipped   = "skipped"
	DryRunOutcomeFailed    = "failed"
)

type (
	// DryRunRecord is one persisted simulation: the payload the dispatcher
	// would have sent for an item, without any queue or network involvement.
	DryRunRecord struct {
		ID                string
		ItemID            int64
		Payload           *erp.Payload
		ValidationSummary map[string]int
		Response          SimulatedResponse
		Outcome           string // simulated | skipped | failed
		SkipReason        string
		CreatedAt         time.Time
	}

	// SimulatedResponse mirrors the upsert response shape with a marker that
	// no request was made.
	SimulatedResponse struct {
		Success   bool   `json:"success"`
		Simulated bool   `json:"simulated"`
		Operation string `json:"operation,omitempty"`
		Message   string `json:"message,omitempty"`
	}

	// DryRunStore persists simulation records.
	DryRunStore interface {
		Save(ctx context.Context, record *DryRunRecord) error
	}

	// DryRunner runs the extract-validate-build pipeline for one item and
	// records what would have happened, following the dispatcher's exact
	// resolution order so a simulation predicts the real run.
	DryRunner struct {
		catalog Catalog
		vendors VendorResolver
		builder *erp.Builder
		store   DryRunStore
		logger  *slog.Logger
		newID   func() string
	}
)

// NewDryRunner creates a dry-run simulator.
func NewDryRunner(cat Catalog, vendors VendorResolver, builder *erp.Builder, store DryRunStore) (*DryRunner, error) {
	switch {
	case cat == nil:
		return nil, fmt.Errorf("%w: catalog", ErrMissingDependency)
	case vendors == nil:
		return nil, fmt.Errorf("%w: vendor resolver", ErrMissingDependency)
	case builder == nil:
		return nil, fmt.Errorf("%w: payload builder", ErrMissingDependency)
	case store == nil:
		return nil, fmt.Errorf("%w: dry run store", ErrMissingDependency)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("component", "dry-runner"))

	return &DryRunner{
		catalog: cat,
		vendors: vendors,
		builder: builder,
		store:   store,
		logger:  logger,
		newID:   uuid.NewString,
	}, nil
}

// Run simulates a sync for the item and persists the record.
//
// Ineligible items and payload failures resolve to a persisted record, the
// same way the dispatcher resolves them to a terminal job. Only transient
// infrastructure errors propagate.
func (r *DryRunner) Run(ctx context.Context, itemID int64) (*DryRunRecord, error) {
	record := &DryRunRecord{
		ID:        r.newID(),
		ItemID:    itemID,
		CreatedAt: time.Now().UTC(),
	}

	identity, err := r.catalog.Identity(ctx, itemID)
	if err != nil {
		return r.resolveError(ctx, record, err)
	}

	if queue.IsDigitalItem(identity.ProductType, identity.Code) {
		return r.persistSkip(ctx, record, catalog.ReasonDigitalItem)
	}

	extracted, err := r.catalog.Extract(ctx, itemID)
	if err != nil {
		return r.resolveError(ctx, record, err)
	}

	var erpVendorID int64

	if extracted.VendorID > 0 {
		if mapped, ok := r.vendors.ERPVendorID(ctx, extracted.VendorID); ok {
			erpVendorID = mapped
		}
	}

	payload, summary, err := r.builder.Build(extracted, erpVendorID)
	if err != nil {
		record.Outcome = DryRunOutcomeFailed
		record.Response = SimulatedResponse{Simulated: true, Message: err.Error()}

		return r.persist(ctx, record)
	}

	record.Payload = payload
	record.ValidationSummary = summary.Counts()
	record.Outcome = DryRunOutcomeSimulated
	record.Response = SimulatedResponse{
		Success:   true,
		Simulated: true,
		Operation: "upsert",
		Message:   fmt.Sprintf("item %s would be upserted", payload.ItemID),
	}

	return r.persist(ctx, record)
}

// resolveError turns a not-syncable error into a persisted skip and passes
// anything else through.
func (r *DryRunner) resolveError(ctx context.Context, record *DryRunRecord, cause error) (*DryRunRecord, error) {
	if errors.Is(cause, catalog.ErrItemNotSyncable) {
		return r.persistSkip(ctx, record, catalog.SkipReason(cause))
	}

	return nil, cause
}

func (r *DryRunner) persistSkip(ctx context.Context, record *DryRunRecord, reason string) (*DryRunRecord, error) {
	record.Outcome = DryRunOutcomeSkipped
	record.SkipReason = reason
	record.Response = SimulatedResponse{Simulated: true, Message: reason}

	return r.persist(ctx, record)
}

func (r *DryRunner) persist(ctx context.Context, record *DryRunRecord) (*DryRunRecord, error) {
	if err := r.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("dry run record not saved: %w", err)
	}

	r.logger.Info("dry run recorded",
		slog.String("dry_run_id", record.ID),
		slog.Int64("item_id", record.ItemID),
		slog.String("outcome", record.Outcome),
	)

	return record, nil
}
