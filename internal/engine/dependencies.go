package engine

import (
	"context"
	"time"

	"github.com/opmsync-io/opmsync/internal/catalog"
	"github.com/opmsync-io/opmsync/internal/erp"
)

// The engine defines what it needs from its collaborators, following the
// Dependency Inversion Principle. Concrete implementations live in
// internal/storage, internal/catalog, internal/erp, and internal/changefeed;
// tests substitute in-memory fakes.
type (
	// Gate answers whether synchronization is globally enabled. Must fail
	// closed when the answer cannot be determined.
	Gate interface {
		IsEnabled(ctx context.Context) bool
	}

	// Catalog resolves and extracts OPMS items.
	Catalog interface {
		// Identity resolves the light per-item facts used by the digital
		// guard and the enqueue filters.
		Identity(ctx context.Context, itemID int64) (*catalog.ItemIdentity, error)

		// Extract performs the full extraction for payload building.
		Extract(ctx context.Context, itemID int64) (*catalog.ExtractedItem, error)

		// ItemsForProduct lists the active items under a product.
		ItemsForProduct(ctx context.Context, productID int64) ([]*catalog.ItemIdentity, error)

		// ModifiedSince lists items whose catalog rows changed after the
		// watermark, oldest first, capped at limit.
		ModifiedSince(ctx context.Context, since time.Time, limit int) ([]*catalog.ItemIdentity, error)
	}

	// VendorResolver maps an OPMS vendor id to its ERP internal id.
	// ok=false means no mapping is known and the payload omits the vendor.
	VendorResolver interface {
		ERPVendorID(ctx context.Context, opmsVendorID int64) (int64, bool)
	}

	// Upserter pushes one payload to the ERP. envOverride selects a
	// non-default environment for this call; empty uses the default.
	Upserter interface {
		Upsert(ctx context.Context, payload *erp.Payload, envOverride string) (*erp.UpsertResponse, error)
	}

	// OutcomePublisher emits terminal job outcomes to downstream consumers.
	// Publishing is best-effort: the dispatcher logs failures and moves on,
	// it never blocks or fails a job on the feed.
	OutcomePublisher interface {
		PublishOutcome(ctx context.Context, outcome *JobOutcome) error
	}

	// TriggerChecker reports which of the named database triggers are
	// installed.
	TriggerChecker interface {
		InstalledTriggers(ctx context.Context, names ...string) (map[string]bool, error)
	}
)

// JobOutcome is the event published when a job reaches a terminal state.
//
//nolint:tagliatelle // feed consumers expect snake_case keys
type JobOutcome struct {
	JobID         int64     `json:"job_id"`
	ItemID        int64     `json:"item_id"`
	ProductID     int64     `json:"product_id,omitempty"`
	EventType     string    `json:"event_type"`
	Source        string    `json:"source"`
	Outcome       string    `json:"outcome"` // synced | skipped | failed
	ERPInternalID string    `json:"erp_internal_id,omitempty"`
	Operation     string    `json:"operation,omitempty"`
	SkipReason    string    `json:"skip_reason,omitempty"`
	Error         string    `json:"error,omitempty"`
	Attempts      int       `json:"attempts"`
	DurationMs    int64     `json:"duration_ms"`
	OccurredAt    time.Time `json:"occurred_at"`
}
