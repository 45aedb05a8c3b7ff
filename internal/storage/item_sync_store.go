package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opmsync-io/opmsync/internal/queue"
)

// Sentinel errors for item sync status storage operations.
var (
	// ErrItemSyncStoreFailed is returned when an item sync status operation fails.
	ErrItemSyncStoreFailed = errors.New("item sync status storage failed")

	// ItemSyncStore implements queue.ItemSyncStore.
	_ queue.ItemSyncStore = (*ItemSyncStore)(nil)
)

// ItemSyncStore persists the per-item latest sync state in PostgreSQL.
//
// One row per item, written by the dispatcher on every resolution. The webhook
// applier owns the pricing columns of the same table and never touches the
// columns written here; the two writers stay disjoint on purpose.
type ItemSyncStore struct {
	conn *Connection
}

// NewItemSyncStore creates a PostgreSQL-backed item sync status store.
func NewItemSyncStore(conn *Connection) (*ItemSyncStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ItemSyncStore{conn: conn}, nil
}

// Upsert implements queue.ItemSyncStore.
//
// The ERP internal id survives failed attempts: an empty ERPItemID in the
// incoming state never clears a previously recorded id (COALESCE/NULLIF on
// conflict), since the ERP row still exists even when the latest push failed.
func (s *ItemSyncStore) Upsert(ctx context.Context, state *queue.ItemSync) error {
	if state == nil {
		return fmt.Errorf("%w: state is nil", ErrItemSyncStoreFailed)
	}

	if state.ItemID <= 0 {
		return fmt.Errorf("%w: %w", ErrItemSyncStoreFailed, queue.ErrItemIDInvalid)
	}

	if !state.Status.IsValid() {
		return fmt.Errorf("%w: unknown item sync status '%s'", ErrItemSyncStoreFailed, state.Status)
	}

	summaryJSON, err := marshalSummaryJSONB(state.ValidationSummary)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal validation summary: %w", ErrItemSyncStoreFailed, err)
	}

	lastSyncAt := state.LastSyncAt
	if lastSyncAt.IsZero() {
		lastSyncAt = time.Now().UTC()
	}

	query := `
		INSERT INTO opms_item_sync (
			item_id,
			sync_status,
			last_sync_at,
			erp_item_id,
			last_error,
			field_validation_summary,
			updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NOW())
		ON CONFLICT (item_id) DO UPDATE
		SET
			sync_status = EXCLUDED.sync_status,
			last_sync_at = EXCLUDED.last_sync_at,
			erp_item_id = COALESCE(EXCLUDED.erp_item_id, opms_item_sync.erp_item_id),
			last_error = EXCLUDED.last_error,
			field_validation_summary = COALESCE(EXCLUDED.field_validation_summary, opms_item_sync.field_validation_summary),
			updated_at = NOW()
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		state.ItemID,
		state.Status.String(),
		lastSyncAt,
		state.ERPItemID,
		state.LastError,
		summaryJSON,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert item %d: %w", ErrItemSyncStoreFailed, state.ItemID, err)
	}

	return nil
}

// Get implements queue.ItemSyncStore.
func (s *ItemSyncStore) Get(ctx context.Context, itemID int64) (*queue.ItemSync, error) {
	query := `
		SELECT item_id, sync_status, last_sync_at, erp_item_id, last_error,
			field_validation_summary, last_pricing_update, pricing_error, updated_at
		FROM opms_item_sync
		WHERE item_id = $1
	`

	// sync_status is NULL on rows created by RecordPricingUpdate before the
	// item ever synced outbound.
	var (
		state       queue.ItemSync
		status      sql.NullString
		lastSyncAt  sql.NullTime
		erpItemID   sql.NullString
		lastError   sql.NullString
		summaryJSON []byte
		lastPricing sql.NullTime
		pricingErr  sql.NullString
	)

	err := s.conn.QueryRowContext(ctx, query, itemID).Scan(
		&state.ItemID,
		&status,
		&lastSyncAt,
		&erpItemID,
		&lastError,
		&summaryJSON,
		&lastPricing,
		&pricingErr,
		&state.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %d", queue.ErrItemSyncNotFound, itemID)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch item %d: %w", ErrItemSyncStoreFailed, itemID, err)
	}

	state.Status = queue.ItemStatus(status.String)
	state.LastSyncAt = lastSyncAt.Time
	state.ERPItemID = erpItemID.String
	state.LastError = lastError.String
	state.PricingError = pricingErr.String

	if lastPricing.Valid {
		state.LastPricingUpdate = &lastPricing.Time
	}

	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &state.ValidationSummary); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal validation summary: %w", ErrItemSyncStoreFailed, err)
		}
	}

	return &state, nil
}

// RecordPricingUpdate implements queue.ItemSyncStore.
//
// Inserts the row when the item has never synced outbound; the outbound
// columns then stay at their defaults until the dispatcher writes them.
func (s *ItemSyncStore) RecordPricingUpdate(
	ctx context.Context,
	itemID int64,
	appliedAt time.Time,
	pricingError string,
) error {
	if itemID <= 0 {
		return fmt.Errorf("%w: %w", ErrItemSyncStoreFailed, queue.ErrItemIDInvalid)
	}

	if appliedAt.IsZero() {
		appliedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO opms_item_sync (item_id, last_pricing_update, pricing_error, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NOW())
		ON CONFLICT (item_id) DO UPDATE
		SET
			last_pricing_update = EXCLUDED.last_pricing_update,
			pricing_error = EXCLUDED.pricing_error,
			updated_at = NOW()
	`

	_, err := s.conn.ExecContext(ctx, query, itemID, appliedAt, pricingError)
	if err != nil {
		return fmt.Errorf("%w: failed to record pricing update for item %d: %w",
			ErrItemSyncStoreFailed, itemID, err)
	}

	return nil
}

// marshalSummaryJSONB marshals validation counts to JSONB, returning SQL NULL
// for empty maps.
func marshalSummaryJSONB(summary map[string]int) (sql.NullString, error) {
	if len(summary) == 0 {
		return sql.NullString{Valid: false}, nil
	}

	jsonBytes, err := json.Marshal(summary)
	if err != nil {
		return sql.NullString{Valid: false}, err
	}

	return sql.NullString{String: string(jsonBytes), Valid: true}, nil
}
