package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/opmsync-io/opmsync/internal/config"
	"github.com/opmsync-io/opmsync/internal/webhook"
)

// Sentinel errors for pricing storage operations.
var (
	// ErrPricingStoreFailed is returned when a pricing operation fails.
	ErrPricingStoreFailed = errors.New("pricing storage failed")

	// PricingStore implements webhook.PricingStore.
	_ webhook.PricingStore = (*PricingStore)(nil)
)

// PricingStore writes the two OPMS pricing tables for inbound webhooks.
//
// opms_price is keyed (product_id, product_type) and carries the customer
// prices; opms_cost is keyed product_id and carries the vendor costs. Both
// writes happen inside one transaction: a failure on either table leaves no
// partial update behind.
type PricingStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPricingStore creates a PostgreSQL-backed pricing store.
func NewPricingStore(conn *Connection) (*PricingStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PricingStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With(slog.String("component", "pricing_store")),
	}, nil
}

// ResolveTarget implements webhook.PricingStore.
//
// The match is by exact item code against non-archived items with
// non-archived products, mirroring the outbound syncability filters.
func (s *PricingStore) ResolveTarget(ctx context.Context, itemCode string) (*webhook.Target, error) {
	query := `
		SELECT i.id, i.product_id, COALESCE(i.product_type, 'R')
		FROM opms_item i
		JOIN opms_product p ON p.id = i.product_id
		WHERE i.code = $1
		  AND i.archived = 'N'
		  AND p.archived = 'N'
	`

	var target webhook.Target

	err := s.conn.QueryRowContext(ctx, query, itemCode).Scan(
		&target.ItemID,
		&target.ProductID,
		&target.ProductType,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: code '%s'", webhook.ErrItemUnknown, itemCode)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: resolve code '%s': %w", ErrPricingStoreFailed, itemCode, err)
	}

	return &target, nil
}

// ApplyPricing implements webhook.PricingStore.
//
// Reads the before state under row locks, upserts both tables, and commits.
// The after snapshot is re-read inside the same transaction so it reflects
// exactly what was committed.
func (s *PricingStore) ApplyPricing(
	ctx context.Context,
	target *webhook.Target,
	values webhook.PricingValues,
) (*webhook.Snapshot, *webhook.Snapshot, error) {
	if target == nil || target.ProductID <= 0 {
		return nil, nil, fmt.Errorf("%w: target is missing its product", ErrPricingStoreFailed)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to begin transaction: %w", ErrPricingStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	before, err := s.snapshot(ctx, tx, target, true)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrPricingStoreFailed, err)
	}

	if err := s.upsertPrice(ctx, tx, target, values); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrPricingStoreFailed, err)
	}

	if err := s.upsertCost(ctx, tx, target, values); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrPricingStoreFailed, err)
	}

	after, err := s.snapshot(ctx, tx, target, false)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrPricingStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to commit: %w", ErrPricingStoreFailed, err)
	}

	s.logger.Debug("Pricing applied",
		slog.Int64("product_id", target.ProductID),
		slog.String("product_type", target.ProductType),
	)

	return before, after, nil
}

// snapshot reads both tables' state for the target. forUpdate locks the rows
// for the before read so concurrent webhooks serialize per product.
func (s *PricingStore) snapshot(
	ctx context.Context,
	tx *sql.Tx,
	target *webhook.Target,
	forUpdate bool,
) (*webhook.Snapshot, error) {
	priceQuery := `
		SELECT COALESCE(cut_price, 0), COALESCE(roll_price, 0)
		FROM opms_price
		WHERE product_id = $1 AND product_type = $2
	`

	costQuery := `
		SELECT COALESCE(cut_cost, 0), COALESCE(roll_cost, 0)
		FROM opms_cost
		WHERE product_id = $1
	`

	if forUpdate {
		priceQuery += " FOR UPDATE"
		costQuery += " FOR UPDATE"
	}

	var snap webhook.Snapshot

	err := tx.QueryRowContext(ctx, priceQuery, target.ProductID, target.ProductType).
		Scan(&snap.CutPrice, &snap.RollPrice)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read price row: %w", err)
	}

	err = tx.QueryRowContext(ctx, costQuery, target.ProductID).
		Scan(&snap.CutCost, &snap.RollCost)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read cost row: %w", err)
	}

	return &snap, nil
}

// upsertPrice writes the customer prices keyed (product_id, product_type).
func (s *PricingStore) upsertPrice(
	ctx context.Context,
	tx *sql.Tx,
	target *webhook.Target,
	values webhook.PricingValues,
) error {
	query := `
		INSERT INTO opms_price (product_id, product_type, cut_price, roll_price, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (product_id, product_type) DO UPDATE
		SET cut_price = EXCLUDED.cut_price,
			roll_price = EXCLUDED.roll_price,
			updated_at = NOW()
	`

	if _, err := tx.ExecContext(
		ctx, query, target.ProductID, target.ProductType, values.CustomerCut, values.CustomerRoll,
	); err != nil {
		return fmt.Errorf("write price row: %w", err)
	}

	return nil
}

// upsertCost writes the vendor costs keyed product_id.
func (s *PricingStore) upsertCost(
	ctx context.Context,
	tx *sql.Tx,
	target *webhook.Target,
	values webhook.PricingValues,
) error {
	query := `
		INSERT INTO opms_cost (product_id, cut_cost, roll_cost, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (product_id) DO UPDATE
		SET cut_cost = EXCLUDED.cut_cost,
			roll_cost = EXCLUDED.roll_cost,
			updated_at = NOW()
	`

	if _, err := tx.ExecContext(
		ctx, query, target.ProductID, values.VendorCut, values.VendorRoll,
	); err != nil {
		return fmt.Errorf("write cost row: %w", err)
	}

	return nil
}
