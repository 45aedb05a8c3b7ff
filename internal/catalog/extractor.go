package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opmsync-io/opmsync/internal/config"
	"github.com/opmsync-io/opmsync/internal/storage"
)

// Extractor reads syncable item data from the OPMS catalog tables.
//
// One public operation matters: Extract, the master join plus auxiliary
// aggregations. Identity, ItemsForProduct, and ModifiedSince are the light
// queries the enqueue paths and the poller need.
type Extractor struct {
	conn   *storage.Connection
	logger *slog.Logger
}

// NewExtractor creates an OPMS catalog extractor.
func NewExtractor(conn *storage.Connection) (*Extractor, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &Extractor{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// masterJoinQuery is the single query producing a fully-populated row for one
// item. Filters mirror the syncability invariant: live item, live product,
// non-empty code. The vendor join carries its own filters (active, not
// archived) on the JOIN condition so a dead vendor nulls out instead of
// dropping the row.
//
// Relation aggregations run as LATERAL subqueries so each one collapses to a
// single text column without multiplying rows.
const masterJoinQuery = `
	SELECT
		i.id,
		i.code,
		i.product_type,
		COALESCE(i.upc_code, '') AS upc_code,
		p.id AS product_id,
		p.name AS product_name,
		p.width,
		p.vertical_repeat,
		p.horizontal_repeat,
		COALESCE(v.id, 0) AS vendor_id,
		COALESCE(v.name, '') AS vendor_name,
		COALESCE(pv.prop65, '') AS prop65,
		COALESCE(pv.ab2998, '') AS ab2998,
		COALESCE(pv.tariff_code, '') AS tariff_code,
		COALESCE(colors.agg, '') AS colors,
		COALESCE(finish.agg, '') AS finish,
		COALESCE(cleaning.agg, '') AS cleaning,
		COALESCE(origin.agg, '') AS origin,
		COALESCE(item_use.agg, '') AS item_use
	FROM opms_item i
	JOIN opms_product p
		ON p.id = i.product_id AND p.archived = 'N'
	LEFT JOIN opms_vendor v
		ON v.id = p.vendor_id AND v.active = 'Y' AND v.archived = 'N'
	LEFT JOIN opms_product_various pv
		ON pv.product_id = p.id
	LEFT JOIN LATERAL (
		SELECT string_agg(c.name, ', ' ORDER BY ic.sort_order, c.name) AS agg
		FROM opms_item_color ic
		JOIN opms_color c ON c.id = ic.color_id
		WHERE ic.item_id = i.id
	) colors ON TRUE
	LEFT JOIN LATERAL (
		SELECT string_agg(f.name, ', ' ORDER BY f.name) AS agg
		FROM opms_product_finish pf
		JOIN opms_finish f ON f.id = pf.finish_id
		WHERE pf.product_id = p.id
	) finish ON TRUE
	LEFT JOIN LATERAL (
		SELECT string_agg(cl.name, ', ' ORDER BY cl.name) AS agg
		FROM opms_product_cleaning pc
		JOIN opms_cleaning cl ON cl.id = pc.cleaning_id
		WHERE pc.product_id = p.id
	) cleaning ON TRUE
	LEFT JOIN LATERAL (
		SELECT string_agg(o.name, ', ' ORDER BY o.name) AS agg
		FROM opms_product_origin po
		JOIN opms_origin o ON o.id = po.origin_id
		WHERE po.product_id = p.id
	) origin ON TRUE
	LEFT JOIN LATERAL (
		SELECT string_agg(u.name, ', ' ORDER BY u.name) AS agg
		FROM opms_product_use pu
		JOIN opms_use u ON u.id = pu.use_id
		WHERE pu.product_id = p.id
	) item_use ON TRUE
	WHERE i.id = $1
	  AND i.archived = 'N'
	  AND COALESCE(i.code, '') <> ''
`

// Extract produces the fully-populated extraction for one item.
//
// Failure semantics:
//   - empty master join → diagnostic follow-up; a known syncability reason
//     returns ErrItemNotSyncable wrapping the reason, anything else returns
//     ErrExtractionFailed
//   - empty color aggregation → ErrItemNotSyncable with ReasonNoColors
//   - auxiliary aggregation failures degrade their field (query_failed), they
//     never fail the extraction
func (e *Extractor) Extract(ctx context.Context, itemID int64) (*ExtractedItem, error) {
	item := &ExtractedItem{ExtractedAt: time.Now().UTC()}

	var width, vRepeat, hRepeat sql.NullFloat64

	err := e.conn.QueryRowContext(ctx, masterJoinQuery, itemID).Scan(
		&item.ItemID,
		&item.ItemCode,
		&item.ProductType,
		&item.UPCCode,
		&item.ProductID,
		&item.ProductName,
		&width,
		&vRepeat,
		&hRepeat,
		&item.VendorID,
		&item.VendorName,
		&item.Prop65,
		&item.AB2998,
		&item.TariffCode,
		&item.Colors,
		&item.Finish,
		&item.Cleaning,
		&item.Origin,
		&item.Use,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, e.explainEmptyJoin(ctx, itemID)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: master join for item %d: %w", ErrExtractionFailed, itemID, err)
	}

	if width.Valid {
		item.Width = &width.Float64
	}

	if vRepeat.Valid {
		item.VerticalRepeat = &vRepeat.Float64
	}

	if hRepeat.Valid {
		item.HorizontalRepeat = &hRepeat.Float64
	}

	if item.Colors == "" {
		return nil, fmt.Errorf("%w: %s", ErrItemNotSyncable, ReasonNoColors)
	}

	// Auxiliary aggregations. Each failure is recorded on the field, not
	// returned: the validator downgrades it to query_failed and the payload
	// carries the sentinel.
	item.ContentFront = e.aggregate(ctx, contentQuery, item.ProductID, "F")
	item.ContentBack = e.aggregate(ctx, contentQuery, item.ProductID, "B")
	item.Abrasion = e.aggregate(ctx, abrasionQuery, item.ProductID)
	item.Firecodes = e.aggregate(ctx, firecodeQuery, item.ProductID)

	item.PurchaseDescription = BuildPurchaseDescription(item)
	item.SalesDescription = BuildSalesDescription(item)

	return item, nil
}

// Auxiliary aggregation queries. Content is split front/back by the side
// column; abrasion and firecodes include visible rows only.
const (
	contentQuery = `
		SELECT string_agg(
			CASE
				WHEN pc.percentage IS NOT NULL THEN pc.percentage::text || '% ' || c.name
				ELSE c.name
			END,
			', ' ORDER BY pc.percentage DESC NULLS LAST, c.name
		)
		FROM opms_product_content pc
		JOIN opms_content c ON c.id = pc.content_id
		WHERE pc.product_id = $1 AND pc.side = $2
	`

	abrasionQuery = `
		SELECT string_agg(pa.result, ', ' ORDER BY pa.id)
		FROM opms_product_abrasion pa
		WHERE pa.product_id = $1 AND pa.visible = 'Y'
	`

	firecodeQuery = `
		SELECT string_agg(f.name, ', ' ORDER BY f.name)
		FROM opms_product_firecode pf
		JOIN opms_firecode f ON f.id = pf.firecode_id
		WHERE pf.product_id = $1 AND pf.visible = 'Y'
	`
)

// aggregate runs one auxiliary aggregation and folds its three outcomes
// (value, empty, failure) into an AuxResult.
func (e *Extractor) aggregate(ctx context.Context, query string, args ...interface{}) AuxResult {
	var agg sql.NullString

	err := e.conn.QueryRowContext(ctx, query, args...).Scan(&agg)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		e.logger.Warn("auxiliary aggregation failed",
			slog.String("error", err.Error()))

		return AuxResult{Err: err}
	}

	return AuxResult{Value: agg.String}
}

// explainEmptyJoin runs the diagnostic follow-up after an empty master join
// and converts the finding into the right error kind.
func (e *Extractor) explainEmptyJoin(ctx context.Context, itemID int64) error {
	query := `
		SELECT
			COALESCE(i.code, '') = '' AS code_missing,
			i.archived = 'Y' AS item_archived,
			COALESCE(p.archived, 'Y') = 'Y' AS product_archived,
			EXISTS (SELECT 1 FROM opms_item_color ic WHERE ic.item_id = i.id) AS has_colors
		FROM opms_item i
		LEFT JOIN opms_product p ON p.id = i.product_id
		WHERE i.id = $1
	`

	var d diagnosis

	err := e.conn.QueryRowContext(ctx, query, itemID).Scan(
		&d.codeMissing,
		&d.itemArchived,
		&d.productArchived,
		&d.hasColors,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrItemNotSyncable, ReasonItemMissing)
	}

	if err != nil {
		return fmt.Errorf("%w: diagnostics for item %d: %w", ErrExtractionFailed, itemID, err)
	}

	switch {
	case d.itemArchived:
		return fmt.Errorf("%w: %s", ErrItemNotSyncable, ReasonItemArchived)
	case d.productArchived:
		return fmt.Errorf("%w: %s", ErrItemNotSyncable, ReasonProductArchived)
	case d.codeMissing:
		return fmt.Errorf("%w: %s", ErrItemNotSyncable, ReasonMissingCode)
	case !d.hasColors:
		return fmt.Errorf("%w: %s", ErrItemNotSyncable, ReasonNoColors)
	default:
		// The master join found nothing but the diagnostics see a live item.
		// Likely a racing write; let the retry sort it out.
		return fmt.Errorf("%w: item %d empty master join without a known cause", ErrExtractionFailed, itemID)
	}
}

// Identity resolves the light form of an item: existence, code, product type,
// archived flags. Returns ErrItemNotSyncable with ReasonItemMissing when the
// item does not exist.
func (e *Extractor) Identity(ctx context.Context, itemID int64) (*ItemIdentity, error) {
	query := `
		SELECT
			i.id,
			COALESCE(i.product_id, 0),
			COALESCE(i.code, ''),
			COALESCE(i.product_type, 'R'),
			i.archived = 'Y',
			COALESCE(p.archived, 'N') = 'Y',
			i.date_modified
		FROM opms_item i
		LEFT JOIN opms_product p ON p.id = i.product_id
		WHERE i.id = $1
	`

	var (
		id  ItemIdentity
		mod sql.NullTime
	)

	err := e.conn.QueryRowContext(ctx, query, itemID).Scan(
		&id.ItemID,
		&id.ProductID,
		&id.Code,
		&id.ProductType,
		&id.Archived,
		&id.ProductArchived,
		&mod,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotSyncable, ReasonItemMissing)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: identity for item %d: %w", ErrExtractionFailed, itemID, err)
	}

	id.DateModified = mod.Time

	return &id, nil
}

// ItemsForProduct lists the live items of a product in id order, for
// per-product manual triggers. Archived items are excluded; everything else
// (digital block, code format) is the enqueue filters' business.
func (e *Extractor) ItemsForProduct(ctx context.Context, productID int64) ([]*ItemIdentity, error) {
	query := `
		SELECT
			i.id,
			COALESCE(i.product_id, 0),
			COALESCE(i.code, ''),
			COALESCE(i.product_type, 'R'),
			i.archived = 'Y',
			COALESCE(p.archived, 'N') = 'Y',
			i.date_modified
		FROM opms_item i
		LEFT JOIN opms_product p ON p.id = i.product_id
		WHERE i.product_id = $1 AND i.archived = 'N'
		ORDER BY i.id
	`

	return e.queryIdentities(ctx, query, productID)
}

// ModifiedSince lists items whose modification timestamp exceeds the
// watermark, excluding items that already have a live queue job. Bounded by
// limit to keep catch-up scans cheap.
//
// The product timestamp counts too: a product edit changes every item's
// payload without touching the item row.
func (e *Extractor) ModifiedSince(ctx context.Context, since time.Time, limit int) ([]*ItemIdentity, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT
			i.id,
			COALESCE(i.product_id, 0),
			COALESCE(i.code, ''),
			COALESCE(i.product_type, 'R'),
			i.archived = 'Y',
			COALESCE(p.archived, 'N') = 'Y',
			GREATEST(i.date_modified, COALESCE(p.date_modified, i.date_modified))
		FROM opms_item i
		LEFT JOIN opms_product p ON p.id = i.product_id
		WHERE i.archived = 'N'
		  AND GREATEST(i.date_modified, COALESCE(p.date_modified, i.date_modified)) > $1
		  AND NOT EXISTS (
			SELECT 1 FROM opms_sync_queue q
			WHERE q.item_id = i.id AND q.status IN ('PENDING', 'PROCESSING')
		  )
		ORDER BY GREATEST(i.date_modified, COALESCE(p.date_modified, i.date_modified)), i.id
		LIMIT $2
	`

	return e.queryIdentities(ctx, query, since, limit)
}

// queryIdentities runs an identity-shaped query and scans the rows.
func (e *Extractor) queryIdentities(ctx context.Context, query string, args ...interface{}) ([]*ItemIdentity, error) {
	rows, err := e.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var identities []*ItemIdentity

	for rows.Next() {
		var (
			id  ItemIdentity
			mod sql.NullTime
		)

		err := rows.Scan(
			&id.ItemID,
			&id.ProductID,
			&id.Code,
			&id.ProductType,
			&id.Archived,
			&id.ProductArchived,
			&mod,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan item identity: %w", ErrExtractionFailed, err)
		}

		id.DateModified = mod.Time

		identities = append(identities, &id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: identity iteration failed: %w", ErrExtractionFailed, err)
	}

	return identities, nil
}
