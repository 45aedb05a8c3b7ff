package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/opmsync-io/opmsync/internal/config"
)

// Sentinel errors for vendor mapping operations.
var (
	// ErrVendorMapperFailed is returned when the vendor mapping table cannot be read.
	ErrVendorMapperFailed = errors.New("vendor mapping lookup failed")
)

// DefaultVendorCacheTTL bounds staleness of the in-memory vendor mapping.
// Vendor rows change rarely (new supplier onboarding), so a long TTL keeps
// extraction off the mapping table almost entirely.
const DefaultVendorCacheTTL = 5 * time.Minute

type (
	// VendorMapper translates OPMS vendor ids to ERP vendor internal ids.
	//
	// Only trustworthy mappings resolve: a mapping row counts when the OPMS
	// and ERP vendor names recorded at mapping time agree. Rows failing that
	// equality are loaded as absent, so a renamed or mismatched vendor simply
	// stops resolving instead of sending items to the wrong ERP vendor.
	//
	// The whole opms_netsuite_vendor_mapping table is cached in memory and
	// refreshed when the TTL lapses. A miss after a fresh load is a genuine
	// unmapped vendor: the payload builder omits the vendor field rather than
	// sending null.
	VendorMapper struct {
		conn     *Connection
		logger   *slog.Logger
		cacheTTL time.Duration

		mu       sync.RWMutex
		byVendor map[int64]int64
		loadedAt time.Time
	}

	// VendorMappingStats summarizes mapping coverage for operators.
	VendorMappingStats struct {
		// Total counts every mapping row.
		Total int `json:"total"`

		// Mapped counts rows that actually resolve: names agree and an ERP id
		// is present.
		Mapped int `json:"mapped"`

		// CoveragePercent is Mapped/Total, 0 when the table is empty.
		CoveragePercent float64 `json:"coverage_percent"`

		CacheLoadedAt time.Time `json:"cache_loaded_at"`
	}
)

// NewVendorMapper creates a vendor id resolver backed by
// opms_netsuite_vendor_mapping. cacheTTL <= 0 falls back to DefaultVendorCacheTTL.
func NewVendorMapper(conn *Connection, cacheTTL time.Duration) (*VendorMapper, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if cacheTTL <= 0 {
		cacheTTL = DefaultVendorCacheTTL
	}

	return &VendorMapper{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		cacheTTL: cacheTTL,
		byVendor: map[int64]int64{},
	}, nil
}

// ERPVendorID resolves an OPMS vendor id to its ERP internal id.
//
// Returns (0, false) when the vendor is unmapped, the mapping is untrusted
// (name mismatch), or the id is zero. Never returns an error across this
// boundary: a database failure during refresh is logged and the stale cache
// keeps serving, because a slightly old mapping beats failing every
// extraction in flight.
func (m *VendorMapper) ERPVendorID(ctx context.Context, opmsVendorID int64) (int64, bool) {
	if opmsVendorID <= 0 {
		return 0, false
	}

	m.mu.RLock()
	fresh := time.Since(m.loadedAt) < m.cacheTTL

	if fresh {
		id, ok := m.byVendor[opmsVendorID]
		m.mu.RUnlock()

		return id, ok
	}

	m.mu.RUnlock()

	if err := m.refresh(ctx); err != nil {
		m.logger.Error("vendor mapping refresh failed, serving stale cache",
			slog.String("error", err.Error()))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byVendor[opmsVendorID]

	return id, ok
}

// Stats reports mapping coverage for the operator API.
// Counts come from the database, not the cache, so they reflect current truth.
func (m *VendorMapper) Stats(ctx context.Context) (*VendorMappingStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (
				WHERE TRIM(LOWER(opms_name)) = TRIM(LOWER(erp_name))
				  AND COALESCE(erp_vendor_id, 0) > 0
			) AS mapped
		FROM opms_netsuite_vendor_mapping
	`

	var stats VendorMappingStats

	err := m.conn.QueryRowContext(ctx, query).Scan(&stats.Total, &stats.Mapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVendorMapperFailed, err)
	}

	if stats.Total > 0 {
		stats.CoveragePercent = float64(stats.Mapped) / float64(stats.Total) * 100
	}

	m.mu.RLock()
	stats.CacheLoadedAt = m.loadedAt
	m.mu.RUnlock()

	return &stats, nil
}

// refresh reloads trustworthy mappings into the cache. The name-equality
// filter runs in SQL so untrusted rows never enter memory.
func (m *VendorMapper) refresh(ctx context.Context) error {
	query := `
		SELECT opms_vendor_id, erp_vendor_id
		FROM opms_netsuite_vendor_mapping
		WHERE TRIM(LOWER(opms_name)) = TRIM(LOWER(erp_name))
		  AND COALESCE(erp_vendor_id, 0) > 0
	`

	rows, err := m.conn.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVendorMapperFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	loaded := make(map[int64]int64)

	for rows.Next() {
		var (
			vendorID int64
			erpID    int64
		)

		if err := rows.Scan(&vendorID, &erpID); err != nil {
			return fmt.Errorf("%w: failed to scan mapping: %w", ErrVendorMapperFailed, err)
		}

		loaded[vendorID] = erpID
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: mapping iteration failed: %w", ErrVendorMapperFailed, err)
	}

	m.mu.Lock()
	m.byVendor = loaded
	m.loadedAt = time.Now()
	m.mu.Unlock()

	m.logger.Debug("vendor mapping cache refreshed",
		slog.Int("mappings", len(loaded)))

	return nil
}
