package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/opmsync-io/opmsync/internal/config"
)

// Sentinel errors for sync configuration operations.
var (
	// ErrConfigGateFailed is returned when a sync configuration write fails.
	ErrConfigGateFailed = errors.New("sync configuration storage failed")
)

const (
	// syncEnabledKey is the opms_sync_config row holding the global kill switch.
	syncEnabledKey = "sync_enabled"

	// DefaultGateCacheTTL bounds how stale the cached kill-switch value may be.
	// Every dispatch re-checks the gate, so the TTL trades one SELECT per job
	// against how fast a flip propagates.
	DefaultGateCacheTTL = 5 * time.Second
)

// ConfigGate reads the global sync kill switch from opms_sync_config.
//
// The gate fails closed: a read error or a missing row reports sync as
// disabled. Flipping the switch off must always win over keeping traffic
// flowing, because the switch exists for exactly the situations (bad deploys,
// ERP incidents) where extra requests cause damage.
//
// Reads are cached for a short TTL; SetEnabled refreshes the cache
// immediately so the writer observes its own flip.
type ConfigGate struct {
	conn     *Connection
	logger   *slog.Logger
	cacheTTL time.Duration

	mu       sync.RWMutex
	cached   bool
	cachedAt time.Time
}

// NewConfigGate creates a kill-switch reader backed by opms_sync_config.
// cacheTTL <= 0 falls back to DefaultGateCacheTTL.
func NewConfigGate(conn *Connection, cacheTTL time.Duration) (*ConfigGate, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if cacheTTL <= 0 {
		cacheTTL = DefaultGateCacheTTL
	}

	return &ConfigGate{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		cacheTTL: cacheTTL,
	}, nil
}

// IsEnabled reports whether outbound sync is globally enabled.
//
// Fail-closed behavior:
//   - database error → false (logged)
//   - missing config row → false (logged; migrations seed the row, so a miss
//     means the schema is in an unexpected state)
func (g *ConfigGate) IsEnabled(ctx context.Context) bool {
	g.mu.RLock()

	if time.Since(g.cachedAt) < g.cacheTTL {
		enabled := g.cached
		g.mu.RUnlock()

		return enabled
	}

	g.mu.RUnlock()

	enabled := g.readEnabled(ctx)

	g.mu.Lock()
	g.cached = enabled
	g.cachedAt = time.Now()
	g.mu.Unlock()

	return enabled
}

// SetEnabled flips the global kill switch and records who flipped it.
// The cache is refreshed in the same call.
func (g *ConfigGate) SetEnabled(ctx context.Context, enabled bool, updatedBy string) error {
	query := `
		INSERT INTO opms_sync_config (key, value, updated_by, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
	`

	_, err := g.conn.ExecContext(ctx, query, syncEnabledKey, strconv.FormatBool(enabled), updatedBy)
	if err != nil {
		return fmt.Errorf("%w: failed to set %s: %w", ErrConfigGateFailed, syncEnabledKey, err)
	}

	g.mu.Lock()
	g.cached = enabled
	g.cachedAt = time.Now()
	g.mu.Unlock()

	g.logger.Info("sync kill switch updated",
		slog.Bool("enabled", enabled),
		slog.String("updated_by", updatedBy),
	)

	return nil
}

// readEnabled fetches the switch from the database, failing closed.
func (g *ConfigGate) readEnabled(ctx context.Context) bool {
	query := `SELECT value FROM opms_sync_config WHERE key = $1`

	var value string

	err := g.conn.QueryRowContext(ctx, query, syncEnabledKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		g.logger.Warn("sync_enabled config row missing, treating sync as disabled")

		return false
	}

	if err != nil {
		g.logger.Error("failed to read sync_enabled, treating sync as disabled",
			slog.String("error", err.Error()))

		return false
	}

	enabled, err := strconv.ParseBool(value)
	if err != nil {
		g.logger.Error("sync_enabled holds a non-boolean value, treating sync as disabled",
			slog.String("value", value))

		return false
	}

	return enabled
}
