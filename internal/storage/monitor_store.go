package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/opmsync-io/opmsync/internal/engine"
)

var (
	// ErrMonitorQueryFailed is returned when an engine monitoring query fails.
	ErrMonitorQueryFailed = errors.New("monitoring query failed")

	// MonitorStore implements engine.TriggerChecker.
	_ engine.TriggerChecker = (*MonitorStore)(nil)
)

// MonitorStore answers the engine's introspection queries against the
// database catalog.
type MonitorStore struct {
	conn *Connection
}

// NewMonitorStore creates a monitoring store.
func NewMonitorStore(conn *Connection) (*MonitorStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &MonitorStore{conn: conn}, nil
}

// InstalledTriggers implements engine.TriggerChecker.
//
// Reads pg_trigger directly rather than trusting migration state: an operator
// can drop a trigger without touching the schema_migrations table, and the
// whole point of the check is catching exactly that.
func (s *MonitorStore) InstalledTriggers(ctx context.Context, names ...string) (map[string]bool, error) {
	installed := make(map[string]bool, len(names))
	for _, name := range names {
		installed[name] = false
	}

	if len(names) == 0 {
		return installed, nil
	}

	query := `
		SELECT t.tgname
		FROM pg_trigger t
		WHERE t.tgname = ANY($1)
		  AND NOT t.tgisinternal
	`

	rows, err := s.conn.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMonitorQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var name string

		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: failed to scan trigger name: %w", ErrMonitorQueryFailed, err)
		}

		installed[name] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: trigger iteration failed: %w", ErrMonitorQueryFailed, err)
	}

	return installed, nil
}
