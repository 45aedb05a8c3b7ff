package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/opmsync-io/opmsync/internal/queue"
)

// Sentinel errors for change log storage operations.
var (
	// ErrChangeLogStoreFailed is returned when a change log operation fails.
	ErrChangeLogStoreFailed = errors.New("change log storage failed")

	// ChangeLogStore implements queue.ChangeLogStore.
	_ queue.ChangeLogStore = (*ChangeLogStore)(nil)
)

// ChangeLogStore appends detected-change audit entries to PostgreSQL.
//
// Append-only: rows are written next to enqueues and never updated. The log
// answers "why did this item sync" long after the queue row is pruned.
type ChangeLogStore struct {
	conn *Connection
}

// NewChangeLogStore creates a PostgreSQL-backed change log store.
func NewChangeLogStore(conn *Connection) (*ChangeLogStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ChangeLogStore{conn: conn}, nil
}

// Append implements queue.ChangeLogStore.
// Assigns a UUID when the entry arrives without one.
func (s *ChangeLogStore) Append(ctx context.Context, entry *queue.ChangeEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: entry is nil", ErrChangeLogStoreFailed)
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrChangeLogStoreFailed, err)
	}

	query := `
		INSERT INTO opms_change_log (
			id, item_id, product_id, source, operation,
			changed_fields, triggered_by, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
	`

	_, err := s.conn.ExecContext(
		ctx,
		query,
		entry.ID,
		nullableID(entry.ItemID),
		nullableID(entry.ProductID),
		string(entry.Source),
		string(entry.Operation),
		pq.Array(entry.ChangedFields),
		entry.TriggeredBy,
		entry.Reason,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to append entry for item %d: %w", ErrChangeLogStoreFailed, entry.ItemID, err)
	}

	return nil
}

// RecentForItem implements queue.ChangeLogStore.
func (s *ChangeLogStore) RecentForItem(ctx context.Context, itemID int64, limit int) ([]*queue.ChangeEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, item_id, product_id, source, operation,
			changed_fields, triggered_by, reason, created_at
		FROM opms_change_log
		WHERE item_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.conn.QueryContext(ctx, query, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query entries for item %d: %w", ErrChangeLogStoreFailed, itemID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var entries []*queue.ChangeEntry

	for rows.Next() {
		var (
			entry       queue.ChangeEntry
			itemID      sql.NullInt64
			productID   sql.NullInt64
			source      string
			operation   string
			fields      pq.StringArray
			triggeredBy sql.NullString
			reason      sql.NullString
		)

		err := rows.Scan(
			&entry.ID,
			&itemID,
			&productID,
			&source,
			&operation,
			&fields,
			&triggeredBy,
			&reason,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan change entry: %w", ErrChangeLogStoreFailed, err)
		}

		entry.ItemID = itemID.Int64
		entry.ProductID = productID.Int64
		entry.Source = queue.EventSource(source)
		entry.Operation = queue.EventType(operation)
		entry.ChangedFields = []string(fields)
		entry.TriggeredBy = triggeredBy.String
		entry.Reason = reason.String

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: change entry iteration failed: %w", ErrChangeLogStoreFailed, err)
	}

	return entries, nil
}
