package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opmsync-io/opmsync/internal/config"
	"github.com/opmsync-io/opmsync/internal/engine"
)

var (
	// ErrDryRunStoreFailed is returned when a dry-run record cannot be persisted.
	ErrDryRunStoreFailed = errors.New("dry run storage failed")

	// DryRunStore implements engine.DryRunStore.
	_ engine.DryRunStore = (*DryRunStore)(nil)
)

// DryRunStore persists dry-run simulation records.
//
// Records are append-only: each simulation gets its own row so operators can
// compare what a payload looked like before and after a catalog fix.
type DryRunStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewDryRunStore creates a dry-run record store.
func NewDryRunStore(conn *Connection) (*DryRunStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("component", "dry-run-store"))

	return &DryRunStore{conn: conn, logger: logger}, nil
}

// Save implements engine.DryRunStore.
func (s *DryRunStore) Save(ctx context.Context, record *engine.DryRunRecord) error {
	startTime := time.Now()

	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrDryRunStoreFailed)
	}

	payloadJSON, err := marshalDryRunJSONB(record.Payload)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal payload: %w", ErrDryRunStoreFailed, err)
	}

	summaryJSON, err := marshalDryRunJSONB(record.ValidationSummary)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal validation summary: %w", ErrDryRunStoreFailed, err)
	}

	responseJSON, err := json.Marshal(record.Response)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal simulated response: %w", ErrDryRunStoreFailed, err)
	}

	query := `
		INSERT INTO opms_sync_dry_run (
			id,
			item_id,
			payload,
			validation_summary,
			simulated_response,
			outcome,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = s.conn.ExecContext(ctx, query,
		record.ID,
		record.ItemID,
		payloadJSON,
		summaryJSON,
		responseJSON,
		record.Outcome,
		record.CreatedAt,
	)
	if err != nil {
		s.logger.Error("Dry run record storage failed",
			"error", err,
			"record_id", record.ID,
			"item_id", record.ItemID,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)

		return fmt.Errorf("%w: %w", ErrDryRunStoreFailed, err)
	}

	s.logger.Debug("Dry run record stored",
		"record_id", record.ID,
		"item_id", record.ItemID,
		"outcome", record.Outcome,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	return nil
}

// marshalDryRunJSONB marshals an arbitrary value to JSONB, mapping nil
// pointers and empty maps to SQL NULL.
func marshalDryRunJSONB(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]int:
		if len(v) == 0 {
			return nil, nil
		}
	}

	jsonBytes, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	if string(jsonBytes) == "null" {
		return nil, nil
	}

	return jsonBytes, nil
}
