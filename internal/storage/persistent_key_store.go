package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/opmsync-io/opmsync/internal/config"
)

// Audit log operation names.
const (
	keyCreated = "created"
	keyUpdated = "updated"
	keyDeleted = "deleted"
)

// operatorKeyColumns is the select list shared by every key query. The
// key_hash column lands in OperatorKey.Key until the caller masks or
// compares it.
const operatorKeyColumns = `id, key_hash, operator_id, name, permissions, created_at, expires_at, active`

// PersistentKeyStore implements OperatorKeyStore.
var _ OperatorKeyStore = (*PersistentKeyStore)(nil)

// PersistentKeyStore keeps operator keys in PostgreSQL, bcrypt-hashed, with
// an audit row written for every mutation.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPersistentKeyStore creates a production-ready PostgreSQL key store.
func NewPersistentKeyStore(conn *Connection) (*PersistentKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentKeyStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With(slog.String("component", "key-store")),
	}, nil
}

// scanOperatorKey reads one row into an OperatorKey, decoding the JSONB
// permissions column.
func scanOperatorKey(rows *sql.Rows) (*OperatorKey, error) {
	var (
		key             OperatorKey
		permissionsJSON []byte
	)

	err := rows.Scan(
		&key.ID,
		&key.Key,
		&key.OperatorID,
		&key.Name,
		&permissionsJSON,
		&key.CreatedAt,
		&key.ExpiresAt,
		&key.Active,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(permissionsJSON, &key.Permissions); err != nil {
		return nil, err
	}

	return &key, nil
}

// FindByKey resolves a plaintext key to its stored record. bcrypt hashes
// cannot be looked up by value, so every active key is compared in memory,
// which is fine for the handful of keys an installation carries. Returns
// (nil, false) for empty, unknown, or inactive keys.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*OperatorKey, bool) {
	if key == "" {
		return nil, false
	}

	query := `SELECT ` + operatorKeyColumns + `
		FROM opmsync_operator_keys
		WHERE active = TRUE`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, false
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		candidate, err := scanOperatorKey(rows)
		if err != nil {
			continue
		}

		if CompareOperatorKeyHash(candidate.Key, key) {
			// Neither plaintext nor hash leaves the store.
			candidate.Key = MaskKey(candidate.Key)

			return candidate, true
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("failed to find key",
			slog.String("key", MaskKey(key)),
			slog.String("error", err.Error()))
	}

	return nil, false
}

// Add stores a new operator key, hashing the plaintext with bcrypt first.
// bcrypt salts every hash, so duplicates can only be caught by comparing the
// plaintext against the active keys on file.
func (s *PersistentKeyStore) Add(ctx context.Context, key *OperatorKey) error {
	if key == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if _, found := s.FindByKey(ctx, key.Key); found {
		return ErrKeyAlreadyExists
	}

	keyHash, err := HashOperatorKey(key.Key)
	if err != nil {
		return fmt.Errorf("failed to hash operator key: %w", err)
	}

	permissionsJSON, err := permissionsToJSON(key.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		INSERT INTO opmsync_operator_keys (id, key_hash, operator_id, name, permissions, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.conn.ExecContext(ctx, query,
		key.ID, keyHash, key.OperatorID, key.Name, permissionsJSON,
		key.CreatedAt, key.ExpiresAt, key.Active)
	if err != nil {
		return fmt.Errorf("failed to insert operator key: %w", err)
	}

	s.audit(ctx, keyCreated, key)

	return nil
}

// Update rewrites a key's name, permissions, active flag, and expiration.
// The hash itself is immutable; rotating a key means adding a new row.
func (s *PersistentKeyStore) Update(ctx context.Context, key *OperatorKey) error {
	if key == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if key.ID == "" {
		return ErrKeyNotFound
	}

	permissionsJSON, err := permissionsToJSON(key.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		UPDATE opmsync_operator_keys
		SET name = $1, permissions = $2, active = $3, expires_at = $4
		WHERE id = $5
	`

	result, err := s.conn.ExecContext(ctx, query,
		key.Name, permissionsJSON, key.Active, key.ExpiresAt, key.ID)
	if err != nil {
		return fmt.Errorf("failed to update operator key: %w", err)
	}

	if err := requireRowAffected(result); err != nil {
		return err
	}

	s.audit(ctx, keyUpdated, key)

	return nil
}

// Delete deactivates a key. Rows stay behind for the audit trail; a
// deactivated key simply never matches FindByKey again.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	result, err := s.conn.ExecContext(ctx,
		`UPDATE opmsync_operator_keys SET active = FALSE WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete operator key: %w", err)
	}

	if err := requireRowAffected(result); err != nil {
		return err
	}

	s.audit(ctx, keyDeleted, &OperatorKey{ID: keyID})

	return nil
}

// ListByOperator returns the active keys of one operator, newest first.
// The key field of every returned record is masked.
func (s *PersistentKeyStore) ListByOperator(ctx context.Context, operatorID string) ([]*OperatorKey, error) {
	if operatorID == "" {
		return nil, ErrOperatorIDEmpty
	}

	query := `SELECT ` + operatorKeyColumns + `
		FROM opmsync_operator_keys
		WHERE operator_id = $1 AND active = TRUE
		ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, operatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query operator keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys := []*OperatorKey{}

	for rows.Next() {
		key, err := scanOperatorKey(rows)
		if err != nil {
			continue
		}

		key.Key = MaskKey(key.Key)
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return keys, nil
}

// requireRowAffected converts a no-op UPDATE into ErrKeyNotFound.
func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return ErrKeyNotFound
	}

	return nil
}

// permissionsToJSON serializes a permissions slice for the JSONB column,
// normalizing nil to an empty list.
func permissionsToJSON(permissions []string) ([]byte, error) {
	if permissions == nil {
		permissions = []string{}
	}

	return json.Marshal(permissions)
}

// audit writes one audit row; failures are logged and swallowed so key
// management never fails on the audit trail alone.
func (s *PersistentKeyStore) audit(ctx context.Context, operation string, key *OperatorKey) {
	query := `
		INSERT INTO opmsync_operator_key_audit_log (operator_key_id, operation, masked_key, operator_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.conn.ExecContext(ctx, query,
		key.ID, operation, MaskKey(key.Key), key.OperatorID, []byte("{}"))
	if err != nil {
		s.logger.Error(
			"failed to write an audit log entry for operator key operation",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
	}
}
