// Package storage provides PostgreSQL-backed stores and domain types for the
// sync engine's durable state.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operator key format: "opmsync_ok_" followed by 64 hex characters.
const (
	randomBytesSize = 32
	operatorKeyLen  = 75 // len(keyPrefix) + 64
	prefixLen       = 15 // Show "opmsync_ok_1234"
	suffixLen       = 4  // Show last 4 chars

	keyPrefix = "opmsync_ok_"
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("operator key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("operator key not found")
	// ErrKeyNil is returned when a nil operator key is provided.
	ErrKeyNil = errors.New("operator key cannot be nil")
	// ErrOperatorIDEmpty is returned when the operator ID is empty during key generation.
	ErrOperatorIDEmpty = errors.New("operator ID cannot be empty")
	// ErrKeyStringEmpty is returned when the key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when an operator key doesn't match the expected format.
	ErrInvalidKeyFormat = errors.New("invalid operator key format")
	// ErrInvalidKeyLength is returned when an operator key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid operator key length")
)

// OperatorKey represents an operator API key with identification and permissions.
type OperatorKey struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	OperatorID  string     `json:"operatorId"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Active      bool       `json:"active"`
}

// OperatorKeyStore defines the interface for operator key storage and retrieval.
type OperatorKeyStore interface {
	// FindByKey retrieves an operator key by its key value
	FindByKey(ctx context.Context, key string) (*OperatorKey, bool)
	// Add stores a new operator key
	Add(ctx context.Context, key *OperatorKey) error
	// Update modifies an existing operator key
	Update(ctx context.Context, key *OperatorKey) error
	// Delete removes an operator key
	Delete(ctx context.Context, keyID string) error
	// ListByOperator returns all operator keys for a specific operator
	ListByOperator(ctx context.Context, operatorID string) ([]*OperatorKey, error)
}

// ValidateKey reports whether providedKey matches this operator key. Inactive
// and expired keys never match. The comparison is constant time.
func (ok *OperatorKey) ValidateKey(providedKey string) bool {
	if providedKey == "" || ok.Key == "" {
		return false
	}

	if !ok.Active {
		return false
	}

	if ok.ExpiresAt != nil && time.Now().After(*ok.ExpiresAt) {
		return false
	}

	return SecureCompare(ok.Key, providedKey)
}

// HasPermission checks if the operator key has a specific permission.
func (ok *OperatorKey) HasPermission(permission string) bool {
	for _, p := range ok.Permissions {
		if p == permission {
			return true
		}
	}

	return false
}

// SecureCompare reports whether a and b are equal without leaking where they
// differ. Both inputs are hashed first, so the comparison cost is independent
// of their lengths and contents.
func SecureCompare(a, b string) bool {
	hashedA := sha256.Sum256([]byte(a))
	hashedB := sha256.Sum256([]byte(b))

	return subtle.ConstantTimeCompare(hashedA[:], hashedB[:]) == 1
}

// MaskKey renders an operator key safe for logging. Canonical 75-character
// keys keep their identifying prefix and last four characters; any other
// value is masked entirely.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	// Non-canonical keys (tests, local development) reveal nothing.
	if len(key) != operatorKeyLen {
		return strings.Repeat("*", len(key))
	}

	masked := len(key) - prefixLen - suffixLen

	return key[:prefixLen] + strings.Repeat("*", masked) + key[len(key)-suffixLen:]
}

// GenerateOperatorKey creates a new operator API key: the "opmsync_ok_"
// prefix followed by 64 hex characters (256 bits of randomness).
func GenerateOperatorKey(operatorID string) (string, error) {
	if operatorID == "" {
		return "", ErrOperatorIDEmpty
	}

	raw := make([]byte, randomBytesSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return keyPrefix + hex.EncodeToString(raw), nil // pragma: allowlist secret
}

// ParseOperatorKey normalizes a key taken from a request header. A "Bearer "
// prefix is stripped; the remainder must be a full-length opmsync key.
func ParseOperatorKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, keyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != operatorKeyLen {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}
