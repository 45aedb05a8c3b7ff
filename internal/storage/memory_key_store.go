package storage

import (
	"context"
	"sync"
)

// InMemoryKeyStore implements OperatorKeyStore.
var _ OperatorKeyStore = (*InMemoryKeyStore)(nil)

// InMemoryKeyStore holds operator keys in process memory. It backs tests and
// local development; production deployments use PersistentKeyStore.
//
// Records live in a by-ID map with a plaintext-key index on the side. Values
// are copied on the way in and out so callers cannot mutate stored state.
type InMemoryKeyStore struct {
	mutex   sync.RWMutex
	byID    map[string]*OperatorKey
	idByKey map[string]string
}

// NewInMemoryKeyStore creates an empty in-memory key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		byID:    make(map[string]*OperatorKey),
		idByKey: make(map[string]string),
	}
}

// FindByKey retrieves an operator key by its key value.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*OperatorKey, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	id, ok := s.idByKey[key]
	if !ok {
		return nil, false
	}

	return copyOperatorKey(s.byID[id]), true
}

// Add stores a new operator key. Records whose ID or key string is already
// on file are rejected with ErrKeyAlreadyExists.
func (s *InMemoryKeyStore) Add(_ context.Context, key *OperatorKey) error {
	if key == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.byID[key.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.idByKey[key.Key]; exists {
		return ErrKeyAlreadyExists
	}

	s.byID[key.ID] = copyOperatorKey(key)
	s.idByKey[key.Key] = key.ID

	return nil
}

// Update replaces the stored record carrying the same ID.
func (s *InMemoryKeyStore) Update(_ context.Context, key *OperatorKey) error {
	if key == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.byID[key.ID]
	if !exists {
		return ErrKeyNotFound
	}

	// Re-index when the key string itself changed.
	if existing.Key != key.Key {
		delete(s.idByKey, existing.Key)
	}

	s.byID[key.ID] = copyOperatorKey(key)
	s.idByKey[key.Key] = key.ID

	return nil
}

// Delete removes an operator key by ID.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.byID[keyID]
	if !exists {
		return ErrKeyNotFound
	}

	delete(s.idByKey, existing.Key)
	delete(s.byID, keyID)

	return nil
}

// ListByOperator returns all keys belonging to one operator, in no
// particular order. Unknown operators get an empty slice.
func (s *InMemoryKeyStore) ListByOperator(_ context.Context, operatorID string) ([]*OperatorKey, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys := []*OperatorKey{}

	for _, key := range s.byID {
		if key.OperatorID == operatorID {
			keys = append(keys, copyOperatorKey(key))
		}
	}

	return keys, nil
}

// copyOperatorKey clones a record so stored state never aliases caller
// memory.
func copyOperatorKey(key *OperatorKey) *OperatorKey {
	clone := *key

	return &clone
}
