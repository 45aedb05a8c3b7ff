// Package middleware provides HTTP middleware components for the opmsync API.
package middleware

import (
	"context"

	"github.com/opmsync-io/opmsync/internal/storage"
)

// MockOperatorKeyStore is a mock implementation of storage.OperatorKeyStore
// for testing.
type MockOperatorKeyStore struct {
	FindByKeyFunc      func(ctx context.Context, key string) (*storage.OperatorKey, bool)
	AddFunc            func(ctx context.Context, key *storage.OperatorKey) error
	UpdateFunc         func(ctx context.Context, key *storage.OperatorKey) error
	DeleteFunc         func(ctx context.Context, keyID string) error
	ListByOperatorFunc func(ctx context.Context, operatorID string) ([]*storage.OperatorKey, error)
}

// FindByKey implements storage.OperatorKeyStore.FindByKey.
func (m *MockOperatorKeyStore) FindByKey(ctx context.Context, key string) (*storage.OperatorKey, bool) {
	if m.FindByKeyFunc != nil {
		return m.FindByKeyFunc(ctx, key)
	}

	return nil, false
}

// Add implements storage.OperatorKeyStore.Add.
func (m *MockOperatorKeyStore) Add(ctx context.Context, key *storage.OperatorKey) error {
	if m.AddFunc != nil {
		return m.AddFunc(ctx, key)
	}

	return nil
}

// Update implements storage.OperatorKeyStore.Update.
func (m *MockOperatorKeyStore) Update(ctx context.Context, key *storage.OperatorKey) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, key)
	}

	return nil
}

// Delete implements storage.OperatorKeyStore.Delete.
func (m *MockOperatorKeyStore) Delete(ctx context.Context, keyID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, keyID)
	}

	return nil
}

// ListByOperator implements storage.OperatorKeyStore.ListByOperator.
func (m *MockOperatorKeyStore) ListByOperator(ctx context.Context, operatorID string) ([]*storage.OperatorKey, error) {
	if m.ListByOperatorFunc != nil {
		return m.ListByOperatorFunc(ctx, operatorID)
	}

	return []*storage.OperatorKey{}, nil
}
