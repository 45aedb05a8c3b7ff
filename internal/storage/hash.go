package storage

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost 10 is ~60ms per hash, acceptable for the handful of
	// operator keys an installation carries.
	bcryptCost  = 10
	bcryptLimit = 72
)

// HashOperatorKey generates a bcrypt hash of the operator key for secure storage.
// The key is never stored in plaintext - only the bcrypt hash is persisted.
//
// Note: Bcrypt has a 72-byte input limit. Our 75-character keys exceed it, so
// the key is pre-hashed with SHA-256 before bcrypt to keep the full key
// material in play.
func HashOperatorKey(key string) (string, error) {
	if key == "" {
		return "", ErrKeyNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(key), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash operator key: %w", err)
	}

	return string(hash), nil
}

// CompareOperatorKeyHash reports whether key matches its stored bcrypt hash.
// Empty inputs and malformed hashes compare as false rather than erroring.
func CompareOperatorKeyHash(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(key))

	return err == nil
}

// bcryptInput prepares key material for bcrypt, pre-hashing with SHA-256 when
// the key exceeds bcrypt's 72-byte input limit. Hashing and comparison must
// share this preparation.
func bcryptInput(key string) []byte {
	if len(key) > bcryptLimit {
		hasher := sha256.New()
		hasher.Write([]byte(key))

		return hasher.Sum(nil)
	}

	return []byte(key)
}
