package storage

import (
	"strings"
	"testing"
	"time"
)

const testOperatorKey = "opmsync_ok_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef" // pragma: allowlist secret

func TestHashOperatorKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name        string
		key         string
		wantErr     bool
		errContains string
	}{
		{
			name:    "standard operator key",
			key:     testOperatorKey,
			wantErr: false,
		},
		{
			name:    "short key",
			key:     "sk-test-123",
			wantErr: false,
		},
		{
			name:    "long key beyond bcrypt limit",
			key:     strings.Repeat("a", 100),
			wantErr: false,
		},
		{
			name:        "empty key",
			key:         "",
			wantErr:     true,
			errContains: "operator key cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashOperatorKey(tt.key)

			if tt.wantErr {
				if err == nil {
					t.Errorf("HashOperatorKey() expected error, got nil")
				}

				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("HashOperatorKey() error = %v, want error containing %q", err, tt.errContains)
				}

				if hash != "" {
					t.Errorf("HashOperatorKey() hash = %q, want empty string on error", hash)
				}

				return
			}

			if err != nil {
				t.Errorf("HashOperatorKey() unexpected error = %v", err)

				return
			}

			// Verify hash properties
			if hash == "" {
				t.Error("HashOperatorKey() returned empty hash")
			}

			// Bcrypt hashes should start with $2a$, $2b$, or $2y$
			if !strings.HasPrefix(hash, "$2") {
				t.Errorf("HashOperatorKey() hash = %q, want bcrypt format starting with $2", hash)
			}

			// Bcrypt hashes should be 60 characters
			if len(hash) != 60 {
				t.Errorf("HashOperatorKey() hash length = %d, want 60", len(hash))
			}

			// Hash should be different each time (bcrypt includes salt)
			hash2, err := HashOperatorKey(tt.key)
			if err != nil {
				t.Errorf("HashOperatorKey() second call error = %v", err)
			}

			if hash == hash2 {
				t.Error("HashOperatorKey() produced identical hashes, should include random salt")
			}
		})
	}
}

func TestCompareOperatorKeyHash(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Generate a test hash for comparison tests. The standard 75-char key
	// exceeds bcrypt's 72-byte limit, so this also covers the SHA-256
	// pre-hash path round-tripping.
	testKey := testOperatorKey

	testHash, err := HashOperatorKey(testKey)
	if err != nil {
		t.Fatalf("Failed to generate test hash: %v", err)
	}

	tests := []struct {
		name string
		hash string
		key  string
		want bool
	}{
		{
			name: "correct key matches hash",
			hash: testHash,
			key:  testKey,
			want: true,
		},
		{
			name: "incorrect key does not match hash",
			hash: testHash,
			key:  "opmsync_ok_wrong0000000000000000000000000000000000000000000000000000000wrong",
			want: false,
		},
		{
			name: "empty hash",
			hash: "",
			key:  testKey,
			want: false,
		},
		{
			name: "empty key",
			hash: testHash,
			key:  "",
			want: false,
		},
		{
			name: "both empty",
			hash: "",
			key:  "",
			want: false,
		},
		{
			name: "invalid hash format",
			hash: "invalid-hash-format",
			key:  testKey,
			want: false,
		},
		{
			name: "case sensitive comparison",
			hash: testHash,
			key:  strings.ToUpper(testKey),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompareOperatorKeyHash(tt.hash, tt.key)

			if got != tt.want {
				t.Errorf("CompareOperatorKeyHash() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHashOperatorKey_Performance(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Measure hashing time (should be ~60ms for cost 10)
	start := time.Now()
	hash, err := HashOperatorKey(testOperatorKey)
	duration := time.Since(start)

	if err != nil {
		t.Fatalf("HashOperatorKey() error = %v", err)
	}

	if hash == "" {
		t.Fatal("HashOperatorKey() returned empty hash")
	}

	t.Logf("Hashing took %v", duration)

	// Generous bound; the point is catching an accidental cost bump, not
	// benchmarking the host.
	if duration > 500*time.Millisecond {
		t.Errorf("HashOperatorKey() took %v, expected < 500ms for cost 10", duration)
	}
}
