package queue

import (
	"errors"
	"testing"
)

func TestValidateStatusTransition(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr error
	}{
		// Dispatcher claim.
		{"pending to processing", JobStatusPending, JobStatusProcessing, nil},

		// Attempt resolution.
		{"processing to completed", JobStatusProcessing, JobStatusCompleted, nil},
		{"processing to failed", JobStatusProcessing, JobStatusFailed, nil},

		// Retry reschedule and stale lease reclaim.
		{"processing back to pending", JobStatusProcessing, JobStatusPending, nil},

		// Terminal statuses are idempotent but immutable.
		{"completed to completed", JobStatusCompleted, JobStatusCompleted, nil},
		{"failed to failed", JobStatusFailed, JobStatusFailed, nil},
		{"completed to pending", JobStatusCompleted, JobStatusPending, ErrTerminalStatusImmutable},
		{"completed to failed", JobStatusCompleted, JobStatusFailed, ErrTerminalStatusImmutable},
		{"failed to processing", JobStatusFailed, JobStatusProcessing, ErrTerminalStatusImmutable},

		// Pending can only be claimed.
		{"pending to completed", JobStatusPending, JobStatusCompleted, ErrInvalidTransition},
		{"pending to failed", JobStatusPending, JobStatusFailed, ErrInvalidTransition},
		{"pending to pending", JobStatusPending, JobStatusPending, ErrInvalidTransition},

		// Processing never self-transitions.
		{"processing to processing", JobStatusProcessing, JobStatusProcessing, ErrInvalidTransition},

		// Unknown statuses are rejected on either side.
		{"unknown from", JobStatus("QUEUED"), JobStatusProcessing, ErrStatusInvalid},
		{"unknown to", JobStatusPending, JobStatus("DONE"), ErrStatusInvalid},
		{"empty from", JobStatus(""), JobStatusPending, ErrStatusInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStatusTransition(tt.from, tt.to)

			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateStatusTransition(%s, %s) unexpected error: %v", tt.from, tt.to, err)
				}

				return
			}

			if err == nil {
				t.Fatalf("ValidateStatusTransition(%s, %s) expected error, got nil", tt.from, tt.to)
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateStatusTransition(%s, %s) error = %v, want %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}
