package queue

// Job lifecycle state machine.
//
// Transitions are validated in two layers: the application validates before
// issuing conditional UPDATEs, and every store write carries the expected
// current status in its WHERE clause so a lost race surfaces as zero rows
// instead of a corrupt transition.

import (
	"errors"
	"fmt"
)

// Sentinel errors for job status transition validation.
// These can be used with errors.Is() for error checking.
var (
	// ErrInvalidTransition indicates an invalid job status transition.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrTerminalStatusImmutable indicates an attempt to transition out of COMPLETED or FAILED.
	ErrTerminalStatusImmutable = errors.New("terminal job status is immutable")

	// ErrStatusInvalid indicates an unknown status value.
	ErrStatusInvalid = errors.New("unknown job status")
)

// ValidateStatusTransition validates a job status transition.
//
// Valid transitions:
//   - PENDING → PROCESSING (dispatcher claim)
//   - PROCESSING → COMPLETED (upsert accepted, or resolved skip)
//   - PROCESSING → FAILED (retries exhausted, or dispatch rejected)
//   - PROCESSING → PENDING (retry reschedule, stale lease reclaim)
//   - COMPLETED/FAILED → same status (idempotent)
//
// Terminal statuses never transition to a different status.
func ValidateStatusTransition(from, to JobStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: '%s'", ErrStatusInvalid, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: '%s'", ErrStatusInvalid, to)
	}

	// Terminal statuses can only transition to themselves (idempotent)
	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s → %s", ErrTerminalStatusImmutable, from, to)
		}

		return nil
	}

	if from == JobStatusPending {
		if to != JobStatusProcessing {
			return fmt.Errorf("%w: PENDING → %s", ErrInvalidTransition, to)
		}

		return nil
	}

	// PROCESSING can complete, fail, or return to PENDING for a retry.
	validFromProcessing := map[JobStatus]bool{
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusPending:   true,
	}
	if !validFromProcessing[to] {
		return fmt.Errorf("%w: PROCESSING → %s", ErrInvalidTransition, to)
	}

	return nil
}
