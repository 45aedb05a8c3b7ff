// Package queue defines the sync-job domain models and persistence interfaces.
//
// This package defines the Store interface which represents what the dispatch
// engine needs for durable job persistence, following the Dependency Inversion
// Principle. Concrete implementations (PostgreSQL, mocks) live in the
// internal/storage package.
package queue

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by store implementations.
var (
	// ErrJobNotFound indicates the job id does not exist.
	ErrJobNotFound = errors.New("sync job not found")

	// ErrItemSyncNotFound indicates no sync status row exists for the item.
	ErrItemSyncNotFound = errors.New("item sync status not found")
)

// Store defines the interface for durable sync-job persistence.
//
// The domain package defines this interface to specify what the engine needs,
// without depending on concrete implementations. The queue must be durable:
// jobs survive process restarts, and a crashed dispatcher's claims are
// reclaimed by lease expiry rather than lost.
//
// Implementations must support:
//   - Live-job dedup: at most one PENDING or PROCESSING job per item; a second
//     enqueue reports duplicate instead of inserting
//   - Atomic claims: claim and status flip happen in one statement so two
//     dispatchers can never own the same job
//   - Conditional writes: every status write names the expected current status,
//     so a lost race surfaces as ErrJobNotFound instead of a silent overwrite
type Store interface {
	// Enqueue inserts a job in PENDING status.
	//
	// Returns (id, duplicate, error) where:
	//   - id: the queue row id when a row was inserted
	//   - duplicate=true: the item already has a live job; nothing was inserted
	//     and the caller should treat the request as satisfied
	//   - error: validation or database failure
	Enqueue(ctx context.Context, job *SyncJob) (id int64, duplicate bool, err error)

	// ClaimNext atomically claims up to batchSize due PENDING jobs, flipping
	// them to PROCESSING and stamping StartedAt.
	//
	// Claim order is priority rank, then scheduled_at, then id. Jobs whose
	// scheduled_at is in the future are not due and are never claimed. Uses
	// FOR UPDATE SKIP LOCKED so concurrent claimers cannot block each other.
	// The dispatcher runs with batchSize 1.
	ClaimNext(ctx context.Context, batchSize int) ([]*SyncJob, error)

	// Mark transitions a PROCESSING job to a terminal status and stamps
	// CompletedAt. result and lastError are recorded as given.
	//
	// Returns ErrJobNotFound if the job does not exist or is not PROCESSING
	// (for example, a stale lease was reclaimed while the worker ran).
	Mark(ctx context.Context, id int64, status JobStatus, result *ProcessingResult, lastError string) error

	// ScheduleRetry returns a PROCESSING job to PENDING with RetryCount
	// incremented, LastError recorded, and ScheduledAt pushed delay into
	// the future.
	//
	// Returns ErrJobNotFound under the same conditions as Mark.
	ScheduleRetry(ctx context.Context, id int64, delay time.Duration, lastError string) error

	// Job fetches a single job by id. Returns ErrJobNotFound when absent.
	Job(ctx context.Context, id int64) (*SyncJob, error)

	// Stats reports queue depth and throughput over the trailing window.
	Stats(ctx context.Context, window time.Duration) (*Stats, error)

	// StatusBreakdown reports the current job count per status.
	StatusBreakdown(ctx context.Context) (map[JobStatus]int, error)

	// RecentJobs lists jobs in reverse creation order, optionally filtered by
	// status (empty status means all).
	RecentJobs(ctx context.Context, status JobStatus, limit int) ([]*SyncJob, error)

	// ReclaimStale returns PROCESSING jobs whose claim is older than leaseTTL
	// back to PENDING, without consuming a retry. Returns the number of jobs
	// reclaimed.
	//
	// Run at startup and periodically while the engine is up; a job stuck in
	// PROCESSING means a dispatcher died mid-attempt.
	ReclaimStale(ctx context.Context, leaseTTL time.Duration) (int64, error)

	// HealthCheck verifies the storage backend is reachable.
	//
	// Used by the /ready and /health endpoints and the supervisor's health
	// evaluation. Returns nil if healthy, error with details if unhealthy.
	HealthCheck(ctx context.Context) error
}

// ItemSyncStore persists the per-item latest sync state.
//
// The dispatcher and the webhook applier share the row but own disjoint
// fields: Upsert writes the outbound leg, RecordPricingUpdate the inbound one.
type ItemSyncStore interface {
	// Upsert writes the item's outbound sync state, inserting the row on first
	// contact. Pricing fields owned by the webhook applier are not touched.
	Upsert(ctx context.Context, state *ItemSync) error

	// Get fetches the item's sync state. Returns ErrItemSyncNotFound when the
	// item has never been tracked.
	Get(ctx context.Context, itemID int64) (*ItemSync, error)

	// RecordPricingUpdate stamps the inbound pricing fields, inserting the row
	// on first contact. An empty pricingError marks success. Outbound fields
	// are not touched.
	RecordPricingUpdate(ctx context.Context, itemID int64, appliedAt time.Time, pricingError string) error
}

// ChangeLogStore appends detected-change audit entries.
//
// The log is append-only provenance, not a work queue: entries are written
// alongside enqueues and never updated.
type ChangeLogStore interface {
	// Append writes one change entry, assigning its UUID when empty.
	Append(ctx context.Context, entry *ChangeEntry) error

	// RecentForItem lists an item's change entries in reverse chronological
	// order.
	RecentForItem(ctx context.Context, itemID int64, limit int) ([]*ChangeEntry, error)
}

// Stats reports queue depth and trailing-window throughput.
//
// Depth counts (Pending, Processing) are point-in-time; the remaining counters
// cover terminal transitions within the window.
type Stats struct {
	// Window is the trailing interval the throughput counters cover.
	Window time.Duration

	// Pending and Processing are current queue depth by status.
	Pending    int
	Processing int

	// Completed and Failed count jobs that reached the terminal status within
	// the window.
	Completed int
	Failed    int

	// Retries counts retry reschedules within the window.
	Retries int

	// OldestPendingAge is the age of the oldest due PENDING job, zero when the
	// queue is drained.
	OldestPendingAge time.Duration
}
