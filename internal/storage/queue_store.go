package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/opmsync-io/opmsync/internal/config"
	"github.com/opmsync-io/opmsync/internal/queue"
)

// Sentinel errors for sync queue storage operations.
var (
	// ErrQueueStoreFailed is returned when a queue storage operation fails.
	ErrQueueStoreFailed = errors.New("sync queue storage failed")

	// ErrInvalidBatchSize is returned when a claim is requested with a non-positive batch size.
	ErrInvalidBatchSize = errors.New("claim batch size must be greater than zero")

	// ErrInvalidLeaseTTL is returned when the processing lease TTL is not positive.
	ErrInvalidLeaseTTL = errors.New("processing lease TTL must be greater than zero")

	// ErrInvalidReclaimInterval is returned when an invalid reclaim interval is provided.
	ErrInvalidReclaimInterval = errors.New("reclaim interval must be greater than zero")

	// ErrStatusNotTerminal is returned when Mark is called with a non-terminal status.
	ErrStatusNotTerminal = errors.New("mark requires a terminal status (COMPLETED or FAILED)")

	// Compile-time interface assertion to ensure QueueStore implements queue.Store.
	// This provides early compile-time errors if the interface contract changes.
	_ queue.Store = (*QueueStore)(nil)
)

// Reclaim configuration constants.
const (
	// reclaimQueryTimeout is the maximum time allowed for a single reclaim query execution.
	reclaimQueryTimeout = 30 * time.Second
	// reclaimShutdownTimeout is the maximum time to wait for the reclaim goroutine to stop during Close().
	reclaimShutdownTimeout = 5 * time.Second
)

// jobColumns is the shared SELECT list for sync queue rows. Every query that
// hydrates a queue.SyncJob uses this list so scanJob stays in one place.
const jobColumns = `
	id, item_id, product_id, event_type, event_data, priority, status,
	retry_count, max_retries, scheduled_at, created_at, started_at,
	completed_at, last_error, processing_results
`

// QueueStore implements queue.Store with a PostgreSQL backend.
//
// The queue is a table, not a broker: jobs survive restarts, claims are
// atomic UPDATE ... FOR UPDATE SKIP LOCKED statements, and a dispatcher that
// dies mid-attempt leaves a PROCESSING row that the background reclaimer
// returns to PENDING once its lease expires.
type QueueStore struct {
	conn            *Connection
	logger          *slog.Logger
	leaseTTL        time.Duration
	reclaimInterval time.Duration
	reclaimStop     chan struct{} // Signal to stop reclaim goroutine
	reclaimDone     chan struct{} // Signal reclaim has stopped
	closeOnce       sync.Once
}

// NewQueueStore creates a PostgreSQL-backed sync job queue with background
// stale-lease reclaim.
//
// Parameters:
//   - conn: Database connection (required)
//   - leaseTTL: Age after which a PROCESSING claim is considered abandoned (e.g., 10 minutes)
//   - reclaimInterval: Interval for the reclaim goroutine (e.g., 1 minute)
//
// The reclaim goroutine runs once immediately (crash recovery at startup),
// then on every interval. It stops gracefully on Close().
func NewQueueStore(conn *Connection, leaseTTL, reclaimInterval time.Duration) (*QueueStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if leaseTTL <= 0 {
		return nil, ErrInvalidLeaseTTL
	}

	if reclaimInterval <= 0 {
		return nil, ErrInvalidReclaimInterval
	}

	store := &QueueStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		leaseTTL:        leaseTTL,
		reclaimInterval: reclaimInterval,
		reclaimStop:     make(chan struct{}),
		reclaimDone:     make(chan struct{}),
	}

	go store.runReclaim()

	store.logger.Info("Started stale lease reclaim goroutine",
		slog.Duration("lease_ttl", leaseTTL),
		slog.Duration("interval", reclaimInterval))

	return store, nil
}

// Close stops the reclaim goroutine gracefully.
// This method is safe to call multiple times.
//
// Note: Does NOT close the database connection, as the connection is managed
// externally via dependency injection. The caller is responsible for closing
// the connection.
func (s *QueueStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.reclaimStop)

		select {
		case <-s.reclaimDone:
			s.logger.Info("Reclaim goroutine stopped gracefully")
		case <-time.After(reclaimShutdownTimeout):
			s.logger.Warn("Reclaim goroutine did not stop within timeout")
		}
	})

	return nil
}

// HealthCheck verifies the database connection is healthy.
// Delegates to the underlying connection's health check.
func (s *QueueStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// Enqueue implements queue.Store.
// Inserts a PENDING job, deduplicating against the item's live job if one exists.
//
// Returns three values: (id, duplicate, error)
//   - (id, false, nil)   → job inserted
//   - (0, true, nil)     → the item already has a PENDING or PROCESSING job;
//     nothing inserted, caller treats the request as satisfied
//   - (0, false, err)    → validation or database failure
//
// Dedup relies on the partial unique index on (item_id) WHERE status IN
// ('PENDING', 'PROCESSING'): the insert carries ON CONFLICT DO NOTHING against
// that index, so the duplicate case is detected without a prior SELECT and
// without a race window.
func (s *QueueStore) Enqueue(ctx context.Context, job *queue.SyncJob) (int64, bool, error) {
	if job == nil {
		return 0, false, fmt.Errorf("%w: job is nil", ErrQueueStoreFailed)
	}

	// Zero MaxRetries means the caller did not choose a budget.
	if job.MaxRetries == 0 {
		job.MaxRetries = queue.DefaultMaxRetries
	}

	if err := job.Validate(); err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrQueueStoreFailed, err)
	}

	eventDataJSON, err := json.Marshal(job.EventData)
	if err != nil {
		return 0, false, fmt.Errorf("%w: failed to marshal event data: %w", ErrQueueStoreFailed, err)
	}

	scheduledAt := job.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}

	query := `
		INSERT INTO opms_sync_queue (
			item_id,
			product_id,
			event_type,
			event_data,
			priority,
			status,
			retry_count,
			max_retries,
			scheduled_at,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, 'PENDING', 0, $6, $7, NOW(), NOW())
		ON CONFLICT (item_id) WHERE status IN ('PENDING', 'PROCESSING')
		DO NOTHING
		RETURNING id
	`

	var id int64

	err = s.conn.QueryRowContext(
		ctx,
		query,
		job.ItemID,
		nullableID(job.ProductID),
		string(job.EventType),
		eventDataJSON,
		string(job.Priority),
		job.MaxRetries,
		scheduledAt,
	).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		// ON CONFLICT DO NOTHING swallowed the insert: a live job already exists.
		s.logger.Debug("duplicate enqueue suppressed",
			slog.Int64("item_id", job.ItemID),
			slog.String("source", string(job.EventData.Source)),
		)

		return 0, true, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("%w: failed to insert job: %w", ErrQueueStoreFailed, err)
	}

	job.ID = id
	job.Status = queue.JobStatusPending

	s.logger.Info("sync job enqueued",
		slog.Int64("job_id", id),
		slog.Int64("item_id", job.ItemID),
		slog.String("source", string(job.EventData.Source)),
		slog.String("priority", string(job.Priority)),
	)

	return id, false, nil
}

// ClaimNext implements queue.Store.
// Atomically claims up to batchSize due PENDING jobs in priority order.
//
// The claim is a single UPDATE over a locked sub-select:
//
//	priority rank (HIGH=0, NORMAL=1, LOW=2), then scheduled_at, then id
//
// FOR UPDATE SKIP LOCKED lets concurrent claimers pass over rows another
// transaction already holds instead of blocking on them, so a claim never
// waits and never double-delivers.
func (s *QueueStore) ClaimNext(ctx context.Context, batchSize int) ([]*queue.SyncJob, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}

	query := `
		UPDATE opms_sync_queue
		SET status = 'PROCESSING', started_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id
			FROM opms_sync_queue
			WHERE status = 'PENDING' AND scheduled_at <= NOW()
			ORDER BY
				CASE priority
					WHEN 'HIGH' THEN 0
					WHEN 'NORMAL' THEN 1
					WHEN 'LOW' THEN 2
					ELSE 3
				END,
				scheduled_at,
				id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := s.conn.QueryContext(ctx, query, batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: claim failed: %w", ErrQueueStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var jobs []*queue.SyncJob

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan claimed job: %w", ErrQueueStoreFailed, err)
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: claim iteration failed: %w", ErrQueueStoreFailed, err)
	}

	return jobs, nil
}

// Mark implements queue.Store.
// Transitions a PROCESSING job to a terminal status.
//
// The WHERE clause carries the expected current status, so a job that was
// reclaimed (or finished by someone else) surfaces as queue.ErrJobNotFound
// instead of being silently overwritten.
func (s *QueueStore) Mark(
	ctx context.Context,
	id int64,
	status queue.JobStatus,
	result *queue.ProcessingResult,
	lastError string,
) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: got '%s'", ErrStatusNotTerminal, status)
	}

	if err := queue.ValidateStatusTransition(queue.JobStatusProcessing, status); err != nil {
		return fmt.Errorf("%w: %w", ErrQueueStoreFailed, err)
	}

	resultJSON, err := marshalResultJSONB(result)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal processing result: %w", ErrQueueStoreFailed, err)
	}

	query := `
		UPDATE opms_sync_queue
		SET status = $2,
			completed_at = NOW(),
			updated_at = NOW(),
			last_error = NULLIF($3, ''),
			processing_results = $4
		WHERE id = $1 AND status = 'PROCESSING'
	`

	res, err := s.conn.ExecContext(ctx, query, id, string(status), lastError, resultJSON)
	if err != nil {
		return fmt.Errorf("%w: failed to mark job %d: %w", ErrQueueStoreFailed, id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to read rows affected: %w", ErrQueueStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: job %d is not PROCESSING", queue.ErrJobNotFound, id)
	}

	return nil
}

// ScheduleRetry implements queue.Store.
// Returns a PROCESSING job to PENDING with the retry counted and the next
// attempt pushed delay into the future.
func (s *QueueStore) ScheduleRetry(ctx context.Context, id int64, delay time.Duration, lastError string) error {
	if delay < 0 {
		delay = 0
	}

	query := `
		UPDATE opms_sync_queue
		SET status = 'PENDING',
			retry_count = retry_count + 1,
			scheduled_at = NOW() + ($2 * INTERVAL '1 millisecond'),
			started_at = NULL,
			updated_at = NOW(),
			last_error = NULLIF($3, '')
		WHERE id = $1 AND status = 'PROCESSING'
	`

	res, err := s.conn.ExecContext(ctx, query, id, delay.Milliseconds(), lastError)
	if err != nil {
		return fmt.Errorf("%w: failed to schedule retry for job %d: %w", ErrQueueStoreFailed, id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to read rows affected: %w", ErrQueueStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: job %d is not PROCESSING", queue.ErrJobNotFound, id)
	}

	s.logger.Info("sync job retry scheduled",
		slog.Int64("job_id", id),
		slog.Duration("delay", delay),
	)

	return nil
}

// Job implements queue.Store.
func (s *QueueStore) Job(ctx context.Context, id int64) (*queue.SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM opms_sync_queue WHERE id = $1`

	job, err := scanJob(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", queue.ErrJobNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch job %d: %w", ErrQueueStoreFailed, id, err)
	}

	return job, nil
}

// Stats implements queue.Store.
// Depth counts are point-in-time; throughput counters cover the trailing window.
func (s *QueueStore) Stats(ctx context.Context, window time.Duration) (*queue.Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING') AS pending,
			COUNT(*) FILTER (WHERE status = 'PROCESSING') AS processing,
			COUNT(*) FILTER (WHERE status = 'COMPLETED' AND completed_at >= NOW() - ($1 * INTERVAL '1 second')) AS completed,
			COUNT(*) FILTER (WHERE status = 'FAILED' AND completed_at >= NOW() - ($1 * INTERVAL '1 second')) AS failed,
			COALESCE(SUM(retry_count) FILTER (WHERE updated_at >= NOW() - ($1 * INTERVAL '1 second')), 0) AS retries,
			EXTRACT(EPOCH FROM (NOW() - MIN(created_at) FILTER (WHERE status = 'PENDING' AND scheduled_at <= NOW()))) AS oldest_pending_seconds
		FROM opms_sync_queue
	`

	stats := &queue.Stats{Window: window}

	var (
		retries       int64
		oldestSeconds sql.NullFloat64
	)

	err := s.conn.QueryRowContext(ctx, query, int64(window.Seconds())).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&retries,
		&oldestSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query queue stats: %w", ErrQueueStoreFailed, err)
	}

	stats.Retries = int(retries)

	if oldestSeconds.Valid && oldestSeconds.Float64 > 0 {
		stats.OldestPendingAge = time.Duration(oldestSeconds.Float64 * float64(time.Second))
	}

	return stats, nil
}

// StatusBreakdown implements queue.Store.
func (s *QueueStore) StatusBreakdown(ctx context.Context) (map[queue.JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM opms_sync_queue GROUP BY status`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query status breakdown: %w", ErrQueueStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	breakdown := make(map[queue.JobStatus]int)

	for rows.Next() {
		var (
			status string
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("%w: failed to scan status breakdown: %w", ErrQueueStoreFailed, err)
		}

		breakdown[queue.JobStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: status breakdown iteration failed: %w", ErrQueueStoreFailed, err)
	}

	return breakdown, nil
}

// RecentJobs implements queue.Store.
// Lists jobs in reverse creation order, optionally filtered by status.
func (s *QueueStore) RecentJobs(ctx context.Context, status queue.JobStatus, limit int) ([]*queue.SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		query string
		args  []interface{}
	)

	if status == "" {
		query = `SELECT ` + jobColumns + ` FROM opms_sync_queue ORDER BY created_at DESC, id DESC LIMIT $1`
		args = []interface{}{limit}
	} else {
		if !status.IsValid() {
			return nil, fmt.Errorf("%w: %w: '%s'", ErrQueueStoreFailed, queue.ErrStatusInvalid, status)
		}

		query = `SELECT ` + jobColumns + ` FROM opms_sync_queue WHERE status = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
		args = []interface{}{string(status), limit}
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query recent jobs: %w", ErrQueueStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var jobs []*queue.SyncJob

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan job: %w", ErrQueueStoreFailed, err)
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: recent jobs iteration failed: %w", ErrQueueStoreFailed, err)
	}

	return jobs, nil
}

// ReclaimStale implements queue.Store.
// Returns abandoned PROCESSING jobs to PENDING without consuming a retry.
//
// A reclaim is crash recovery, not a failed attempt: the worker may have died
// before, during, or after the upsert, so the job simply becomes claimable
// again and the next attempt resolves the truth.
func (s *QueueStore) ReclaimStale(ctx context.Context, leaseTTL time.Duration) (int64, error) {
	if leaseTTL <= 0 {
		return 0, ErrInvalidLeaseTTL
	}

	query := `
		UPDATE opms_sync_queue
		SET status = 'PENDING',
			started_at = NULL,
			updated_at = NOW()
		WHERE status = 'PROCESSING'
		  AND started_at < NOW() - ($1 * INTERVAL '1 millisecond')
	`

	res, err := s.conn.ExecContext(ctx, query, leaseTTL.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("%w: reclaim failed: %w", ErrQueueStoreFailed, err)
	}

	reclaimed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read rows affected: %w", ErrQueueStoreFailed, err)
	}

	return reclaimed, nil
}

// runReclaim periodically returns stale PROCESSING claims to PENDING.
// Runs once immediately for crash recovery at startup, then on every interval.
// Runs until Close() signals reclaimStop.
func (s *QueueStore) runReclaim() {
	defer close(s.reclaimDone)

	ticker := time.NewTicker(s.reclaimInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Startup pass: recover claims abandoned by a previous process.
	s.reclaimOnce(ctx)

	for {
		select {
		case <-s.reclaimStop:
			cancel()
			s.logger.Info("Stopping stale lease reclaim goroutine")

			return
		case <-ticker.C:
			s.reclaimOnce(ctx)
		}
	}
}

// reclaimOnce performs one bounded reclaim pass.
// Failures are logged but don't crash the reclaim goroutine.
func (s *QueueStore) reclaimOnce(ctx context.Context) {
	reclaimCtx, cancel := context.WithTimeout(ctx, reclaimQueryTimeout)
	defer cancel()

	reclaimed, err := s.ReclaimStale(reclaimCtx, s.leaseTTL)
	if err != nil {
		s.logger.Error("Failed to reclaim stale sync jobs",
			slog.String("error", err.Error()),
			slog.String("status", "failed"))

		return
	}

	if reclaimed == 0 {
		s.logger.Debug("Reclaim completed - no stale claims found")

		return
	}

	s.logger.Warn("Reclaimed stale sync jobs",
		slog.Int64("jobs_reclaimed", reclaimed),
		slog.Duration("lease_ttl", s.leaseTTL))
}

// scanJob hydrates a queue.SyncJob from a row carrying jobColumns.
func scanJob(row interface{ Scan(dest ...interface{}) error }) (*queue.SyncJob, error) {
	var (
		job         queue.SyncJob
		productID   sql.NullInt64
		eventType   string
		eventData   []byte
		priority    string
		status      string
		startedAt   sql.NullTime
		completedAt sql.NullTime
		lastError   sql.NullString
		resultJSON  []byte
	)

	err := row.Scan(
		&job.ID,
		&job.ItemID,
		&productID,
		&eventType,
		&eventData,
		&priority,
		&status,
		&job.RetryCount,
		&job.MaxRetries,
		&job.ScheduledAt,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&lastError,
		&resultJSON,
	)
	if err != nil {
		return nil, err
	}

	job.EventType = queue.EventType(eventType)
	job.Priority = queue.Priority(priority)
	job.Status = queue.JobStatus(status)
	job.ProductID = productID.Int64
	job.LastError = lastError.String

	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}

	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	if len(eventData) > 0 {
		if err := json.Unmarshal(eventData, &job.EventData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
	}

	if len(resultJSON) > 0 {
		var result queue.ProcessingResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal processing result: %w", err)
		}

		job.Result = &result
	}

	return &job, nil
}

// marshalResultJSONB marshals a processing result to JSONB, returning SQL NULL
// for nil results to avoid "invalid input syntax for type json" errors.
func marshalResultJSONB(result *queue.ProcessingResult) (sql.NullString, error) {
	if result == nil {
		return sql.NullString{Valid: false}, nil
	}

	jsonBytes, err := json.Marshal(result)
	if err != nil {
		return sql.NullString{Valid: false}, err
	}

	return sql.NullString{String: string(jsonBytes), Valid: true}, nil
}

// nullableID converts a zero id to SQL NULL.
func nullableID(id int64) sql.NullInt64 {
	if id <= 0 {
		return sql.NullInt64{Valid: false}
	}

	return sql.NullInt64{Int64: id, Valid: true}
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors for robust detection.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Class 08 = Connection Exception: all 08xxx codes are connection-related.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
