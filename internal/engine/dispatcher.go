package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/opmsync-io/opmsync/internal/catalog"
	"github.com/opmsync-io/opmsync/internal/config"
	"github.com/opmsync-io/opmsync/internal/erp"
	"github.com/opmsync-io/opmsync/internal/queue"
)

// ErrMissingDependency is returned when a required collaborator is nil.
var ErrMissingDependency = errors.New("missing engine dependency")

// Messages recorded on jobs and item sync records. These strings surface in
// the API and operator tooling, so they stay stable.
const (
	disabledMessage        = "Sync disabled by configuration"
	liveSyncOffReason      = "Live sync disabled for this job"
	permanentFailurePrefix = "PERMANENT FAILURE: "
)

// DispatcherDeps bundles the dispatcher's collaborators.
//
// Feed is optional; every other field is required.
type DispatcherDeps struct {
	Queue   queue.Store
	Items   queue.ItemSyncStore
	Gate    Gate
	Catalog Catalog
	Vendors VendorResolver
	Builder *erp.Builder
	Client  Upserter
	Feed    OutcomePublisher
}

func (d DispatcherDeps) validate() error {
	switch {
	case d.Queue == nil:
		return fmt.Errorf("%w: queue store", ErrMissingDependency)
	case d.Items == nil:
		return fmt.Errorf("%w: item sync store", ErrMissingDependency)
	case d.Gate == nil:
		return fmt.Errorf("%w: config gate", ErrMissingDependency)
	case d.Catalog == nil:
		return fmt.Errorf("%w: catalog", ErrMissingDependency)
	case d.Vendors == nil:
		return fmt.Errorf("%w: vendor resolver", ErrMissingDependency)
	case d.Builder == nil:
		return fmt.Errorf("%w: payload builder", ErrMissingDependency)
	case d.Client == nil:
		return fmt.Errorf("%w: ERP client", ErrMissingDependency)
	default:
		return nil
	}
}

// Dispatcher drives queued sync jobs to a terminal state, one at a time.
//
// Single-threaded on purpose: the ERP endpoint's rate contract is easiest to
// honor with exactly one in-flight request, and the queue's claim semantics
// make a second dispatcher safe but pointless. On each tick the dispatcher
// drains the queue back-to-back; the UpsertLimiter paces the drain.
type Dispatcher struct {
	queue   queue.Store
	items   queue.ItemSyncStore
	gate    Gate
	catalog Catalog
	vendors VendorResolver
	builder *erp.Builder
	client  Upserter
	feed    OutcomePublisher
	limiter *UpsertLimiter
	retry   RetryPolicy
	tick    time.Duration
	logger  *slog.Logger

	paused   atomic.Bool
	lastTick atomic.Int64
}

// NewDispatcher creates a dispatcher from validated dependencies and config.
func NewDispatcher(deps DispatcherDeps, cfg *Config) (*Dispatcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config", ErrMissingDependency)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := deps.validate(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("component", "dispatcher"))

	return &Dispatcher{
		queue:   deps.Queue,
		items:   deps.Items,
		gate:    deps.Gate,
		catalog: deps.Catalog,
		vendors: deps.Vendors,
		builder: deps.Builder,
		client:  deps.Client,
		feed:    deps.Feed,
		limiter: NewUpsertLimiter(cfg.WindowLimit, cfg.Window, cfg.MinSpacing),
		retry:   cfg.Retry,
		tick:    cfg.DispatchInterval,
		logger:  logger,
	}, nil
}

// Run processes jobs until the context ends. Blocks; run it in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started",
		slog.Duration("tick", d.tick),
		slog.Int("rate_limit", d.limiter.limit),
	)

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")

			return
		case <-ticker.C:
			d.lastTick.Store(time.Now().UnixNano())

			if d.paused.Load() {
				continue
			}

			d.drain(ctx)
		}
	}
}

// Pause suspends claiming without touching the config gate. Already-claimed
// work finishes.
func (d *Dispatcher) Pause() { d.paused.Store(true) }

// Resume lifts a pause.
func (d *Dispatcher) Resume() { d.paused.Store(false) }

// Paused reports whether claiming is suspended.
func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// LastTick returns the time of the most recent loop tick, zero before the
// first one.
func (d *Dispatcher) LastTick() time.Time {
	nanos := d.lastTick.Load()
	if nanos == 0 {
		return time.Time{}
	}

	return time.Unix(0, nanos)
}

// InWindow reports the rate limiter's current sliding-window occupancy.
func (d *Dispatcher) InWindow() int { return d.limiter.InWindow() }

// drain processes jobs back-to-back until the queue is empty or the run
// context ends.
func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		claimed, err := d.queue.ClaimNext(ctx, 1)
		if err != nil {
			d.logger.Error("job claim failed", slog.String("error", err.Error()))

			return
		}

		if len(claimed) == 0 {
			return
		}

		// Finish the claimed job even when shutdown starts mid-attempt;
		// abandoning it would park the item until lease reclaim.
		d.resolve(context.WithoutCancel(ctx), claimed[0])

		// Long drains miss ticker fires; stamp per job so a busy loop does
		// not read as stale.
		d.lastTick.Store(time.Now().UnixNano())
	}
}

// resolve drives one claimed job to PENDING (retry), COMPLETED, or FAILED.
func (d *Dispatcher) resolve(ctx context.Context, job *queue.SyncJob) {
	start := time.Now()
	logger := d.logger.With(
		slog.Int64("job_id", job.ID),
		slog.Int64("item_id", job.ItemID),
		slog.String("source", string(job.EventData.Source)),
	)

	logger.Info("job claimed",
		slog.String("event_type", string(job.EventType)),
		slog.String("priority", string(job.Priority)),
		slog.Int("retry_count", job.RetryCount),
	)

	// The gate is re-checked at dispatch time: jobs enqueued before a
	// disable must not slip through. Only a manual override passes.
	if !d.gate.IsEnabled(ctx) && !job.EventData.Override {
		result := &queue.ProcessingResult{
			Outcome:    queue.OutcomeFailed,
			Attempts:   job.RetryCount,
			DurationMs: millisSince(start),
		}

		d.mark(ctx, logger, job, queue.JobStatusFailed, result, disabledMessage)
		// A disabled-gate rejection says nothing about the item itself, so
		// its sync record is left alone.
		d.publish(ctx, job, result, disabledMessage)
		logger.Warn("job rejected: sync disabled")

		return
	}

	d.stampInProgress(ctx, logger, job)

	identity, err := d.catalog.Identity(ctx, job.ItemID)
	if err != nil {
		d.dispose(ctx, logger, job, start, nil, err)

		return
	}

	// The digital block is absolute: no source or override bypasses it.
	if queue.IsDigitalItem(identity.ProductType, identity.Code) {
		d.completeSkip(ctx, logger, job, start, catalog.ReasonDigitalItem, nil)

		return
	}

	extracted, err := d.catalog.Extract(ctx, job.ItemID)
	if err != nil {
		d.dispose(ctx, logger, job, start, nil, err)

		return
	}

	var erpVendorID int64

	if extracted.VendorID > 0 {
		mapped, ok := d.vendors.ERPVendorID(ctx, extracted.VendorID)
		if ok {
			erpVendorID = mapped
		} else {
			logger.Debug("no ERP mapping for vendor, omitting",
				slog.Int64("vendor_id", extracted.VendorID))
		}
	}

	payload, summary, err := d.builder.Build(extracted, erpVendorID)
	if err != nil {
		d.dispose(ctx, logger, job, start, nil, err)

		return
	}

	counts := summary.Counts()

	// A no-live job stops here: everything up to the network call has been
	// exercised and recorded.
	if !job.EventData.LiveSync {
		d.completeSkip(ctx, logger, job, start, liveSyncOffReason, counts)

		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		// Interrupted while pacing; the job stays PROCESSING for reclaim.
		logger.Warn("rate limit wait interrupted", slog.String("error", err.Error()))

		return
	}

	response, err := d.client.Upsert(ctx, payload, job.EventData.Environment)
	if err != nil {
		d.dispose(ctx, logger, job, start, counts, err)

		return
	}

	d.completeSynced(ctx, logger, job, start, response, counts)
}

// dispose routes a pipeline error by disposition: recorded skip, permanent
// failure, or retry with backoff (permanent once the budget is used up).
func (d *Dispatcher) dispose(
	ctx context.Context,
	logger *slog.Logger,
	job *queue.SyncJob,
	start time.Time,
	counts map[string]int,
	cause error,
) {
	disposition := d.retry.Classify(cause)

	switch disposition {
	case DispositionSkip:
		d.completeSkip(ctx, logger, job, start, catalog.SkipReason(cause), counts)
	case DispositionFail:
		d.failPermanent(ctx, logger, job, start, counts, cause)
	case DispositionRetry:
		if job.RetriesExhausted() {
			d.failPermanent(ctx, logger, job, start, counts, cause)

			return
		}

		attempt := job.RetryCount + 1
		delay := d.retry.Delay(attempt)

		if err := d.queue.ScheduleRetry(ctx, job.ID, delay, cause.Error()); err != nil {
			logger.Error("retry scheduling failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			return
		}

		logger.Warn("attempt failed, retry scheduled",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", cause.Error()),
		)
	}
}

// completeSkip resolves the job as COMPLETED with a recorded skip.
func (d *Dispatcher) completeSkip(
	ctx context.Context,
	logger *slog.Logger,
	job *queue.SyncJob,
	start time.Time,
	reason string,
	counts map[string]int,
) {
	result := &queue.ProcessingResult{
		Outcome:    queue.OutcomeSkipped,
		SkipReason: reason,
		Attempts:   job.RetryCount + 1,
		DurationMs: millisSince(start),
	}

	d.mark(ctx, logger, job, queue.JobStatusCompleted, result, "")
	d.upsertItem(ctx, logger, &queue.ItemSync{
		ItemID:            job.ItemID,
		Status:            queue.ItemStatusSkipped,
		LastSyncAt:        time.Now().UTC(),
		LastError:         reason,
		ValidationSummary: counts,
	})
	d.publish(ctx, job, result, "")

	logger.Info("job skipped", slog.String("reason", reason))
}

// completeSynced resolves the job as COMPLETED with the ERP's response.
func (d *Dispatcher) completeSynced(
	ctx context.Context,
	logger *slog.Logger,
	job *queue.SyncJob,
	start time.Time,
	response *erp.UpsertResponse,
	counts map[string]int,
) {
	result := &queue.ProcessingResult{
		Outcome:       queue.OutcomeSynced,
		ERPInternalID: response.InternalID,
		Operation:     response.Operation,
		Attempts:      job.RetryCount + 1,
		DurationMs:    millisSince(start),
	}

	d.mark(ctx, logger, job, queue.JobStatusCompleted, result, "")
	d.upsertItem(ctx, logger, &queue.ItemSync{
		ItemID:            job.ItemID,
		Status:            queue.ItemStatusSuccess,
		LastSyncAt:        time.Now().UTC(),
		ERPItemID:         response.InternalID,
		ValidationSummary: counts,
	})
	d.publish(ctx, job, result, "")

	logger.Info("item synced",
		slog.String("erp_internal_id", response.InternalID),
		slog.String("operation", response.Operation),
		slog.Int("attempts", job.RetryCount+1),
		slog.Int64("duration_ms", result.DurationMs),
	)
}

// failPermanent resolves the job as FAILED and flags the item.
func (d *Dispatcher) failPermanent(
	ctx context.Context,
	logger *slog.Logger,
	job *queue.SyncJob,
	start time.Time,
	counts map[string]int,
	cause error,
) {
	result := &queue.ProcessingResult{
		Outcome:    queue.OutcomeFailed,
		Attempts:   job.RetryCount + 1,
		DurationMs: millisSince(start),
	}

	d.mark(ctx, logger, job, queue.JobStatusFailed, result, cause.Error())
	d.upsertItem(ctx, logger, &queue.ItemSync{
		ItemID:            job.ItemID,
		Status:            queue.ItemStatusFailed,
		LastSyncAt:        time.Now().UTC(),
		LastError:         permanentFailurePrefix + cause.Error(),
		ValidationSummary: counts,
	})
	d.publish(ctx, job, result, cause.Error())

	logger.Error("job failed permanently",
		slog.Int("attempts", job.RetryCount+1),
		slog.String("error", cause.Error()),
	)
}

// stampInProgress marks the item's sync record IN_PROGRESS for the attempt.
// Best-effort: a failed stamp never blocks the attempt itself.
func (d *Dispatcher) stampInProgress(ctx context.Context, logger *slog.Logger, job *queue.SyncJob) {
	err := d.items.Upsert(ctx, &queue.ItemSync{
		ItemID:     job.ItemID,
		Status:     queue.ItemStatusInProgress,
		LastSyncAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Warn("in-progress stamp failed", slog.String("error", err.Error()))
	}
}

// mark records the terminal job status. A lost lease surfaces here as
// ErrJobNotFound: the job was reclaimed mid-attempt and will rerun, which is
// safe because the ERP call is an upsert.
func (d *Dispatcher) mark(
	ctx context.Context,
	logger *slog.Logger,
	job *queue.SyncJob,
	status queue.JobStatus,
	result *queue.ProcessingResult,
	lastError string,
) {
	if err := d.queue.Mark(ctx, job.ID, status, result, lastError); err != nil {
		logger.Warn("terminal mark failed",
			slog.String("status", status.String()),
			slog.String("error", err.Error()),
		)
	}
}

// upsertItem writes the item's sync record. Best-effort.
func (d *Dispatcher) upsertItem(ctx context.Context, logger *slog.Logger, state *queue.ItemSync) {
	if err := d.items.Upsert(ctx, state); err != nil {
		logger.Warn("item sync record update failed", slog.String("error", err.Error()))
	}
}

// publish emits the terminal outcome to the changefeed, when one is wired.
func (d *Dispatcher) publish(
	ctx context.Context,
	job *queue.SyncJob,
	result *queue.ProcessingResult,
	errMsg string,
) {
	if d.feed == nil {
		return
	}

	outcome := &JobOutcome{
		JobID:         job.ID,
		ItemID:        job.ItemID,
		ProductID:     job.ProductID,
		EventType:     string(job.EventType),
		Source:        string(job.EventData.Source),
		Outcome:       result.Outcome,
		ERPInternalID: result.ERPInternalID,
		Operation:     result.Operation,
		SkipReason:    result.SkipReason,
		Error:         errMsg,
		Attempts:      result.Attempts,
		DurationMs:    result.DurationMs,
		OccurredAt:    time.Now().UTC(),
	}

	if err := d.feed.PublishOutcome(ctx, outcome); err != nil {
		d.logger.Warn("outcome publish failed",
			slog.Int64("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// millisSince returns elapsed wall time in milliseconds.
func millisSince(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
