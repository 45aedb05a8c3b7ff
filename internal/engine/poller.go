package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opmsync-io/opmsync/internal/catalog"
	"github.com/opmsync-io/opmsync/internal/config"
	"github.com/opmsync-io/opmsync/internal/queue"
)

// PollerDeps bundles the poller's collaborators. All fields are required.
type PollerDeps struct {
	Queue   queue.Store
	Changes queue.ChangeLogStore
	Gate    Gate
	Catalog Catalog
}

func (d PollerDeps) validate() error {
	switch {
	case d.Queue == nil:
		return fmt.Errorf("%w: queue store", ErrMissingDependency)
	case d.Changes == nil:
		return fmt.Errorf("%w: change log store", ErrMissingDependency)
	case d.Gate == nil:
		return fmt.Errorf("%w: config gate", ErrMissingDependency)
	case d.Catalog == nil:
		return fmt.Errorf("%w: catalog", ErrMissingDependency)
	default:
		return nil
	}
}

// Poller is the backup change-detection layer: it sweeps for catalog rows
// whose modification timestamp moved past its watermark and enqueues the
// jobs the database triggers should have created. Under healthy triggers the
// live-job dedup makes each sweep a no-op.
//
// The watermark starts at process start; changes older than that are the
// triggers' business (they fire regardless of this process running).
type Poller struct {
	queue     queue.Store
	changes   queue.ChangeLogStore
	gate      Gate
	catalog   Catalog
	validator *queue.Validator
	interval  time.Duration
	batch     int
	logger    *slog.Logger

	mu        sync.Mutex
	watermark time.Time

	paused   atomic.Bool
	lastTick atomic.Int64
}

// NewPoller creates a poller sweeping from the given watermark.
func NewPoller(deps PollerDeps, cfg *Config, since time.Time) (*Poller, error) {
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
	})).With(slog.String("component", "poller"))

	return &Poller{
		queue:     deps.Queue,
		changes:   deps.Changes,
		gate:      deps.Gate,
		catalog:   deps.Catalog,
		validator: queue.NewValidator(),
		interval:  cfg.PollInterval,
		batch:     cfg.PollBatchSize,
		logger:    logger,
		watermark: since,
	}, nil
}

// Run sweeps until the context ends. Blocks; run it in a goroutine.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started",
		slog.Duration("interval", p.interval),
		slog.Int("batch_size", p.batch),
		slog.Time("watermark", p.Watermark()),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")

			return
		case <-ticker.C:
			p.lastTick.Store(time.Now().UnixNano())

			if p.paused.Load() {
				continue
			}

			p.sweep(ctx)
		}
	}
}

// Pause suspends sweeping.
func (p *Poller) Pause() { p.paused.Store(true) }

// Resume lifts a pause.
func (p *Poller) Resume() { p.paused.Store(false) }

// Paused reports whether sweeping is suspended.
func (p *Poller) Paused() bool { return p.paused.Load() }

// Watermark returns the modification timestamp the next sweep starts from.
func (p *Poller) Watermark() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.watermark
}

// LastTick returns the time of the most recent loop tick, zero before the
// first one.
func (p *Poller) LastTick() time.Time {
	nanos := p.lastTick.Load()
	if nanos == 0 {
		return time.Time{}
	}

	return time.Unix(0, nanos)
}

// sweep enqueues one batch of missed changes and advances the watermark past
// every item it handled. An enqueue failure stops the sweep with the
// watermark parked before the failing item, so the next sweep retries it.
func (p *Poller) sweep(ctx context.Context) {
	// Polling is gated at enqueue time, same as the database triggers.
	if !p.gate.IsEnabled(ctx) {
		p.logger.Debug("sweep skipped: sync disabled")

		return
	}

	identities, err := p.catalog.ModifiedSince(ctx, p.Watermark(), p.batch)
	if err != nil {
		p.logger.Error("modified-items scan failed", slog.String("error", err.Error()))

		return
	}

	if len(identities) == 0 {
		return
	}

	enqueued := 0

	for _, identity := range identities {
		if !p.enqueueOne(ctx, identity, &enqueued) {
			break
		}

		p.advance(identity.DateModified)
	}

	if enqueued > 0 {
		p.logger.Info("sweep recovered missed changes",
			slog.Int("scanned", len(identities)),
			slog.Int("enqueued", enqueued),
			slog.Time("watermark", p.Watermark()),
		)
	}
}

// enqueueOne filters and enqueues a single modified item. Returns false when
// the sweep should stop without advancing past the item.
func (p *Poller) enqueueOne(ctx context.Context, identity *catalog.ItemIdentity, enqueued *int) bool {
	if identity.ProductArchived {
		return true
	}

	err := p.validator.ValidateSyncable(identity.Code, identity.ProductType, queue.SourcePolling)
	if err != nil {
		p.logger.Debug("modified item not syncable",
			slog.Int64("item_id", identity.ItemID),
			slog.String("reason", err.Error()),
		)

		return true
	}

	job := &queue.SyncJob{
		ItemID:    identity.ItemID,
		ProductID: identity.ProductID,
		EventType: queue.EventTypeUpdate,
		EventData: queue.EventData{
			Source:   queue.SourcePolling,
			LiveSync: true,
		},
		Priority:   queue.PriorityNormal,
		MaxRetries: queue.DefaultMaxRetries,
	}

	jobID, duplicate, err := p.queue.Enqueue(ctx, job)
	if err != nil {
		p.logger.Error("enqueue failed",
			slog.Int64("item_id", identity.ItemID),
			slog.String("error", err.Error()),
		)

		return false
	}

	if duplicate {
		return true
	}

	*enqueued++

	p.logger.Info("missed change enqueued",
		slog.Int64("job_id", jobID),
		slog.Int64("item_id", identity.ItemID),
		slog.Time("modified_at", identity.DateModified),
	)

	p.appendChange(ctx, identity)

	return true
}

// appendChange records the detected change for provenance. Best-effort: the
// job is already queued, a lost audit row is not worth failing the sweep.
func (p *Poller) appendChange(ctx context.Context, identity *catalog.ItemIdentity) {
	entry := &queue.ChangeEntry{
		ItemID:    identity.ItemID,
		ProductID: identity.ProductID,
		Source:    queue.SourcePolling,
		Operation: queue.EventTypeUpdate,
	}

	if err := p.changes.Append(ctx, entry); err != nil {
		p.logger.Warn("change log append failed",
			slog.Int64("item_id", identity.ItemID),
			slog.String("error", err.Error()),
		)
	}
}

// advance moves the watermark forward, never backward.
func (p *Poller) advance(modified time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if modified.After(p.watermark) {
		p.watermark = modified
	}
}
