package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/opmsync-io/opmsync/internal/api/middleware"
	"github.com/opmsync-io/opmsync/internal/queue"
)

// handleTriggerProductSync handles POST /api/v1/sync/products/{id}.
// Enqueues one manual sync job per non-archived item of the product.
//
// Digital items of the product are skipped rather than rejected: a product
// can mix physical and digital items and the physical ones still sync.
// Items with a live job already in the queue count as deduplicated.
//
// Response codes:
//   - 202 Accepted: At least one job enqueued
//   - 200 OK: Nothing new to enqueue (all items deduplicated or skipped)
//   - 400 Bad Request: Invalid product ID, body, or priority
//   - 404 Not Found: Product has no non-archived items
//   - 409 Conflict: Sync is disabled and the request does not set override
func (s *Server) handleTriggerProductSync(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	productID, problem := parseIDPathValue(r, "product")
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	req, problem := s.parseTriggerRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	priority, problem := resolvePriority(req.Priority, queue.PriorityNormal)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Manual triggers respect the global switch unless the operator overrides.
	if !s.gate.IsEnabled(ctx) && !req.Override {
		WriteErrorResponse(w, r, s.logger,
			Conflict("Sync is disabled by configuration; set override to enqueue anyway"))

		return
	}

	identities, err := s.catalog.ItemsForProduct(ctx, productID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list product items",
			"correlation_id", correlationID,
			"product_id", productID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list product items"))

		return
	}

	if len(identities) == 0 {
		WriteErrorResponse(w, r, s.logger, NotFound("Product has no non-archived items"))

		return
	}

	live := true
	if req.LiveSync != nil {
		live = *req.LiveSync
	}

	triggeredBy := resolveTriggeredBy(ctx)

	var (
		jobIDs       []int64
		queued       int
		deduplicated int
	)

	for _, identity := range identities {
		// Digital items are skipped, not rejected: the rest of the product
		// still syncs.
		if err := s.validator.ValidateSyncable(identity.Code, identity.ProductType, queue.SourceManualProduct); err != nil {
			s.logger.Debug("Skipping item in product trigger",
				slog.String("correlation_id", correlationID),
				slog.Int64("item_id", identity.ItemID),
				slog.String("reason", err.Error()),
			)

			continue
		}

		job := &queue.SyncJob{
			ItemID:    identity.ItemID,
			ProductID: productID,
			EventType: queue.EventTypeUpdate,
			Priority:  priority,
			EventData: queue.EventData{
				Source:      queue.SourceManualProduct,
				TriggeredBy: triggeredBy,
				Reason:      req.Reason,
				Environment: req.Environment,
				LiveSync:    live,
				Override:    req.Override,
			},
		}

		jobID, duplicate, err := s.jobs.Enqueue(ctx, job)
		if err != nil {
			// Jobs enqueued before the failure stay queued; the per-item
			// dedupe makes a retried request safe.
			s.logger.ErrorContext(ctx, "Failed to enqueue product sync job",
				"correlation_id", correlationID,
				"product_id", productID,
				"item_id", identity.ItemID,
				"error", err.Error(),
			)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to enqueue sync jobs"))

			return
		}

		if duplicate {
			deduplicated++

			continue
		}

		queued++
		jobIDs = append(jobIDs, jobID)
	}

	statusCode := http.StatusAccepted
	if queued == 0 {
		statusCode = http.StatusOK
	}

	response := TriggerProductSyncResponse{
		ProductID:     productID,
		ItemCount:     len(identities),
		Queued:        queued,
		Deduplicated:  deduplicated,
		JobIDs:        jobIDs,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal product trigger response",
			"correlation_id", correlationID,
			"product_id", productID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)

	s.logger.Info("Manual product sync queued",
		slog.String("correlation_id", correlationID),
		slog.Int64("product_id", productID),
		slog.Int("item_count", len(identities)),
		slog.Int("queued", queued),
		slog.Int("deduplicated", deduplicated),
		slog.String("priority", string(priority)),
		slog.String("triggered_by", triggeredBy),
		slog.Duration("duration", time.Since(startTime)),
	)
}
