package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opmsync-io/opmsync/internal/api/middleware"
	"github.com/opmsync-io/opmsync/internal/catalog"
	"github.com/opmsync-io/opmsync/internal/queue"
)

// anonymousOperator is the audit identity used when the request carries no
// operator context (authentication middleware disabled in local development).
const anonymousOperator = "anonymous"

// parseIDPathValue extracts and parses the {id} path segment as a positive
// numeric identifier. The noun names the resource for error messages
// ("item", "product").
func parseIDPathValue(r *http.Request, noun string) (int64, *ProblemDetail) {
	idStr := r.PathValue("id")
	if idStr == "" {
		return 0, BadRequest("Missing " + noun + " ID")
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return 0, BadRequest("Invalid " + noun + " ID: must be a positive numeric value")
	}

	return id, nil
}

// parseTriggerRequest parses the optional JSON body of a manual trigger
// request. A bare POST (empty body) triggers with defaults; a body refines
// the request.
func (s *Server) parseTriggerRequest(r *http.Request) (*TriggerSyncRequest, *ProblemDetail) {
	if r.ContentLength == 0 {
		return &TriggerSyncRequest{}, nil
	}

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		return nil, UnsupportedMediaType("Content-Type must be application/json")
	}

	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	var req TriggerSyncRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&req); err != nil {
		return nil, BadRequest("Invalid JSON: " + err.Error())
	}

	return &req, nil
}

// resolveTriggeredBy returns the operator identity recorded on manual jobs.
func resolveTriggeredBy(ctx context.Context) string {
	if opCtx, ok := middleware.GetOperatorContext(ctx); ok && opCtx.OperatorID != "" {
		return opCtx.OperatorID
	}

	return anonymousOperator
}

// resolvePriority validates the requested priority, falling back to the
// endpoint default when the request does not set one.
func resolvePriority(raw string, fallback queue.Priority) (queue.Priority, *ProblemDetail) {
	if raw == "" {
		return fallback, nil
	}

	priority := queue.Priority(strings.ToUpper(strings.TrimSpace(raw)))
	if !priority.IsValid() {
		return "", BadRequest("Invalid priority: must be one of HIGH, NORMAL, LOW")
	}

	return priority, nil
}

// handleTriggerItemSync handles POST /api/v1/sync/items/{id}.
// Enqueues a high-priority manual sync job for a single item.
//
// Manual triggers bypass the item code format filter but never the digital
// item exclusion, and they respect the global sync switch unless the request
// sets override.
//
// Response codes:
//   - 202 Accepted: Job enqueued
//   - 200 OK: A live job for the item already exists (deduplicated)
//   - 400 Bad Request: Invalid item ID, body, or priority
//   - 404 Not Found: Item does not exist
//   - 409 Conflict: Sync is disabled and the request does not set override
//   - 422 Unprocessable Entity: Digital items are never synchronized
func (s *Server) handleTriggerItemSync(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	itemID, problem := parseIDPathValue(r, "item")
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	req, problem := s.parseTriggerRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	priority, problem := resolvePriority(req.Priority, queue.PriorityHigh)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	identity, err := s.catalog.Identity(ctx, itemID)
	if err != nil {
		if errors.Is(err, catalog.ErrItemNotSyncable) {
			WriteErrorResponse(w, r, s.logger, NotFound("Item not found"))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to look up item",
			"correlation_id", correlationID,
			"item_id", itemID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to look up item"))

		return
	}

	// Digital items are never synchronized, manual trigger or not.
	if err := s.validator.ValidateSyncable(identity.Code, identity.ProductType, queue.SourceManualItem); err != nil {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

		return
	}

	// Manual triggers respect the global switch unless the operator overrides.
	if !s.gate.IsEnabled(ctx) && !req.Override {
		WriteErrorResponse(w, r, s.logger,
			Conflict("Sync is disabled by configuration; set override to enqueue anyway"))

		return
	}

	live := true
	if req.LiveSync != nil {
		live = *req.LiveSync
	}

	triggeredBy := resolveTriggeredBy(ctx)

	job := &queue.SyncJob{
		ItemID:    itemID,
		ProductID: identity.ProductID,
		EventType: queue.EventTypeUpdate,
		Priority:  priority,
		EventData: queue.EventData{
			Source:      queue.SourceManualItem,
			TriggeredBy: triggeredBy,
			Reason:      req.Reason,
			Environment: req.Environment,
			LiveSync:    live,
			Override:    req.Override,
		},
	}

	jobID, duplicate, err := s.jobs.Enqueue(ctx, job)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to enqueue item sync job",
			"correlation_id", correlationID,
			"item_id", itemID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to enqueue sync job"))

		return
	}

	status := "queued"
	statusCode := http.StatusAccepted

	if duplicate {
		// A live job for this item already covers the request.
		status = "duplicate"
		statusCode = http.StatusOK
	}

	response := TriggerSyncResponse{
		JobID:         jobID,
		ItemID:        itemID,
		Status:        status,
		Deduplicated:  duplicate,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal trigger response",
			"correlation_id", correlationID,
			"item_id", itemID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)

	s.logger.Info("Manual item sync queued",
		slog.String("correlation_id", correlationID),
		slog.Int64("item_id", itemID),
		slog.Int64("job_id", jobID),
		slog.Bool("deduplicated", duplicate),
		slog.String("priority", string(priority)),
		slog.String("triggered_by", triggeredBy),
		slog.Duration("duration", time.Since(startTime)),
	)
}
