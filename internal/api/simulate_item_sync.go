package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/opmsync-io/opmsync/internal/api/middleware"
)

// handleSimulateItemSync handles POST /api/v1/sync/items/{id}/dry-run.
// Runs the extract-validate-build pipeline for the item and returns the
// payload that a real dispatch would send, without any queue or network
// involvement. Every simulation is persisted for later inspection.
//
// A missing or non-syncable item is a successful simulation with a skipped
// outcome, not an error: the point of a dry run is to report what a real
// job would do, and a real job records a skip.
//
// Response codes:
//   - 200 OK: Simulation recorded (outcome simulated, skipped, or failed)
//   - 400 Bad Request: Invalid item ID
//   - 500 Internal Server Error: Catalog or storage failure
func (s *Server) handleSimulateItemSync(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	itemID, problem := parseIDPathValue(r, "item")
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if s.simulator == nil {
		WriteErrorResponse(w, r, s.logger,
			ServiceUnavailable("Dry run simulator is not configured"))

		return
	}

	record, err := s.simulator.Run(ctx, itemID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Dry run failed",
			"correlation_id", correlationID,
			"item_id", itemID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Dry run failed"))

		return
	}

	response := DryRunResponse{
		ID:                record.ID,
		ItemID:            record.ItemID,
		Outcome:           record.Outcome,
		SkipReason:        record.SkipReason,
		Payload:           record.Payload,
		ValidationSummary: record.ValidationSummary,
		Response: SimulatedUpsertSummary{
			Success:   record.Response.Success,
			Simulated: record.Response.Simulated,
			Operation: record.Response.Operation,
			Message:   record.Response.Message,
		},
		CreatedAt: record.CreatedAt,
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal dry run response",
			"correlation_id", correlationID,
			"item_id", itemID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)

	s.logger.Info("Dry run completed",
		slog.String("correlation_id", correlationID),
		slog.Int64("item_id", itemID),
		slog.String("dry_run_id", record.ID),
		slog.String("outcome", record.Outcome),
		slog.Duration("duration", time.Since(startTime)),
	)
}
