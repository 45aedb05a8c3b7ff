package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opmsync-io/opmsync/internal/api/middleware"
	"github.com/opmsync-io/opmsync/internal/queue"
)

// recentChangesLimit bounds the change-log entries included in the item view.
const recentChangesLimit = 10

// handleItemSyncStatus handles GET /api/v1/sync/items/{id}.
// Returns the per-item sync state with its recent change-log entries.
//
// Path Parameters:
//   - id: OPMS item ID (numeric)
//
// Response: ItemSyncStatusResponse. 404 if the item has never been synced.
func (s *Server) handleItemSyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	itemID, problem := parseIDPathValue(r, "item")
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	record, err := s.items.Get(ctx, itemID)
	if err != nil {
		if errors.Is(err, queue.ErrItemSyncNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("No sync record found for item"))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to query item sync record",
			"correlation_id", correlationID,
			"item_id", itemID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query item sync record"))

		return
	}

	changes, err := s.changes.RecentForItem(ctx, itemID, recentChangesLimit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query change log",
			"correlation_id", correlationID,
			"item_id", itemID,
			"error", err.Error(),
		)
		// Non-fatal: continue with empty change history
		changes = nil
	}

	response := mapItemSyncToResponse(record, changes)

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal item sync response",
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
}

// mapItemSyncToResponse converts a domain ItemSync and its change history to
// the API response.
func mapItemSyncToResponse(record *queue.ItemSync, changes []*queue.ChangeEntry) ItemSyncStatusResponse {
	summaries := make([]ChangeEntrySummary, 0, len(changes))
	for _, change := range changes {
		summaries = append(summaries, ChangeEntrySummary{
			ID:            change.ID,
			Source:        string(change.Source),
			Operation:     string(change.Operation),
			ChangedFields: change.ChangedFields,
			TriggeredBy:   change.TriggeredBy,
			Reason:        change.Reason,
			CreatedAt:     change.CreatedAt,
		})
	}

	return ItemSyncStatusResponse{
		ItemID:            record.ItemID,
		Status:            string(record.Status),
		LastSyncAt:        record.LastSyncAt,
		ERPItemID:         record.ERPItemID,
		LastError:         record.LastError,
		ValidationSummary: record.ValidationSummary,
		LastPricingUpdate: record.LastPricingUpdate,
		PricingError:      record.PricingError,
		UpdatedAt:         record.UpdatedAt,
		RecentChanges:     summaries,
	}
}
