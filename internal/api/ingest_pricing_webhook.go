package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opmsync-io/opmsync/internal/api/middleware"
	"github.com/opmsync-io/opmsync/internal/webhook"
)

// handlePricingWebhook handles POST /api/v1/webhooks/erp/pricing.
// Ingests one pricing update pushed from the ERP and applies it to the OPMS
// pricing tables in a single transaction.
//
// Request validation (returns 4xx):
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body or invalid JSON
//   - 404 Not Found: No syncable OPMS item matches the webhook item code
//   - 422 Unprocessable Entity: Payload fails business validation (missing
//     item code, values out of range)
//
// Success responses (both 200 OK):
//   - status "applied": Pricing written, with before and after snapshots
//   - status "skipped": The item's protected flag blocked the apply
func (s *Server) handlePricingWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	// Content-Type validation
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	// Request size check (optimization: fail fast for known oversized requests)
	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		WriteErrorResponse(w, r, s.logger, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		))

		return
	}

	// Empty body check (better UX: specific error message)
	if r.ContentLength == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("Request body cannot be empty"))

		return
	}

	var inbound webhook.InboundPricing

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&inbound); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON: "+err.Error()))

		return
	}

	result, err := s.pricing.Apply(ctx, &inbound)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrWebhookInvalid):
			WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))
		case errors.Is(err, webhook.ErrItemUnknown):
			WriteErrorResponse(w, r, s.logger, NotFound("No syncable item matches the webhook item code"))
		default:
			s.logger.ErrorContext(ctx, "Failed to apply pricing webhook",
				"correlation_id", correlationID,
				"item_code", inbound.ItemCode,
				"error", err.Error(),
			)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to apply pricing update"))
		}

		return
	}

	response := mapPricingResult(result, correlationID)

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal pricing webhook response",
			"correlation_id", correlationID,
			"item_code", result.ItemCode,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)

	s.logger.Info("Pricing webhook processed",
		slog.String("correlation_id", correlationID),
		slog.String("item_code", result.ItemCode),
		slog.String("status", response.Status),
		slog.Int("warnings", len(result.Warnings)),
		slog.Duration("duration", time.Since(startTime)),
	)
}

// mapPricingResult converts the applier's result to the API response.
func mapPricingResult(result *webhook.Result, correlationID string) PricingWebhookResponse {
	response := PricingWebhookResponse{
		Status:        "applied",
		ItemID:        result.ItemID,
		ProductID:     result.ProductID,
		ItemCode:      result.ItemCode,
		Warnings:      result.Warnings,
		AppliedAt:     result.AppliedAt,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	if result.Skipped {
		response.Status = "skipped"
		response.SkipReason = result.SkipReason

		return response
	}

	if result.Before != nil {
		response.Before = &PricingSnapshot{
			CutPrice:  result.Before.CutPrice,
			RollPrice: result.Before.RollPrice,
			CutCost:   result.Before.CutCost,
			RollCost:  result.Before.RollCost,
		}
	}

	if result.After != nil {
		response.After = &PricingSnapshot{
			CutPrice:  result.After.CutPrice,
			RollPrice: result.After.RollPrice,
			CutCost:   result.After.CutCost,
			RollCost:  result.After.RollCost,
		}
	}

	return response
}
