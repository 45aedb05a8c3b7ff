package api

import (
	"encoding/json"
	"net/http"

	"github.com/opmsync-io/opmsync/internal/api/middleware"
)

// handleVendorMappingStats handles GET /api/v1/vendors/mappings/stats.
// Reports how much of the OPMS vendor table the ERP mapping cache covers.
// Unmapped vendors are the usual cause of payloads built without a vendor
// reference, so coverage is the first thing to check when upserts degrade.
func (s *Server) handleVendorMappingStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	stats, err := s.vendors.Stats(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query vendor mapping stats",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query vendor mapping stats"))

		return
	}

	response := VendorMappingStatsResponse{
		Total:           stats.Total,
		Mapped:          stats.Mapped,
		CoveragePercent: stats.CoveragePercent,
		CacheLoadedAt:   stats.CacheLoadedAt,
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal vendor mapping stats response",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
