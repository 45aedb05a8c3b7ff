package api

import (
	"encoding/json"
	"net/http"

	"github.com/opmsync-io/opmsync/internal/api/middleware"
	"github.com/opmsync-io/opmsync/internal/engine"
)

// handleSyncStatus handles GET /api/v1/sync/status.
// Returns the supervisor's aggregated health snapshot: component states,
// queue depth and throughput, trigger installation, and the config gate.
//
// The endpoint always returns 200 with the status in the body; /ready is
// the probe endpoint for traffic decisions.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	if s.controller == nil {
		WriteErrorResponse(w, r, s.logger,
			ServiceUnavailable("Sync engine is not running in this process"))

		return
	}

	snapshot := s.controller.Health(ctx)
	response := mapHealthSnapshot(snapshot)

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal sync status response",
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

// mapHealthSnapshot converts the engine's health snapshot to the API
// response shape.
func mapHealthSnapshot(snapshot *engine.HealthSnapshot) SyncStatusResponse {
	components := make(map[string]ComponentStatus, len(snapshot.Components))
	for name, component := range snapshot.Components {
		components[name] = ComponentStatus{
			State:    component.State,
			Restarts: component.Restarts,
			LastTick: component.LastTick,
		}
	}

	breakdown := make(map[string]int, len(snapshot.Breakdown))
	for status, count := range snapshot.Breakdown {
		breakdown[string(status)] = count
	}

	var queueStats *QueueStatsResponse

	if snapshot.Queue != nil {
		queueStats = &QueueStatsResponse{
			WindowSeconds:           snapshot.Queue.Window.Seconds(),
			Pending:                 snapshot.Queue.Pending,
			Processing:              snapshot.Queue.Processing,
			Completed:               snapshot.Queue.Completed,
			Failed:                  snapshot.Queue.Failed,
			Retries:                 snapshot.Queue.Retries,
			OldestPendingAgeSeconds: snapshot.Queue.OldestPendingAge.Seconds(),
		}
	}

	return SyncStatusResponse{
		Status:      snapshot.Status,
		SyncEnabled: snapshot.SyncEnabled,
		Paused:      snapshot.Paused,
		Components:  components,
		Queue:       queueStats,
		Breakdown:   breakdown,
		Triggers: TriggerStatusResponse{
			Installed:    snapshot.Triggers.Installed,
			AllInstalled: snapshot.Triggers.AllInstalled(),
			CheckedAt:    snapshot.Triggers.CheckedAt,
		},
		RateInWindow:  snapshot.RateInWindow,
		UptimeSeconds: snapshot.Uptime.Seconds(),
		Problems:      snapshot.Problems,
		CheckedAt:     snapshot.CheckedAt,
	}
}
