package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opmsync-io/opmsync/internal/api/middleware"
)

// handlePauseSync handles POST /api/v1/sync/pause.
// Disables the global sync switch and pauses the in-process dispatcher.
func (s *Server) handlePauseSync(w http.ResponseWriter, r *http.Request) {
	s.handleSyncControl(w, r, false)
}

// handleResumeSync handles POST /api/v1/sync/resume.
// Re-enables the global sync switch and resumes the in-process dispatcher.
func (s *Server) handleResumeSync(w http.ResponseWriter, r *http.Request) {
	s.handleSyncControl(w, r, true)
}

// handleSyncControl flips the sync switch in both places it lives: the
// database config row (authoritative, honored by the triggers and any other
// process) and the running dispatcher (immediate effect on the loop).
//
// Pausing does not cancel an in-flight job; the dispatcher finishes its
// current item and then idles.
func (s *Server) handleSyncControl(w http.ResponseWriter, r *http.Request, enable bool) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	req, problem := s.parseControlRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	changedBy := resolveTriggeredBy(ctx)

	if err := s.gate.SetEnabled(ctx, enable, changedBy); err != nil {
		s.logger.ErrorContext(ctx, "Failed to update sync configuration",
			"correlation_id", correlationID,
			"enable", enable,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to update sync configuration"))

		return
	}

	// Best effort: the engine may run in another process, in which case it
	// picks up the config change on its next dispatch cycle.
	if s.controller != nil {
		if enable {
			s.controller.Resume()
		} else {
			s.controller.Pause()
		}
	}

	status := "paused"
	if enable {
		status = "resumed"
	}

	response := ControlSyncResponse{
		Status:        status,
		SyncEnabled:   enable,
		ChangedBy:     changedBy,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal sync control response",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)

	s.logger.Info("Sync state changed",
		slog.String("correlation_id", correlationID),
		slog.String("status", status),
		slog.String("changed_by", changedBy),
		slog.String("reason", req.Reason),
	)
}

// parseControlRequest parses the optional JSON body of a pause or resume
// request.
func (s *Server) parseControlRequest(r *http.Request) (*ControlSyncRequest, *ProblemDetail) {
	if r.ContentLength == 0 {
		return &ControlSyncRequest{}, nil
	}

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		return nil, UnsupportedMediaType("Content-Type must be application/json")
	}

	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	var req ControlSyncRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&req); err != nil {
		return nil, BadRequest("Invalid JSON: " + err.Error())
	}

	return &req, nil
}
