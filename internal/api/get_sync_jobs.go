package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/opmsync-io/opmsync/internal/api/middleware"
	"github.com/opmsync-io/opmsync/internal/queue"
)

type (
	// jobListParams holds parsed query parameters for the job list.
	jobListParams struct {
		status queue.JobStatus
		limit  int
	}

	// paramError represents a parameter validation error.
	paramError struct {
		param string
		msg   string
	}
)

const (
	// Pagination defaults and limits.
	defaultLimit = 20
	maxLimit     = 100
	minLimit     = 1
)

func (e *paramError) Error() string {
	return "Invalid parameter '" + e.param + "': " + e.msg
}

// handleSyncJobs handles GET /api/v1/sync/jobs.
// Returns recent sync jobs in reverse creation order with optional status
// filtering.
//
// Query Parameters:
//   - status: PENDING | PROCESSING | COMPLETED | FAILED (default: all)
//   - limit: 1-100 (default: 20)
func (s *Server) handleSyncJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	params, err := parseJobListParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	jobs, err := s.jobs.RecentJobs(ctx, params.status, params.limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query sync jobs",
			"correlation_id", correlationID,
			"status", string(params.status),
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query sync jobs"))

		return
	}

	summaries := make([]JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, mapJobToSummary(job))
	}

	response := JobListResponse{
		Jobs:   summaries,
		Total:  len(summaries),
		Limit:  params.limit,
		Status: string(params.status),
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal job list response",
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

// parseJobListParams parses and validates query parameters.
func parseJobListParams(r *http.Request) (*jobListParams, error) {
	q := r.URL.Query()

	params := &jobListParams{
		limit: defaultLimit,
	}

	// Parse status filter (empty means all statuses)
	if statusStr := q.Get("status"); statusStr != "" {
		status := queue.JobStatus(strings.ToUpper(strings.TrimSpace(statusStr)))
		if !status.IsValid() {
			return nil, &paramError{param: "status", msg: "must be one of PENDING, PROCESSING, COMPLETED, FAILED"}
		}

		params.status = status
	}

	// Parse limit
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, &paramError{param: "limit", msg: "must be a valid integer"}
		}

		if limit < minLimit || limit > maxLimit {
			return nil, &paramError{param: "limit", msg: "must be between 1 and 100"}
		}

		params.limit = limit
	}

	return params, nil
}

// mapJobToSummary converts a domain SyncJob to the API list view.
func mapJobToSummary(job *queue.SyncJob) JobSummary {
	summary := JobSummary{
		ID:          job.ID,
		ItemID:      job.ItemID,
		ProductID:   job.ProductID,
		EventType:   string(job.EventType),
		Source:      string(job.EventData.Source),
		Priority:    string(job.Priority),
		Status:      string(job.Status),
		RetryCount:  job.RetryCount,
		MaxRetries:  job.MaxRetries,
		ScheduledAt: job.ScheduledAt,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		LastError:   job.LastError,
	}

	if job.Result != nil {
		summary.Result = &JobResultSummary{
			Outcome:       job.Result.Outcome,
			ERPInternalID: job.Result.ERPInternalID,
			Operation:     job.Result.Operation,
			SkipReason:    job.Result.SkipReason,
			Attempts:      job.Result.Attempts,
			DurationMs:    job.Result.DurationMs,
		}
	}

	return summary
}
