// Package api provides the HTTP API server implementation for the opmsync service.
package api

import (
	"time"

	"github.com/opmsync-io/opmsync/internal/erp"
)

// Request and response types for the sync trigger and control endpoints.
// These are separate from the domain model (queue.SyncJob) to decouple the
// API contract from internal domain types.
type (
	// TriggerSyncRequest is the optional body for POST /api/v1/sync/items/{id}
	// and POST /api/v1/sync/products/{id}. An empty body requests a live,
	// high-priority sync with no override.
	TriggerSyncRequest struct {
		// Reason is a free-form justification recorded in the change log.
		Reason string `json:"reason,omitempty"`

		// Environment overrides the ERP environment for this job
		// ("production", "sandbox"); empty means the configured default.
		Environment string `json:"environment,omitempty"`

		// LiveSync false requests a dry execution: the job runs the full
		// pipeline but skips the network call. Defaults to true when the
		// body is omitted.
		LiveSync *bool `json:"live_sync,omitempty"` //nolint:tagliatelle

		// Override allows the job to dispatch while sync is globally disabled.
		Override bool `json:"override,omitempty"`

		// Priority is HIGH, NORMAL, or LOW. Defaults to HIGH for item
		// triggers and NORMAL for product triggers.
		Priority string `json:"priority,omitempty"`
	}

	// TriggerSyncResponse is the response for POST /api/v1/sync/items/{id}.
	TriggerSyncResponse struct {
		JobID         int64  `json:"job_id"`  //nolint:tagliatelle
		ItemID        int64  `json:"item_id"` //nolint:tagliatelle
		Status        string `json:"status"`
		Deduplicated  bool   `json:"deduplicated"`
		CorrelationID string `json:"correlation_id"` //nolint:tagliatelle
		Timestamp     string `json:"timestamp"`
	}

	// TriggerProductSyncResponse is the response for POST /api/v1/sync/products/{id}.
	// One job is enqueued per non-archived item of the product; items with a
	// live job already in the queue are reported as deduplicated.
	TriggerProductSyncResponse struct {
		ProductID     int64   `json:"product_id"` //nolint:tagliatelle
		ItemCount     int     `json:"item_count"` //nolint:tagliatelle
		Queued        int     `json:"queued"`
		Deduplicated  int     `json:"deduplicated"`
		JobIDs        []int64 `json:"job_ids"`        //nolint:tagliatelle
		CorrelationID string  `json:"correlation_id"` //nolint:tagliatelle
		Timestamp     string  `json:"timestamp"`
	}

	// ControlSyncRequest is the optional body for POST /api/v1/sync/pause and
	// POST /api/v1/sync/resume.
	ControlSyncRequest struct {
		Reason string `json:"reason,omitempty"`
	}

	// ControlSyncResponse is the response for the pause and resume endpoints.
	ControlSyncResponse struct {
		Status        string `json:"status"`       // "paused" or "resumed"
		SyncEnabled   bool   `json:"sync_enabled"` //nolint:tagliatelle
		ChangedBy     string `json:"changed_by"`   //nolint:tagliatelle
		CorrelationID string `json:"correlation_id"` //nolint:tagliatelle
		Timestamp     string `json:"timestamp"`
	}
)

// Response types for the sync status and job inspection endpoints.
type (
	// SyncStatusResponse is the response for GET /api/v1/sync/status.
	// Mirrors the supervisor's health snapshot: component states, queue
	// depth and throughput, trigger installation, and the config gate.
	SyncStatusResponse struct {
		Status        string                     `json:"status"` // healthy | degraded | unhealthy
		SyncEnabled   bool                       `json:"sync_enabled"` //nolint:tagliatelle
		Paused        bool                       `json:"paused"`
		Components    map[string]ComponentStatus `json:"components"`
		Queue         *QueueStatsResponse        `json:"queue,omitempty"`
		Breakdown     map[string]int             `json:"breakdown"`
		Triggers      TriggerStatusResponse      `json:"triggers"`
		RateInWindow  int                        `json:"rate_in_window"` //nolint:tagliatelle
		UptimeSeconds float64                    `json:"uptime_seconds"` //nolint:tagliatelle
		Problems      []string                   `json:"problems,omitempty"`
		CheckedAt     time.Time                  `json:"checked_at"` //nolint:tagliatelle
	}

	// ComponentStatus reports one supervised component (dispatcher, poller,
	// health monitor).
	ComponentStatus struct {
		State    string    `json:"state"`
		Restarts int       `json:"restarts"`
		LastTick time.Time `json:"last_tick"` //nolint:tagliatelle
	}

	// QueueStatsResponse reports queue depth and windowed throughput.
	QueueStatsResponse struct {
		WindowSeconds           float64 `json:"window_seconds"` //nolint:tagliatelle
		Pending                 int     `json:"pending"`
		Processing              int     `json:"processing"`
		Completed               int     `json:"completed"`
		Failed                  int     `json:"failed"`
		Retries                 int     `json:"retries"`
		OldestPendingAgeSeconds float64 `json:"oldest_pending_age_seconds"` //nolint:tagliatelle
	}

	// TriggerStatusResponse reports database trigger installation.
	TriggerStatusResponse struct {
		Installed    map[string]bool `json:"installed"`
		AllInstalled bool            `json:"all_installed"` //nolint:tagliatelle
		CheckedAt    time.Time       `json:"checked_at"`    //nolint:tagliatelle
	}

	// JobListResponse is the response for GET /api/v1/sync/jobs.
	JobListResponse struct {
		Jobs   []JobSummary `json:"jobs"`
		Total  int          `json:"total"`
		Limit  int          `json:"limit"`
		Status string       `json:"status,omitempty"`
	}

	// JobSummary represents a single sync job in the list view.
	JobSummary struct {
		ID          int64             `json:"id"`
		ItemID      int64             `json:"item_id"`    //nolint:tagliatelle
		ProductID   int64             `json:"product_id"` //nolint:tagliatelle
		EventType   string            `json:"event_type"` //nolint:tagliatelle
		Source      string            `json:"source"`
		Priority    string            `json:"priority"`
		Status      string            `json:"status"`
		RetryCount  int               `json:"retry_count"`  //nolint:tagliatelle
		MaxRetries  int               `json:"max_retries"`  //nolint:tagliatelle
		ScheduledAt time.Time         `json:"scheduled_at"` //nolint:tagliatelle
		CreatedAt   time.Time         `json:"created_at"`   //nolint:tagliatelle
		StartedAt   *time.Time        `json:"started_at,omitempty"`   //nolint:tagliatelle
		CompletedAt *time.Time        `json:"completed_at,omitempty"` //nolint:tagliatelle
		LastError   string            `json:"last_error,omitempty"`   //nolint:tagliatelle
		Result      *JobResultSummary `json:"result,omitempty"`
	}

	// JobResultSummary captures the outcome of a job's final attempt.
	JobResultSummary struct {
		Outcome       string `json:"outcome"`
		ERPInternalID string `json:"erp_internal_id,omitempty"` //nolint:tagliatelle
		Operation     string `json:"operation,omitempty"`
		SkipReason    string `json:"skip_reason,omitempty"` //nolint:tagliatelle
		Attempts      int    `json:"attempts,omitempty"`
		DurationMs    int64  `json:"duration_ms,omitempty"` //nolint:tagliatelle
	}

	// ItemSyncStatusResponse is the response for GET /api/v1/sync/items/{id}.
	// Combines the per-item sync state with its recent change-log entries.
	ItemSyncStatusResponse struct {
		ItemID            int64                `json:"item_id"` //nolint:tagliatelle
		Status            string               `json:"status"`
		LastSyncAt        time.Time            `json:"last_sync_at"`          //nolint:tagliatelle
		ERPItemID         string               `json:"erp_item_id,omitempty"` //nolint:tagliatelle
		LastError         string               `json:"last_error,omitempty"`  //nolint:tagliatelle
		ValidationSummary map[string]int       `json:"validation_summary,omitempty"`  //nolint:tagliatelle
		LastPricingUpdate *time.Time           `json:"last_pricing_update,omitempty"` //nolint:tagliatelle
		PricingError      string               `json:"pricing_error,omitempty"`       //nolint:tagliatelle
		UpdatedAt         time.Time            `json:"updated_at"` //nolint:tagliatelle
		RecentChanges     []ChangeEntrySummary `json:"recent_changes"` //nolint:tagliatelle
	}

	// ChangeEntrySummary represents one change-log entry in the item view.
	ChangeEntrySummary struct {
		ID            string    `json:"id"`
		Source        string    `json:"source"`
		Operation     string    `json:"operation"`
		ChangedFields []string  `json:"changed_fields,omitempty"` //nolint:tagliatelle
		TriggeredBy   string    `json:"triggered_by,omitempty"`   //nolint:tagliatelle
		Reason        string    `json:"reason,omitempty"`
		CreatedAt     time.Time `json:"created_at"` //nolint:tagliatelle
	}
)

// Response types for the dry-run, vendor mapping, and pricing webhook endpoints.
type (
	// DryRunResponse is the response for POST /api/v1/sync/items/{id}/dry-run.
	//
	// Payload is the exact upsert body that would have been sent to the ERP;
	// it is the external wire format rather than a domain type, so it is
	// returned verbatim.
	DryRunResponse struct {
		ID                string                 `json:"id"`
		ItemID            int64                  `json:"item_id"` //nolint:tagliatelle
		Outcome           string                 `json:"outcome"` // simulated | skipped | failed
		SkipReason        string                 `json:"skip_reason,omitempty"` //nolint:tagliatelle
		Payload           *erp.Payload           `json:"payload,omitempty"`
		ValidationSummary map[string]int         `json:"validation_summary,omitempty"` //nolint:tagliatelle
		Response          SimulatedUpsertSummary `json:"response"`
		CreatedAt         time.Time              `json:"created_at"` //nolint:tagliatelle
	}

	// SimulatedUpsertSummary mirrors the upsert response shape with a marker
	// that no request was made.
	SimulatedUpsertSummary struct {
		Success   bool   `json:"success"`
		Simulated bool   `json:"simulated"`
		Operation string `json:"operation,omitempty"`
		Message   string `json:"message,omitempty"`
	}

	// VendorMappingStatsResponse is the response for GET /api/v1/vendors/mappings/stats.
	VendorMappingStatsResponse struct {
		Total           int       `json:"total"`
		Mapped          int       `json:"mapped"`
		CoveragePercent float64   `json:"coverage_percent"` //nolint:tagliatelle
		CacheLoadedAt   time.Time `json:"cache_loaded_at"`  //nolint:tagliatelle
	}

	// PricingWebhookResponse is the response for POST /api/v1/webhooks/erp/pricing.
	PricingWebhookResponse struct {
		Status        string           `json:"status"` // "applied" or "skipped"
		ItemID        int64            `json:"item_id,omitempty"`    //nolint:tagliatelle
		ProductID     int64            `json:"product_id,omitempty"` //nolint:tagliatelle
		ItemCode      string           `json:"item_code"`            //nolint:tagliatelle
		SkipReason    string           `json:"skip_reason,omitempty"` //nolint:tagliatelle
		Before        *PricingSnapshot `json:"before,omitempty"`
		After         *PricingSnapshot `json:"after,omitempty"`
		Warnings      []string         `json:"warnings,omitempty"`
		AppliedAt     time.Time        `json:"applied_at"`     //nolint:tagliatelle
		CorrelationID string           `json:"correlation_id"` //nolint:tagliatelle
		Timestamp     string           `json:"timestamp"`
	}

	// PricingSnapshot is the pricing state of an item before or after a
	// webhook apply.
	PricingSnapshot struct {
		CutPrice  float64 `json:"cut_price"`  //nolint:tagliatelle
		RollPrice float64 `json:"roll_price"` //nolint:tagliatelle
		CutCost   float64 `json:"cut_cost"`   //nolint:tagliatelle
		RollCost  float64 `json:"roll_cost"`  //nolint:tagliatelle
	}
)

// Sync status values reported by SyncStatusResponse.Status.
const (
	// SyncStatusHealthy indicates all components are running and triggers
	// are installed.
	SyncStatusHealthy = "healthy"

	// SyncStatusDegraded indicates the engine works but something needs
	// attention (missing triggers, stale poller, elevated failures).
	SyncStatusDegraded = "degraded"

	// SyncStatusUnhealthy indicates the engine cannot make progress.
	SyncStatusUnhealthy = "unhealthy"
)
