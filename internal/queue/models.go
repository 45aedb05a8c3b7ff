// Package queue provides the durable sync-job domain model for the OPMS to ERP
// synchronization engine.
//
// A SyncJob is one unit of outbound work: push the current OPMS state of a single
// item to the ERP upsert endpoint. Jobs are created by the change detector (database
// triggers, the backup poller, or manual API triggers), claimed one at a time by the
// dispatcher, and driven to a terminal state with bounded retries.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// SyncJob represents a durable queue row - Domain Model.
	//
	// This is a pure domain model without JSON tags. The API layer uses its own
	// request/response types and maps to this domain type; the storage layer owns
	// the column mapping.
	SyncJob struct {
		// ID is the queue row identifier, assigned by the store on enqueue.
		ID int64

		// ItemID is the OPMS item this job synchronizes. At most one job per item
		// may be live (PENDING or PROCESSING) at any time.
		ItemID int64

		// ProductID is the parent product, recorded for provenance and per-product
		// manual triggers. May be zero when the enqueue path did not resolve it.
		ProductID int64

		// EventType is the catalog mutation kind that produced this job.
		EventType EventType

		// EventData carries the provenance of the job: which detection layer fired,
		// who asked for it, and the per-job flags (live_sync, override, environment).
		EventData EventData

		// Priority orders claims: HIGH before NORMAL before LOW.
		Priority Priority

		// Status is the lifecycle state. Transitions are validated by
		// ValidateStatusTransition; COMPLETED and FAILED are terminal.
		Status JobStatus

		// RetryCount is the number of failed attempts so far.
		RetryCount int

		// MaxRetries bounds RetryCount; the job fails permanently once exceeded.
		MaxRetries int

		// ScheduledAt is the earliest claim time. Retries push it into the future
		// using the exponential backoff schedule.
		ScheduledAt time.Time

		// CreatedAt is when the job was enqueued.
		CreatedAt time.Time

		// StartedAt is when the dispatcher claimed the job (nil until claimed).
		StartedAt *time.Time

		// CompletedAt is when the job reached a terminal state (nil until then).
		CompletedAt *time.Time

		// LastError is the most recent failure message, empty on success.
		LastError string

		// Result captures the outcome of the final attempt.
		Result *ProcessingResult
	}

	// EventType represents the catalog mutation kind behind a sync job.
	EventType string

	// JobStatus represents the queue lifecycle state of a job.
	JobStatus string

	// Priority orders pending jobs for the dispatcher.
	Priority string

	// EventSource identifies the detection layer that enqueued a job.
	EventSource string

	// EventData is the tagged provenance record attached to every job.
	//
	// Source discriminates the variant; the remaining fields are meaningful per
	// variant (manual sources require TriggeredBy, trigger sources carry the
	// originating table and operation). The JSON keys are shared with the SQL
	// trigger bodies that enqueue rows directly, so they must stay stable.
	EventData struct {
		Source EventSource `json:"source"`

		// TriggeredBy is the user identity behind a manual trigger.
		TriggeredBy string `json:"triggered_by,omitempty"`

		// Reason is the free-form manual trigger justification.
		Reason string `json:"reason,omitempty"`

		// Environment overrides the ERP environment for this job ("production",
		// "sandbox"); empty means the configured default.
		Environment string `json:"environment,omitempty"`

		// LiveSync false requests a dry execution: extract and build, then skip
		// the network call and record SKIPPED. Trigger and polling jobs are
		// always live.
		LiveSync bool `json:"live_sync"`

		// Override allows a manual job to dispatch while sync is globally
		// disabled. Never set by trigger or polling sources.
		Override bool `json:"override,omitempty"`

		// ChangedFields lists the columns the originating mutation touched,
		// when the trigger captured them.
		ChangedFields []string `json:"changed_fields,omitempty"`

		// TriggerTable and TriggerOp record the firing table and operation for
		// TRIGGER-sourced jobs.
		TriggerTable string `json:"trigger_table,omitempty"`
		TriggerOp    string `json:"trigger_op,omitempty"`
	}

	// ProcessingResult captures the outcome of a job's final attempt.
	// Persisted as JSONB in the processing_results column.
	ProcessingResult struct {
		Outcome       string `json:"outcome"` // synced | skipped | failed
		ERPInternalID string `json:"erp_internal_id,omitempty"`
		Operation     string `json:"operation,omitempty"` // create | update, as reported by the ERP
		SkipReason    string `json:"skip_reason,omitempty"`
		Attempts      int    `json:"attempts,omitempty"`
		DurationMs    int64  `json:"duration_ms,omitempty"`
	}
)

const (
	// EventTypeCreate indicates the item was inserted in OPMS.
	EventTypeCreate EventType = "CREATE"

	// EventTypeUpdate indicates the item or its product was modified.
	EventTypeUpdate EventType = "UPDATE"

	// EventTypeDelete indicates the item was removed or archived.
	EventTypeDelete EventType = "DELETE"
)

const (
	// JobStatusPending means the job is waiting to be claimed. Retried jobs
	// return to PENDING with a future ScheduledAt.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusProcessing means the dispatcher owns the job exclusively.
	JobStatusProcessing JobStatus = "PROCESSING"

	// JobStatusCompleted is terminal: the upsert succeeded or the job resolved
	// to a recorded skip.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusFailed is terminal: retries were exhausted or dispatch was
	// rejected (for example, sync disabled without an override).
	JobStatusFailed JobStatus = "FAILED"
)

const (
	// PriorityHigh is used by manual per-item triggers.
	PriorityHigh Priority = "HIGH"

	// PriorityNormal is used by triggers and the backup poller.
	PriorityNormal Priority = "NORMAL"

	// PriorityLow is available to bulk manual triggers.
	PriorityLow Priority = "LOW"
)

const (
	// SourceTrigger marks jobs enqueued by the database triggers.
	SourceTrigger EventSource = "TRIGGER"

	// SourcePolling marks jobs enqueued by the backup poller.
	SourcePolling EventSource = "POLLING"

	// SourceManualItem marks per-item manual API triggers.
	SourceManualItem EventSource = "MANUAL_ITEM"

	// SourceManualProduct marks per-product manual API triggers.
	SourceManualProduct EventSource = "MANUAL_PRODUCT"

	// SourceWebhookCascade is reserved for sibling-item cascade from inbound
	// webhooks. No enqueue path produces it; the dispatcher treats it like
	// TRIGGER if it ever appears.
	SourceWebhookCascade EventSource = "WEBHOOK_CASCADE"
)

// DefaultMaxRetries is the retry budget applied when a job does not set its own.
const DefaultMaxRetries = 3

// Job outcome values recorded in ProcessingResult.Outcome.
const (
	OutcomeSynced  = "synced"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Job validation errors (static sentinel errors for errors.Is() checks).
var (
	// ErrItemIDInvalid indicates item_id is required and positive.
	ErrItemIDInvalid = errors.New("item_id must be positive")

	// ErrEventTypeInvalid indicates event_type is not CREATE, UPDATE, or DELETE.
	ErrEventTypeInvalid = errors.New("event_type must be one of: CREATE, UPDATE, DELETE")

	// ErrPriorityInvalid indicates priority is not HIGH, NORMAL, or LOW.
	ErrPriorityInvalid = errors.New("priority must be one of: HIGH, NORMAL, LOW")

	// ErrEventSourceInvalid indicates the event data source is unknown.
	ErrEventSourceInvalid = errors.New("event source must be one of: TRIGGER, POLLING, MANUAL_ITEM, MANUAL_PRODUCT, WEBHOOK_CASCADE")

	// ErrTriggeredByEmpty indicates a manual job is missing the user identity.
	ErrTriggeredByEmpty = errors.New("triggered_by is required for manual triggers")

	// ErrOverrideNotManual indicates a non-manual job carries the manual-only override flag.
	ErrOverrideNotManual = errors.New("override is only valid on manual triggers")

	// ErrMaxRetriesNegative indicates max_retries cannot be negative.
	ErrMaxRetriesNegative = errors.New("max_retries cannot be negative")
)

// ValidEventSources returns all valid event data sources.
func ValidEventSources() []EventSource {
	return []EventSource{
		SourceTrigger,
		SourcePolling,
		SourceManualItem,
		SourceManualProduct,
		SourceWebhookCascade,
	}
}

// IsValid checks if the EventType is a known mutation kind.
func (et EventType) IsValid() bool {
	switch et {
	case EventTypeCreate, EventTypeUpdate, EventTypeDelete:
		return true
	default:
		return false
	}
}

// String returns the string representation of JobStatus.
func (js JobStatus) String() string {
	return string(js)
}

// IsValid checks if the JobStatus is a valid lifecycle state.
func (js JobStatus) IsValid() bool {
	switch js {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status is terminal.
// Terminal jobs (COMPLETED, FAILED) never transition again; housekeeping prunes
// them outside the engine.
func (js JobStatus) IsTerminal() bool {
	return js == JobStatusCompleted || js == JobStatusFailed
}

// IsValid checks if the Priority is a known level.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank converts the priority into a claim ordering key: lower claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// IsValid checks if the EventSource is a known detection layer.
func (es EventSource) IsValid() bool {
	for _, valid := range ValidEventSources() {
		if es == valid {
			return true
		}
	}

	return false
}

// IsManual returns true for the two manual trigger variants.
// Manual jobs may bypass the item-code format check and the config gate
// (with Override), but never the digital-item block.
func (es EventSource) IsManual() bool {
	return es == SourceManualItem || es == SourceManualProduct
}

// Validate checks the per-variant requirements of the event data.
func (ed *EventData) Validate() error {
	if !ed.Source.IsValid() {
		return fmt.Errorf("%w: got '%s'", ErrEventSourceInvalid, ed.Source)
	}

	if ed.Source.IsManual() && strings.TrimSpace(ed.TriggeredBy) == "" {
		return ErrTriggeredByEmpty
	}

	if ed.Override && !ed.Source.IsManual() {
		return ErrOverrideNotManual
	}

	return nil
}

// Validate performs domain validation on the SyncJob.
// Storage-level concerns (live-job uniqueness, FK checks) are handled by the store.
func (j *SyncJob) Validate() error {
	if j.ItemID <= 0 {
		return fmt.Errorf("%w: got %d", ErrItemIDInvalid, j.ItemID)
	}

	if !j.EventType.IsValid() {
		return fmt.Errorf("%w: got '%s'", ErrEventTypeInvalid, j.EventType)
	}

	if !j.Priority.IsValid() {
		return fmt.Errorf("%w: got '%s'", ErrPriorityInvalid, j.Priority)
	}

	if j.MaxRetries < 0 {
		return fmt.Errorf("%w: got %d", ErrMaxRetriesNegative, j.MaxRetries)
	}

	return j.EventData.Validate()
}

// RetriesExhausted returns true when another failure must mark the job FAILED
// instead of scheduling a retry.
func (j *SyncJob) RetriesExhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

// ============================================================================
// Item Sync Status Domain Models
// ============================================================================

type (
	// ItemSync is the per-item latest sync state - Domain Model.
	//
	// The dispatcher owns sync_status/last_sync_at/erp_item_id/last_error for the
	// outbound leg; the webhook applier updates its own disjoint pricing fields
	// through the same row.
	ItemSync struct {
		ItemID int64

		// Status is the latest outbound outcome for this item.
		Status ItemStatus

		// LastSyncAt is when the latest attempt resolved.
		LastSyncAt time.Time

		// ERPItemID is the ERP-assigned internal id returned by the upsert
		// endpoint; empty until the first successful sync.
		ERPItemID string

		// LastError is the most recent failure message, empty otherwise.
		LastError string

		// ValidationSummary is the per-extraction field classification counts
		// (has_data, src_empty, query_failed).
		ValidationSummary map[string]int

		// LastPricingUpdate and PricingError are the inbound leg's fields,
		// written by the webhook applier and never by the dispatcher.
		LastPricingUpdate *time.Time
		PricingError      string

		UpdatedAt time.Time
	}

	// ItemStatus represents per-item sync outcomes.
	ItemStatus string
)

const (
	// ItemStatusSuccess indicates the last upsert was accepted by the ERP.
	ItemStatusSuccess ItemStatus = "SUCCESS"

	// ItemStatusSkipped indicates the item resolved without a network call
	// (digital item, not syncable, or a no-live manual run).
	ItemStatusSkipped ItemStatus = "SKIPPED"

	// ItemStatusInProgress indicates a dispatcher attempt is underway.
	ItemStatusInProgress ItemStatus = "IN_PROGRESS"

	// ItemStatusFailed indicates the last job exhausted its retries.
	ItemStatusFailed ItemStatus = "FAILED"
)

// IsValid checks if the ItemStatus is a valid enum value.
func (is ItemStatus) IsValid() bool {
	switch is {
	case ItemStatusSuccess, ItemStatusSkipped, ItemStatusInProgress, ItemStatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string representation of ItemStatus.
func (is ItemStatus) String() string {
	return string(is)
}

// ============================================================================
// Change Log Domain Models
// ============================================================================

// ChangeEntry is one append-only audit row recording a detected change and its
// provenance. Entries are never updated; housekeeping prunes them externally.
type ChangeEntry struct {
	ID            string // UUID, assigned by the store when empty
	ItemID        int64
	ProductID     int64
	Source        EventSource
	Operation     EventType
	ChangedFields []string
	TriggeredBy   string
	Reason        string
	CreatedAt     time.Time
}

// Validate checks the change entry's provenance fields.
func (ce *ChangeEntry) Validate() error {
	if ce.ItemID <= 0 && ce.ProductID <= 0 {
		return fmt.Errorf("%w: change entry needs an item or product", ErrItemIDInvalid)
	}

	if !ce.Source.IsValid() {
		return fmt.Errorf("%w: got '%s'", ErrEventSourceInvalid, ce.Source)
	}

	if !ce.Operation.IsValid() {
		return fmt.Errorf("%w: got '%s'", ErrEventTypeInvalid, ce.Operation)
	}

	return nil
}
