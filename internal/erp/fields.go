// Package erp builds, signs, and delivers upsert payloads for the ERP's
// custom inventory-item endpoint.
//
// The pipeline is validator → builder → client: the field validator
// classifies every logical field and projects empties to the " - " sentinel,
// the builder assembles the typed payload with the fixed ERP constants, and
// the client signs and posts it to the environment-routed endpoint.
package erp

import (
	"encoding/json"
	"strings"

	"github.com/opmsync-io/opmsync/internal/catalog"
)

// FieldState classifies one logical field of an extraction.
type FieldState string

const (
	// FieldHasData means the source held a meaningful value.
	FieldHasData FieldState = "has_data"

	// FieldSrcEmpty means the source was null, empty, or whitespace-only.
	FieldSrcEmpty FieldState = "src_empty"

	// FieldQueryFailed means the query backing the field failed; the value is
	// unknown rather than absent.
	FieldQueryFailed FieldState = "query_failed"
)

// ValidationSummary counts field classifications for one extraction. It is
// attached to the payload (serialized) and to the item sync record, so a
// payload full of dashes is distinguishable from a healthy one after the fact.
type ValidationSummary struct {
	HasData     int `json:"has_data"`
	SrcEmpty    int `json:"src_empty"`
	QueryFailed int `json:"query_failed"`
}

// Counts returns the summary as a map for the item sync record.
func (s ValidationSummary) Counts() map[string]int {
	return map[string]int{
		"has_data":     s.HasData,
		"src_empty":    s.SrcEmpty,
		"query_failed": s.QueryFailed,
	}
}

// Serialize renders the summary for the payload's audit field.
func (s ValidationSummary) Serialize() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}

	return string(data)
}

// FieldValidator classifies fields and projects them to ERP-safe values.
//
// Classification rules:
//   - failed backing query → query_failed, projected to the sentinel
//   - null / empty / whitespace-only → src_empty, projected to the sentinel
//   - anything else → has_data, projected as-is
//
// One validator instance accumulates the summary for one extraction; it is
// not safe for concurrent use and not meant to be reused across items.
type FieldValidator struct {
	summary ValidationSummary
}

// NewFieldValidator creates a validator with an empty summary.
func NewFieldValidator() *FieldValidator {
	return &FieldValidator{}
}

// Text classifies a string field and projects it: empties become the sentinel.
func (v *FieldValidator) Text(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		v.summary.SrcEmpty++

		return catalog.EmptySentinel
	}

	v.summary.HasData++

	return trimmed
}

// Aux classifies an auxiliary aggregation result. A failed query counts as
// query_failed and still projects the sentinel, so the payload never leaks an
// internal failure as a blank.
func (v *FieldValidator) Aux(aux catalog.AuxResult) string {
	if aux.Err != nil {
		v.summary.QueryFailed++

		return catalog.EmptySentinel
	}

	return v.Text(aux.Value)
}

// Numeric classifies an optional numeric field and passes it through.
// Numerics are omitted from the payload when absent instead of carrying the
// sentinel; the classification still counts them.
func (v *FieldValidator) Numeric(value *float64) *float64 {
	if value == nil {
		v.summary.SrcEmpty++

		return nil
	}

	v.summary.HasData++

	return value
}

// Observe counts a field whose projection the builder handles itself
// (compliance tri-states, vendor omission).
func (v *FieldValidator) Observe(hasData bool) {
	if hasData {
		v.summary.HasData++

		return
	}

	v.summary.SrcEmpty++
}

// Summary returns the accumulated classification counts.
func (v *FieldValidator) Summary() ValidationSummary {
	return v.summary
}
