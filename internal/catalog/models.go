// Package catalog extracts syncable item data from the OPMS database.
//
// Extraction is one master join (item, product, vendor, colors, finish,
// cleaning, origin, use, product-various) plus independent auxiliary
// aggregations for content, abrasion, and firecodes. The master join either
// yields a fully-populated row or nothing; when it yields nothing a diagnostic
// follow-up explains why, so skips carry a reason instead of a shrug.
package catalog

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors for extraction. The dispatch engine classifies on these:
// not-syncable resolves the job as a recorded skip, extraction failure is
// transient and retried.
var (
	// ErrItemNotSyncable indicates the item is excluded from ERP sync for a
	// known reason (archived, missing code, no colors, digital).
	ErrItemNotSyncable = errors.New("item is not syncable")

	// ErrExtractionFailed indicates the extraction could not complete
	// (database failure, or an empty master join the diagnostics cannot
	// explain). Transient.
	ErrExtractionFailed = errors.New("item extraction failed")
)

// Skip reasons attached to ErrItemNotSyncable. These strings end up in job
// results and the item sync record, so they stay stable.
const (
	ReasonItemMissing     = "Item no longer exists"
	ReasonMissingCode     = "Item code is missing"
	ReasonItemArchived    = "Item is archived"
	ReasonProductArchived = "Product is archived"
	ReasonNoColors        = "No colors assigned"
	ReasonDigitalItem     = "Digital items are not synchronized"
)

type (
	// ItemIdentity is the light resolution of an item: enough to run the
	// digital guard and the enqueue filters without paying for a full
	// extraction.
	ItemIdentity struct {
		ItemID          int64
		ProductID       int64
		Code            string
		ProductType     string
		Archived        bool
		ProductArchived bool
		DateModified    time.Time
	}

	// AuxResult is the outcome of one auxiliary aggregation query.
	//
	// The three outcomes map onto the field validator's classification:
	// Err != nil → query_failed, empty Value → src_empty, otherwise has_data.
	AuxResult struct {
		Value string
		Err   error
	}

	// ExtractedItem is the fully-populated extraction result for one item.
	//
	// Master join fields are concrete values; numerics that may be absent in
	// OPMS are pointers. Auxiliary aggregations carry their own per-query
	// outcome so one failed aggregation degrades a field instead of the
	// whole extraction.
	ExtractedItem struct {
		// Identity.
		ItemID      int64
		ItemCode    string
		ProductID   int64
		ProductType string

		// Product master data.
		ProductName      string
		Width            *float64
		VerticalRepeat   *float64
		HorizontalRepeat *float64

		// Vendor as known to OPMS. Zero VendorID means no active,
		// non-archived vendor is attached; the ERP id is resolved separately
		// by the vendor mapper.
		VendorID   int64
		VendorName string

		// UPCCode is empty when OPMS has none; the payload builder derives a
		// fallback.
		UPCCode string

		// Comma-separated relation aggregations from the master join.
		// Colors is never empty: extraction fails with ReasonNoColors instead.
		Colors   string
		Finish   string
		Cleaning string
		Origin   string
		Use      string

		// Compliance tri-state raw values: "Y", "N", "D", or "" (absent).
		Prop65 string
		AB2998 string

		TariffCode string

		// Auxiliary aggregations, each independently fallible.
		ContentFront AuxResult
		ContentBack  AuxResult
		Abrasion     AuxResult
		Firecodes    AuxResult

		// Derived multi-line descriptions, composed at extraction time from
		// the fields above.
		PurchaseDescription string
		SalesDescription    string

		ExtractedAt time.Time
	}

	// diagnosis captures why a master join came back empty.
	diagnosis struct {
		codeMissing     bool
		itemArchived    bool
		productArchived bool
		hasColors       bool
	}
)

// SkipReason extracts the human-readable reason from an ErrItemNotSyncable
// error, for job results and the item sync record. Returns the full message
// for any other error.
func SkipReason(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	prefix := ErrItemNotSyncable.Error() + ": "

	if strings.HasPrefix(msg, prefix) {
		return strings.TrimPrefix(msg, prefix)
	}

	return msg
}

// FirstColor returns the first color name from the aggregated list, used for
// the ERP display name ("<product>: <color>").
func (e *ExtractedItem) FirstColor() string {
	first, _, _ := strings.Cut(e.Colors, ",")

	return strings.TrimSpace(first)
}

// HasRepeat reports whether either repeat dimension is present.
func (e *ExtractedItem) HasRepeat() bool {
	return e.VerticalRepeat != nil || e.HorizontalRepeat != nil
}
