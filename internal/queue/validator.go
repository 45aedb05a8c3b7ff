package queue

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Sentinel errors for syncability validation.
var (
	// ErrItemCodeEmpty indicates the item has no code to validate.
	ErrItemCodeEmpty = errors.New("item code is empty")

	// ErrItemCodeFormat indicates the item code does not match the catalog format.
	ErrItemCodeFormat = errors.New("item code does not match required format NNNN-NNNN with optional letter suffix")

	// ErrDigitalItem indicates the item is digital and never syncs to the ERP.
	ErrDigitalItem = errors.New("digital items are not synchronized")
)

// itemCodePattern is a pre-compiled regex for validating catalog item codes.
// Compiled once at package initialization since every enqueue and every claim
// revalidates the code.
//
// The pattern validates that the code:
//   - Has a four digit product segment, a hyphen, and a four digit item segment
//   - Optionally ends with a single ASCII letter variant suffix
var itemCodePattern = regexp.MustCompile(`^[0-9]{4}-[0-9]{4}[A-Za-z]?$`)

// Validator decides whether an item is eligible for ERP synchronization.
//
// The same rules run at two points: the enqueue paths (poller, manual API) use
// them to avoid queueing dead work, and the dispatcher re-runs them at claim
// time because the item may have changed while the job waited.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateSyncable checks whether an item may be pushed to the ERP.
//
// Rules, in evaluation order:
//   - Digital items never sync. product_type "D" or a code containing "digital"
//     (case-insensitive) is rejected for every source, including manual triggers.
//   - The item code must match the catalog format NNNN-NNNN with an optional
//     letter suffix. Manual triggers bypass this check (and only this check):
//     a user pushing a known item by id has already decided it should go.
//
// Returns nil if syncable, a sentinel error describing the block otherwise.
func (v *Validator) ValidateSyncable(code, productType string, source EventSource) error {
	// The digital block is absolute. Check it before any bypass applies.
	if IsDigitalItem(productType, code) {
		return fmt.Errorf("%w: code '%s', product_type '%s'", ErrDigitalItem, code, productType)
	}

	if source.IsManual() {
		return nil
	}

	if strings.TrimSpace(code) == "" {
		return ErrItemCodeEmpty
	}

	if !IsValidItemCode(code) {
		return fmt.Errorf("%w: got '%s'", ErrItemCodeFormat, code)
	}

	return nil
}

// IsValidItemCode validates that a code matches the catalog item code format.
//
// This function uses a pre-compiled regex pattern for performance, avoiding
// regex compilation overhead on every validation call.
//
// Examples:
//
//	IsValidItemCode("1354-6543")  // true
//	IsValidItemCode("1354-6543B") // true
//	IsValidItemCode("1354-654")   // false (short item segment)
//	IsValidItemCode("1354-6543BB") // false (multi-letter suffix)
//	IsValidItemCode("ABCD-1234")  // false (non-numeric product segment)
func IsValidItemCode(code string) bool {
	return itemCodePattern.MatchString(code)
}

// IsDigitalItem reports whether an item is digital.
//
// An item is digital when its product type is "D" or its code contains the
// word "digital" in any casing. Digital items are never sent to the ERP;
// jobs for them resolve as recorded skips.
func IsDigitalItem(productType, code string) bool {
	if strings.EqualFold(strings.TrimSpace(productType), "D") {
		return true
	}

	return strings.Contains(strings.ToLower(code), "digital")
}
