// Package webhook applies inbound ERP pricing callbacks to the OPMS pricing
// tables.
//
// The ERP posts its full item representation; this package reads only the
// item identity, the protected flag, and the four pricing fields. Writes to
// the two pricing tables happen inside one transaction with before/after
// snapshots, and distinct webhooks are paced at one per second.
package webhook

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook error kinds. The API layer maps these onto problem responses.
var (
	// ErrWebhookInvalid indicates the webhook is structurally unusable:
	// missing identity fields or a pricing value outside the accepted range.
	// Nothing was written.
	ErrWebhookInvalid = errors.New("pricing webhook is invalid")

	// ErrItemUnknown indicates no non-archived OPMS item matches the webhook's
	// item code. Nothing was written.
	ErrItemUnknown = errors.New("no syncable OPMS item matches the webhook")

	// ErrApplyFailed indicates the pricing transaction failed and was rolled
	// back. The item's sync record is marked with the failure.
	ErrApplyFailed = errors.New("pricing apply failed")
)

// Accepted range for positive pricing values. Zero is always accepted
// (sync-zero policy: missing ERP values clear the OPMS value, they are never
// "unchanged").
const (
	MinPricingValue = 0.01
	MaxPricingValue = 999999.99
)

type (
	// Amount is a lenient pricing value: the ERP emits numbers, numeric
	// strings, empty strings, or omits the field entirely. Non-parseable and
	// missing values coerce to zero; decoding never fails.
	Amount struct {
		value  float64
		parsed bool
	}

	// Flag is the ERP's boolean custom-field shape: true/false, "T"/"F", or
	// "true"/"false". Missing and unparseable read as false.
	Flag struct {
		value bool
	}

	// InboundPricing is the slice of the ERP item representation this package
	// reads. Decoded directly from the webhook body; every other key in the
	// body is ignored.
	InboundPricing struct {
		ItemCode   string `json:"itemid"`
		InternalID string `json:"internalid"`

		Protected Flag `json:"custitem_price_protected"`

		CustomerCut  Amount `json:"custitem_customer_cut_price"`  //nolint:tagliatelle
		CustomerRoll Amount `json:"custitem_customer_roll_price"` //nolint:tagliatelle
		VendorCut    Amount `json:"custitem_vendor_cut_cost"`     //nolint:tagliatelle
		VendorRoll   Amount `json:"custitem_vendor_roll_cost"`    //nolint:tagliatelle
	}

	// PricingValues is the coerced, validated set of the four pricing fields.
	PricingValues struct {
		CustomerCut  float64
		CustomerRoll float64
		VendorCut    float64
		VendorRoll   float64
	}

	// Snapshot is the state of both pricing tables for one product at one
	// moment. Zero values mean the row was absent (or priced at zero).
	Snapshot struct {
		CutPrice  float64 `json:"cut_price"`  //nolint:tagliatelle
		RollPrice float64 `json:"roll_price"` //nolint:tagliatelle
		CutCost   float64 `json:"cut_cost"`   //nolint:tagliatelle
		RollCost  float64 `json:"roll_cost"`  //nolint:tagliatelle
	}

	// Target is the resolved OPMS destination of a webhook: the non-archived
	// item and its product keys.
	Target struct {
		ItemID      int64
		ProductID   int64
		ProductType string
	}

	// Result is the applier's outcome for one webhook.
	Result struct {
		ItemID    int64
		ProductID int64
		ItemCode  string

		// Skipped is true when the protected flag blocked the apply; no OPMS
		// state changed.
		Skipped    bool
		SkipReason string

		// Before and After are the transaction's snapshots, nil on skip.
		Before *Snapshot
		After  *Snapshot

		// Warnings carry non-fatal findings (customer price at or below cost).
		Warnings []string

		AppliedAt time.Time
	}
)

// Value returns the coerced amount.
func (a Amount) Value() float64 {
	return a.value
}

// Parsed reports whether the source carried a usable numeric.
func (a Amount) Parsed() bool {
	return a.parsed
}

// AmountOf builds a parsed amount (tests and fixtures).
func AmountOf(value float64) Amount {
	return Amount{value: value, parsed: true}
}

// UnmarshalJSON coerces numbers, numeric strings, and garbage alike; garbage
// and null coerce to zero rather than failing the webhook.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	if len(data) == 0 || string(data) == "null" {
		*a = Amount{}

		return nil
	}

	text := strings.TrimSpace(strings.Trim(string(data), `"`))
	if text == "" {
		*a = Amount{}

		return nil
	}

	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		*a = Amount{}

		return nil
	}

	*a = Amount{value: value, parsed: true}

	return nil
}

// True reports the flag state.
func (f Flag) True() bool {
	return f.value
}

// FlagOf builds a flag (tests and fixtures).
func FlagOf(value bool) Flag {
	return Flag{value: value}
}

// UnmarshalJSON accepts JSON booleans and the ERP's "T"/"F" string form.
func (f *Flag) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(strings.Trim(strings.TrimSpace(string(data)), `"`))

	switch strings.ToUpper(text) {
	case "T", "TRUE", "Y", "YES", "1":
		f.value = true
	default:
		f.value = false
	}

	return nil
}

// Values coerces the four pricing fields. Every field contributes a value;
// missing and non-parseable fields are zero by construction.
func (p *InboundPricing) Values() PricingValues {
	return PricingValues{
		CustomerCut:  p.CustomerCut.Value(),
		CustomerRoll: p.CustomerRoll.Value(),
		VendorCut:    p.VendorCut.Value(),
		VendorRoll:   p.VendorRoll.Value(),
	}
}

// Validate checks the pricing values: zero passes, positives must fall in the
// accepted range, negatives never do.
func (v PricingValues) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"customer cut price", v.CustomerCut},
		{"customer roll price", v.CustomerRoll},
		{"vendor cut cost", v.VendorCut},
		{"vendor roll cost", v.VendorRoll},
	}

	for _, f := range fields {
		if f.value == 0 {
			continue
		}

		if f.value < MinPricingValue || f.value > MaxPricingValue {
			return fmt.Errorf("%w: %s %.2f outside %.2f..%.2f",
				ErrWebhookInvalid, f.name, f.value, MinPricingValue, MaxPricingValue)
		}
	}

	return nil
}

// Warnings reports non-fatal pricing findings: a customer price at or below
// the matching cost when both are present.
func (v PricingValues) Warnings() []string {
	var warnings []string

	if v.CustomerCut > 0 && v.VendorCut > 0 && v.CustomerCut <= v.VendorCut {
		warnings = append(warnings,
			fmt.Sprintf("customer cut price %.2f is at or below cut cost %.2f", v.CustomerCut, v.VendorCut))
	}

	if v.CustomerRoll > 0 && v.VendorRoll > 0 && v.CustomerRoll <= v.VendorRoll {
		warnings = append(warnings,
			fmt.Sprintf("customer roll price %.2f is at or below roll cost %.2f", v.CustomerRoll, v.VendorRoll))
	}

	return warnings
}

// Snapshot renders the values as the post-apply table state.
func (v PricingValues) Snapshot() *Snapshot {
	return &Snapshot{
		CutPrice:  v.CustomerCut,
		RollPrice: v.CustomerRoll,
		CutCost:   v.VendorCut,
		RollCost:  v.VendorRoll,
	}
}
