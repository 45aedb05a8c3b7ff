package erp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opmsync-io/opmsync/internal/catalog"
)

// Sentinel errors for payload construction.
var (
	// ErrTransformationFailed indicates the builder was handed an extraction
	// missing a required field. Permanent: retrying the same extraction
	// cannot fix it.
	ErrTransformationFailed = errors.New("payload transformation failed")
)

// Field length limits enforced by the ERP.
const (
	maxItemIDLen = 40
	maxUPCLen    = 20
)

// Fixed ERP constants carried on every payload. The endpoint expects these
// with exact types: booleans for the bin/receipt/numbering flags, integers
// for units type, number format, and initial sequence.
const (
	defaultUnitsType       = 2
	defaultNumberFormat    = 1
	defaultInitialSequence = 1
)

// DefaultTaxScheduleID is used when no tax schedule is configured.
const DefaultTaxScheduleID = "1"

// Compliance values the ERP accepts for the tri-state custom fields.
const (
	ComplianceYes = "Yes"
	ComplianceNo  = "No"
)

type (
	// Payload is the typed ERP upsert body. Field order follows the endpoint
	// contract; pointer fields are omitted when nil, string fields always
	// carry a value (the sentinel " - " when the source was empty).
	Payload struct {
		ItemID              string `json:"itemId"`
		UPCCode             string `json:"upcCode"`
		TaxScheduleID       string `json:"taxScheduleId"`
		DisplayName         string `json:"displayName"`
		Description         string `json:"description"`
		PurchaseDescription string `json:"purchaseDescription"`
		SalesDescription    string `json:"salesDescription"`

		// Vendor is the ERP vendor internal id, omitted when the vendor
		// mapper has no trustworthy mapping.
		Vendor *int64 `json:"vendor,omitempty"`

		// Provenance keys back to OPMS.
		OpmsProductID     int64  `json:"custitem_opms_prod_id"`
		OpmsItemID        int64  `json:"custitem_opms_item_id"`
		ParentProductName string `json:"custitem_opms_parent_product_name"`

		FabricWidth      *float64 `json:"fabricWidth,omitempty"`
		VerticalRepeat   *float64 `json:"custitem_vertical_repeat,omitempty"`
		HorizontalRepeat *float64 `json:"custitem_horizontal_repeat,omitempty"`
		IsRepeat         bool     `json:"custitem_is_repeat"`

		ItemColors      string `json:"custitem_opms_item_colors"`
		Finish          string `json:"finish"`
		Cleaning        string `json:"cleaning"`
		Origin          string `json:"origin"`
		ItemApplication string `json:"custitem_item_application"`

		Prop65Compliance string `json:"custitem_prop65_compliance"`
		AB2998Compliance string `json:"custitem_ab2998_compliance"`
		TariffCode       string `json:"custitem_tariff_harmonized_code"`

		FrontContent string `json:"custitem_opms_front_content"`
		BackContent  string `json:"custitem_opms_back_content"`
		Abrasion     string `json:"custitem_opms_abrasion"`
		Firecodes    string `json:"custitem_opms_firecodes"`

		ValidationSummary string `json:"custitem_opms_field_validation_summary"`

		// Fixed constants, present on every payload.
		UseBins            bool `json:"usebins"`
		MatchBillToReceipt bool `json:"matchbilltoreceipt"`
		AutoNumbered       bool `json:"custitem_aln_1_auto_numbered"`
		UnitsType          int  `json:"unitstype"`
		NumberFormat       int  `json:"custitem_aln_2_number_format"`
		InitialSequence    int  `json:"custitem_aln_3_initial_sequence"`
	}

	// Builder assembles upsert payloads from extractions. Stateless apart
	// from configuration; safe for concurrent use.
	Builder struct {
		taxScheduleID string
	}
)

// NewBuilder creates a payload builder. An empty taxScheduleID falls back to
// DefaultTaxScheduleID.
func NewBuilder(taxScheduleID string) *Builder {
	if strings.TrimSpace(taxScheduleID) == "" {
		taxScheduleID = DefaultTaxScheduleID
	}

	return &Builder{taxScheduleID: taxScheduleID}
}

// Build assembles the upsert payload for one extraction.
//
// erpVendorID is the resolved ERP vendor internal id, zero when unmapped
// (the vendor field is then omitted, never sent as null).
//
// The build is deterministic: the same extraction produces the same payload
// bytes. Every source field passes through the field validator exactly once,
// and the accumulated summary is both attached to the payload and returned
// for the item sync record.
func (b *Builder) Build(item *catalog.ExtractedItem, erpVendorID int64) (*Payload, ValidationSummary, error) {
	if item == nil {
		return nil, ValidationSummary{}, fmt.Errorf("%w: extracted item is nil", ErrTransformationFailed)
	}

	code := strings.TrimSpace(item.ItemCode)
	if code == "" {
		return nil, ValidationSummary{}, fmt.Errorf("%w: item %d has no code", ErrTransformationFailed, item.ItemID)
	}

	if item.ItemID <= 0 || item.ProductID <= 0 {
		return nil, ValidationSummary{},
			fmt.Errorf("%w: item %d is missing provenance ids", ErrTransformationFailed, item.ItemID)
	}

	v := NewFieldValidator()

	productName := v.Text(item.ProductName)
	firstColor := strings.TrimSpace(item.FirstColor())

	if firstColor == "" {
		firstColor = catalog.EmptySentinel
	}

	upc := strings.TrimSpace(item.UPCCode)
	v.Observe(upc != "")

	if upc == "" {
		// No UPC in OPMS: fall back to a 10-digit numeric derived from the
		// item id so the ERP field is never blank.
		upc = fmt.Sprintf("%010d", item.ItemID)
	}

	v.Observe(erpVendorID > 0)
	v.Observe(strings.TrimSpace(item.Prop65) != "")
	v.Observe(strings.TrimSpace(item.AB2998) != "")

	abrasion := catalog.CleanAbrasionText(item.Abrasion.Value)

	payload := &Payload{
		ItemID:              truncate(code, maxItemIDLen),
		UPCCode:             truncate(upc, maxUPCLen),
		TaxScheduleID:       b.taxScheduleID,
		DisplayName:         productName + ": " + firstColor,
		Description:         item.SalesDescription,
		PurchaseDescription: item.PurchaseDescription,
		SalesDescription:    item.SalesDescription,

		OpmsProductID:     item.ProductID,
		OpmsItemID:        item.ItemID,
		ParentProductName: productName,

		FabricWidth:      v.Numeric(item.Width),
		VerticalRepeat:   v.Numeric(item.VerticalRepeat),
		HorizontalRepeat: v.Numeric(item.HorizontalRepeat),
		IsRepeat:         item.HasRepeat(),

		ItemColors:      v.Text(item.Colors),
		Finish:          v.Text(item.Finish),
		Cleaning:        v.Text(item.Cleaning),
		Origin:          v.Text(item.Origin),
		ItemApplication: v.Text(item.Use),

		Prop65Compliance: MapCompliance(item.Prop65),
		AB2998Compliance: MapCompliance(item.AB2998),
		TariffCode:       v.Text(item.TariffCode),

		FrontContent: v.Aux(item.ContentFront),
		BackContent:  v.Aux(item.ContentBack),
		Abrasion:     v.Aux(catalog.AuxResult{Value: abrasion, Err: item.Abrasion.Err}),
		Firecodes:    v.Aux(item.Firecodes),

		UseBins:            true,
		MatchBillToReceipt: true,
		AutoNumbered:       true,
		UnitsType:          defaultUnitsType,
		NumberFormat:       defaultNumberFormat,
		InitialSequence:    defaultInitialSequence,
	}

	if erpVendorID > 0 {
		payload.Vendor = &erpVendorID
	}

	summary := v.Summary()
	payload.ValidationSummary = summary.Serialize()

	return payload, summary, nil
}

// MapCompliance maps the OPMS compliance tri-state to the ERP's values.
//
// OPMS {Y, N, D, null} → ERP {"Yes", "No", " - ", " - "}: D ("don't know")
// and absent both render as the dash.
func MapCompliance(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "Y":
		return ComplianceYes
	case "N":
		return ComplianceNo
	default:
		return catalog.EmptySentinel
	}
}

// truncate clips a string to the ERP's field limit.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max]
}
