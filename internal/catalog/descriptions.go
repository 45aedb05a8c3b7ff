package catalog

import (
	"regexp"
	"strconv"
	"strings"
)

// EmptySentinel is the value projected into ERP-facing fields whose source is
// empty, so downstream UIs render a visible dash instead of a blank.
const EmptySentinel = " - "

// abrasionPlaceholderPattern matches the placeholder tokens data entry leaves
// in abrasion text. Matched case-insensitively and stripped before the
// abrasion line is composed; when nothing meaningful survives, the line is
// omitted entirely.
var abrasionPlaceholderPattern = regexp.MustCompile(`(?i)\(unknown\)|unknown|don't know|n/a`)

// BuildPurchaseDescription composes the multi-line purchase description.
//
// Line order: Pattern, Color, Width, Repeat, Content, Back Content, Abrasion,
// Fire Rating. Pattern and Color always appear (sentinel when empty); every
// other line is omitted when its source is empty.
func BuildPurchaseDescription(e *ExtractedItem) string {
	lines := make([]string, 0, 8)

	lines = append(lines,
		"Pattern: "+orSentinel(e.ProductName),
		"Color: "+orSentinel(e.Colors),
	)

	lines = appendCommonLines(lines, e)

	return strings.Join(lines, "\n")
}

// BuildSalesDescription composes the multi-line sales description.
//
// Line order: #<item code>, Pattern, Color, Width, Repeat, Content,
// Back Content, Abrasion, Fire Rating, Country of Origin. The country line
// always appears, with the sentinel when no origin is assigned.
func BuildSalesDescription(e *ExtractedItem) string {
	lines := make([]string, 0, 10)

	lines = append(lines,
		"#"+e.ItemCode,
		"Pattern: "+orSentinel(e.ProductName),
		"Color: "+orSentinel(e.Colors),
	)

	lines = appendCommonLines(lines, e)

	lines = append(lines, "Country of Origin: "+orSentinel(e.Origin))

	return strings.Join(lines, "\n")
}

// appendCommonLines adds the measurement and composition lines shared by both
// descriptions.
func appendCommonLines(lines []string, e *ExtractedItem) []string {
	if e.Width != nil {
		lines = append(lines, "Width: "+FormatMeasure(*e.Width))
	}

	if repeat := formatRepeat(e); repeat != "" {
		lines = append(lines, "Repeat: "+repeat)
	}

	if v := strings.TrimSpace(e.ContentFront.Value); v != "" {
		lines = append(lines, "Content: "+v)
	}

	if v := strings.TrimSpace(e.ContentBack.Value); v != "" {
		lines = append(lines, "Back Content: "+v)
	}

	if v := CleanAbrasionText(e.Abrasion.Value); v != "" {
		lines = append(lines, "Abrasion: "+v)
	}

	if v := strings.TrimSpace(e.Firecodes.Value); v != "" {
		lines = append(lines, "Fire Rating: "+v)
	}

	return lines
}

// CleanAbrasionText strips placeholder tokens from abrasion text and tidies
// the leftover separators.
//
// Examples:
//
//	CleanAbrasionText("51,000 Double Rubs (Unknown)") // "51,000 Double Rubs"
//	CleanAbrasionText("Unknown")                      // ""
//	CleanAbrasionText("n/a, Wyzenbeek 30,000")        // "Wyzenbeek 30,000"
func CleanAbrasionText(text string) string {
	if text == "" {
		return ""
	}

	stripped := abrasionPlaceholderPattern.ReplaceAllString(text, "")

	// Drop list entries the stripping emptied out and re-join the rest.
	parts := strings.Split(stripped, ",")
	kept := make([]string, 0, len(parts))

	for i, part := range parts {
		part = strings.Join(strings.Fields(part), " ")
		if part == "" {
			continue
		}

		// Re-attach numeric thousands groups ("51" + "000 Double Rubs") that
		// the comma split separated.
		if len(kept) > 0 && i > 0 && isThousandsGroup(part) {
			kept[len(kept)-1] = kept[len(kept)-1] + "," + part

			continue
		}

		kept = append(kept, part)
	}

	return strings.Join(kept, ", ")
}

// isThousandsGroup reports whether a comma-split fragment starts with exactly
// three digits, meaning the comma was a thousands separator, not a list
// separator.
func isThousandsGroup(part string) bool {
	if len(part) < 3 {
		return false
	}

	for i := 0; i < 3; i++ {
		if part[i] < '0' || part[i] > '9' {
			return false
		}
	}

	return len(part) == 3 || part[3] == ' ' || part[3] < '0' || part[3] > '9'
}

// FormatMeasure renders a catalog measurement in inches, trimming
// insignificant zeros: 54 → 54", 12.50 → 12.5".
func FormatMeasure(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64) + `"`
}

// formatRepeat renders the combined repeat line from whichever dimensions are
// present. Empty when neither is.
func formatRepeat(e *ExtractedItem) string {
	parts := make([]string, 0, 2)

	if e.HorizontalRepeat != nil {
		parts = append(parts, "H: "+FormatMeasure(*e.HorizontalRepeat))
	}

	if e.VerticalRepeat != nil {
		parts = append(parts, "V: "+FormatMeasure(*e.VerticalRepeat))
	}

	return strings.Join(parts, " ")
}

// orSentinel substitutes the sentinel for empty strings.
func orSentinel(value string) string {
	if strings.TrimSpace(value) == "" {
		return EmptySentinel
	}

	return value
}
