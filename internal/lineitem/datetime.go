package lineitem

import (
	"strings"
	"time"
)

// CanonicalLayout is the normalized date-time form stored in the ledger.
const CanonicalLayout = "2006-01-02T15:04:05"

// knownLayouts are tried in order. Four-digit years come before two-digit ones
// so "14.10.2023" is never read as year 20.
var knownLayouts = []string{
	CanonicalLayout,
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2.1.2006 15:04:05",
	"2.1.2006 15:04",
	"2.1.06 15:04:05",
	"2.1.06 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02",
	"2.1.2006",
	"2.1.06",
}

// NormalizeDateTime returns raw in CanonicalLayout when it matches one of the
// known receipt layouts. Unrecognized input is returned unchanged; the function
// never fails.
func NormalizeDateTime(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return raw
	}
	for _, layout := range knownLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(CanonicalLayout)
		}
	}
	return raw
}
