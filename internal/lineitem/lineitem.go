// Package lineitem defines a single extracted shopping line, its text codec and
// the identity key used to deduplicate repeated extractions of one purchase.
package lineitem

import (
	"fmt"
	"strings"
)

const (
	// FieldCount is the number of delimited fields in an encoded line.
	FieldCount = 7

	// Delimiter separates the fields of an encoded line.
	Delimiter = ","

	// SentinelCategory is assigned when no category could be determined.
	SentinelCategory = "-"
)

// Header lists the field names in encoding order.
var Header = []string{"Artikelbezeichnung", "Menge", "Preis", "Total", "Datetime", "Seller", "Category"}

// HeaderLine is the header row of a persisted ledger.
var HeaderLine = strings.Join(Header, Delimiter)

// LineItem is one purchased article as read from a receipt.
// It is a value type: assigning a category yields a new LineItem.
type LineItem struct {
	ArticleName string
	Quantity    string
	UnitPrice   string
	TotalPrice  string
	DateTime    string // canonical form, see NormalizeDateTime
	Seller      string
	Category    string // empty until categorized
}

// Key is the identity of a line item. Quantity and category are not part of it,
// so re-extractions with formatting drift in those fields collapse to one record.
type Key struct {
	ArticleName string
	TotalPrice  string
	DateTime    string
	Seller      string
}

// String renders the key as the join id sent to the categorization service.
func (k Key) String() string {
	return k.ArticleName + ":" + k.TotalPrice + ":" + k.DateTime + ":" + k.Seller
}

// Key returns the identity key of the item.
func (i LineItem) Key() Key {
	return Key{
		ArticleName: i.ArticleName,
		TotalPrice:  i.TotalPrice,
		DateTime:    i.DateTime,
		Seller:      i.Seller,
	}
}

// WithCategory returns a copy of the item carrying the given category.
func (i LineItem) WithCategory(category string) LineItem {
	i.Category = category
	return i
}

// Categorized reports whether a category has been assigned.
func (i LineItem) Categorized() bool {
	return i.Category != ""
}

// ParseError describes a line that could not be decoded.
type ParseError struct {
	Line   string
	Fields int
	Reason string
}

func (e *ParseError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	return fmt.Sprintf("parse line item: %s (fields=%d): %q", e.Reason, e.Fields, line)
}

// Parse decodes one delimited line. The line must have exactly FieldCount fields;
// the category field may be empty. Fields are trimmed and the date-time field is
// normalized.
func Parse(line string) (LineItem, error) {
	fields := strings.Split(line, Delimiter)
	if len(fields) != FieldCount {
		return LineItem{}, &ParseError{
			Line:   line,
			Fields: len(fields),
			Reason: fmt.Sprintf("want %d fields", FieldCount),
		}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	return LineItem{
		ArticleName: fields[0],
		Quantity:    fields[1],
		UnitPrice:   fields[2],
		TotalPrice:  fields[3],
		DateTime:    NormalizeDateTime(fields[4]),
		Seller:      fields[5],
		Category:    fields[6],
	}, nil
}

// Format encodes an item as one delimited line in Header order.
func Format(item LineItem) string {
	return strings.Join([]string{
		item.ArticleName,
		item.Quantity,
		item.UnitPrice,
		item.TotalPrice,
		item.DateTime,
		item.Seller,
		item.Category,
	}, Delimiter)
}
