// Package ledger holds the deduplicated, insertion-ordered collection of line
// items and its persisted text form.
package ledger

import (
	"fmt"
	"strings"

	"github.com/dvloznov/receipt-ledger/internal/lineitem"
)

// Ledger is an ordered set of line items keyed by lineitem.Key.
// A Ledger is never mutated after construction; Merge returns a new one.
type Ledger struct {
	items []lineitem.LineItem
	index map[lineitem.Key]struct{}
}

// New builds a ledger from items. Date-times are stored in canonical form, so
// items differing only in date layout share a key. When two items share a key
// the first wins.
func New(items ...lineitem.LineItem) *Ledger {
	l := &Ledger{index: make(map[lineitem.Key]struct{}, len(items))}
	for _, item := range items {
		l.add(item)
	}
	return l
}

func (l *Ledger) add(item lineitem.LineItem) bool {
	item = canonical(item)
	key := item.Key()
	if _, ok := l.index[key]; ok {
		return false
	}
	l.index[key] = struct{}{}
	l.items = append(l.items, item)
	return true
}

// Len returns the number of items.
func (l *Ledger) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

// Items returns a copy of the items in insertion order.
func (l *Ledger) Items() []lineitem.LineItem {
	if l == nil {
		return nil
	}
	out := make([]lineitem.LineItem, len(l.items))
	copy(out, l.items)
	return out
}

// Contains reports whether an item with the same key is present.
func (l *Ledger) Contains(item lineitem.LineItem) bool {
	if l == nil {
		return false
	}
	_, ok := l.index[canonical(item).Key()]
	return ok
}

func canonical(item lineitem.LineItem) lineitem.LineItem {
	item.DateTime = lineitem.NormalizeDateTime(item.DateTime)
	return item
}

// Merge returns existing followed by the items of incoming whose keys are not
// yet present. Existing entries always win.
func Merge(existing, incoming *Ledger) *Ledger {
	merged, _ := MergeDiff(existing, incoming)
	return merged
}

// MergeDiff is Merge that also returns the items that were actually added.
func MergeDiff(existing, incoming *Ledger) (*Ledger, []lineitem.LineItem) {
	merged := New(existing.Items()...)
	var added []lineitem.LineItem
	for _, item := range incoming.Items() {
		if merged.add(item) {
			added = append(added, item)
		}
	}
	return merged, added
}

// Text encodes the ledger as a header line followed by one line per item.
func (l *Ledger) Text() string {
	var b strings.Builder
	b.WriteString(lineitem.HeaderLine)
	for _, item := range l.Items() {
		b.WriteByte('\n')
		b.WriteString(lineitem.Format(item))
	}
	return b.String()
}

// Parse decodes a persisted ledger. Empty or blank text yields an empty ledger.
// A leading header line is skipped; any malformed row fails the whole decode so
// a damaged ledger is never silently truncated on the next write.
func Parse(text string) (*Ledger, error) {
	l := New()
	for n, line := range rows(text) {
		item, err := lineitem.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("ledger.Parse: row %d: %w", n+1, err)
		}
		l.add(item)
	}
	return l, nil
}

// ParseLenient decodes text like Parse but skips malformed rows, returning
// their errors alongside the ledger.
func ParseLenient(text string) (*Ledger, []error) {
	l := New()
	var errs []error
	for n, line := range rows(text) {
		item, err := lineitem.Parse(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", n+1, err))
			continue
		}
		l.add(item)
	}
	return l, errs
}

// rows returns the non-blank data lines of text, without a header.
func rows(text string) []string {
	var out []string
	first := true
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if first {
			first = false
			if isHeader(line) {
				continue
			}
		}
		out = append(out, line)
	}
	return out
}

func isHeader(line string) bool {
	return strings.EqualFold(strings.ReplaceAll(line, " ", ""), lineitem.HeaderLine)
}
