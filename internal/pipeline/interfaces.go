package pipeline

import (
	"context"

	"github.com/dvloznov/receipt-ledger/internal/lineitem"
)

// Extractor reads line items out of a receipt file. Returned items carry no
// category.
type Extractor interface {
	ExtractLineItems(ctx context.Context, data []byte, fileName, contentType string) ([]lineitem.LineItem, error)
}

// Categorizer assigns a non-empty category to every item.
type Categorizer interface {
	Categorize(ctx context.Context, items []lineitem.LineItem) []lineitem.LineItem
}
