// Package tabular converts retailer purchase-history exports into line items
// without going through the extraction service.
package tabular

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"path"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/dvloznov/receipt-ledger/internal/lineitem"
	"github.com/dvloznov/receipt-ledger/internal/logger"
)

var contentTypes = map[string]bool{
	"text/csv":                    true,
	"application/csv":             true,
	"text/comma-separated-values": true,
}

// IsTabular reports whether a file should be parsed as a tabular export.
// Shares sometimes report CSV files as text/plain, so the extension is checked
// as a fallback.
func IsTabular(contentType, name string) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && contentTypes[strings.ToLower(mediaType)] {
		return true
	}
	return strings.EqualFold(path.Ext(name), ".csv")
}

// Row is one record of a purchase-history export.
type Row struct {
	Date        string
	Time        string
	Branch      string
	Register    string
	Transaction string
	Article     string
	Quantity    float64
	Discount    float64
	Total       float64

	rawQuantity string
	rawTotal    string
}

// Filter drops rows that are not real purchases.
type Filter struct {
	Name  string
	Match func(Row) bool
}

// Issuer describes the export layout of one retailer.
type Issuer struct {
	Seller     string
	Separator  rune
	HeaderCell string // first cell of the header row
	Fields     int
	Filters    []Filter
}

// Migros is the Cumulus purchase-history export.
var Migros = Issuer{
	Seller:     "Migros",
	Separator:  ';',
	HeaderCell: "Datum",
	Fields:     9,
	Filters: []Filter{
		{
			Name: "loyalty_bonus",
			Match: func(r Row) bool {
				a := strings.ToLower(r.Article)
				return strings.Contains(a, "cumulus") || strings.Contains(a, "bonus")
			},
		},
		{
			Name: "restaurant_subentry",
			Match: func(r Row) bool {
				return strings.HasPrefix(strings.ToUpper(r.Branch), "MR ") && r.Total == 0
			},
		},
	},
}

// Parse reads a Migros export.
func Parse(ctx context.Context, r io.Reader) ([]lineitem.LineItem, error) {
	return Migros.Parse(ctx, r)
}

// Parse reads an export in the issuer's layout. Malformed rows are skipped and
// logged; only a failure to read the stream is returned as an error.
func (iss Issuer) Parse(ctx context.Context, r io.Reader) ([]lineitem.LineItem, error) {
	log := logger.FromContext(ctx).With().Str("seller", iss.Seller).Logger()

	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(decoded)
	reader.Comma = iss.Separator
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var (
		items      []lineitem.LineItem
		lineNumber int
		skipped    int
		filtered   = make(map[string]int)
	)

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		lineNumber++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				log.Warn().Err(err).Int("line", lineNumber).Msg("Skipping unreadable export row")
				skipped++
				continue
			}
			return nil, fmt.Errorf("tabular.Parse: reading export: %w", err)
		}

		if len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), iss.HeaderCell) {
			continue
		}
		if isBlank(record) {
			continue
		}

		row, err := iss.parseRow(record)
		if err != nil {
			log.Warn().Err(err).Int("line", lineNumber).Msg("Skipping malformed export row")
			skipped++
			continue
		}

		if name := iss.noise(row); name != "" {
			filtered[name]++
			continue
		}

		items = append(items, iss.toLineItem(row))
	}

	ev := log.Info().Int("items", len(items)).Int("skipped", skipped)
	for name, n := range filtered {
		ev = ev.Int("filtered_"+name, n)
	}
	ev.Msg("Parsed tabular export")

	return items, nil
}

func (iss Issuer) noise(row Row) string {
	for _, f := range iss.Filters {
		if f.Match(row) {
			return f.Name
		}
	}
	return ""
}

func (iss Issuer) parseRow(record []string) (Row, error) {
	if len(record) != iss.Fields {
		return Row{}, &lineitem.ParseError{
			Line:   strings.Join(record, string(iss.Separator)),
			Fields: len(record),
			Reason: fmt.Sprintf("want %d export fields", iss.Fields),
		}
	}
	for i := range record {
		record[i] = strings.TrimSpace(record[i])
	}

	quantity, err := parseNumber(record[6])
	if err != nil {
		return Row{}, fmt.Errorf("invalid quantity %q: %w", record[6], err)
	}
	discount, err := parseNumber(record[7])
	if err != nil {
		return Row{}, fmt.Errorf("invalid discount %q: %w", record[7], err)
	}
	total, err := parseNumber(record[8])
	if err != nil {
		return Row{}, fmt.Errorf("invalid total %q: %w", record[8], err)
	}
	if record[5] == "" {
		return Row{}, errors.New("missing article name")
	}

	return Row{
		Date:        record[0],
		Time:        record[1],
		Branch:      record[2],
		Register:    record[3],
		Transaction: record[4],
		Article:     record[5],
		Quantity:    quantity,
		Discount:    discount,
		Total:       total,
		rawQuantity: strings.ReplaceAll(record[6], ",", "."),
		rawTotal:    strings.ReplaceAll(record[8], ",", "."),
	}, nil
}

// toLineItem maps an export row. The unit price is quantity times total
// rounded to two decimals, not total divided by quantity: 0.235 at a total
// of 1.95 yields 0.46.
func (iss Issuer) toLineItem(row Row) lineitem.LineItem {
	unit := math.Round(row.Quantity*row.Total*100) / 100

	// Article names may contain the ledger delimiter.
	name := strings.ReplaceAll(norm.NFC.String(row.Article), lineitem.Delimiter, " ")

	return lineitem.LineItem{
		ArticleName: name,
		Quantity:    row.rawQuantity,
		UnitPrice:   strconv.FormatFloat(unit, 'f', 2, 64),
		TotalPrice:  row.rawTotal,
		DateTime:    lineitem.NormalizeDateTime(row.Date + " " + row.Time),
		Seller:      iss.Seller,
	}
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
