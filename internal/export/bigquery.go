package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/googleapi"

	"github.com/dvloznov/receipt-ledger/internal/lineitem"
)

// LineItemRow is one line item in the BigQuery line_items table.
type LineItemRow struct {
	LineItemID string `bigquery:"line_item_id"` // REQUIRED

	ArticleName string `bigquery:"article_name"` // REQUIRED

	Quantity   bigquery.NullFloat64 `bigquery:"quantity"`    // NULLABLE (NUMERIC)
	UnitPrice  bigquery.NullFloat64 `bigquery:"unit_price"`  // NULLABLE (NUMERIC)
	TotalPrice bigquery.NullFloat64 `bigquery:"total_price"` // NULLABLE (NUMERIC)

	PurchasedAt bigquery.NullDateTime `bigquery:"purchased_at"` // NULLABLE (DATETIME)
	RawDateTime string                `bigquery:"raw_datetime"`

	Seller   string `bigquery:"seller"`
	Category string `bigquery:"category"`

	ExportedTS time.Time `bigquery:"exported_ts"`
}

// ToRow maps a line item. Unparseable numbers and dates become NULL; the raw
// date text is always kept.
func ToRow(item lineitem.LineItem, now time.Time) *LineItemRow {
	row := &LineItemRow{
		LineItemID:  LineItemID(item),
		ArticleName: item.ArticleName,
		RawDateTime: item.DateTime,
		Seller:      item.Seller,
		Category:    item.Category,
		ExportedTS:  now,
	}
	if v, ok := parseAmount(item.Quantity); ok {
		row.Quantity = bigquery.NullFloat64{Float64: v, Valid: true}
	}
	if v, ok := parseAmount(item.UnitPrice); ok {
		row.UnitPrice = bigquery.NullFloat64{Float64: v, Valid: true}
	}
	if v, ok := parseAmount(item.TotalPrice); ok {
		row.TotalPrice = bigquery.NullFloat64{Float64: v, Valid: true}
	}
	if dt, err := civil.ParseDateTime(item.DateTime); err == nil {
		row.PurchasedAt = bigquery.NullDateTime{DateTime: dt, Valid: true}
	}
	return row
}

// BigQueryExporter streams line items into a table.
type BigQueryExporter struct {
	client  *bigquery.Client
	dataset string
	table   string
	now     func() time.Time
}

// NewBigQueryExporter creates an exporter with its own client.
func NewBigQueryExporter(ctx context.Context, projectID, dataset, table string) (*BigQueryExporter, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryExporter: bigquery client: %w", err)
	}
	return &BigQueryExporter{client: client, dataset: dataset, table: table, now: time.Now}, nil
}

func (e *BigQueryExporter) Name() string { return "bigquery" }

// Close releases the client.
func (e *BigQueryExporter) Close() error {
	return e.client.Close()
}

// Export inserts the items. Each row carries its line item id as insert id so
// BigQuery drops duplicates from retried exports.
func (e *BigQueryExporter) Export(ctx context.Context, items []lineitem.LineItem) error {
	if len(items) == 0 {
		return nil
	}

	now := e.now().UTC()
	savers := make([]*bigquery.StructSaver, 0, len(items))
	for _, item := range items {
		row := ToRow(item, now)
		savers = append(savers, &bigquery.StructSaver{Struct: row, InsertID: row.LineItemID})
	}

	inserter := e.client.Dataset(e.dataset).Table(e.table).Inserter()
	if err := inserter.Put(ctx, savers); err != nil {
		return fmt.Errorf("BigQueryExporter.Export: inserting rows: %w", err)
	}
	return nil
}

// LineItemSchema returns the table schema for LineItemRow.
func LineItemSchema() (bigquery.Schema, error) {
	schema, err := bigquery.InferSchema(LineItemRow{})
	if err != nil {
		return nil, fmt.Errorf("LineItemSchema: %w", err)
	}
	for _, f := range schema {
		switch f.Name {
		case "line_item_id", "article_name", "exported_ts":
			f.Required = true
		default:
			f.Required = false
		}
	}
	return schema, nil
}

// EnsureTable creates the dataset and the line item table when missing. It
// reports whether anything was created.
func (e *BigQueryExporter) EnsureTable(ctx context.Context) (bool, error) {
	created := false

	ds := e.client.Dataset(e.dataset)
	if _, err := ds.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return false, fmt.Errorf("EnsureTable: dataset %s: %w", e.dataset, err)
		}
		if err := ds.Create(ctx, &bigquery.DatasetMetadata{}); err != nil {
			return false, fmt.Errorf("EnsureTable: creating dataset %s: %w", e.dataset, err)
		}
		created = true
	}

	table := ds.Table(e.table)
	if _, err := table.Metadata(ctx); err == nil {
		return created, nil
	} else if !isNotFound(err) {
		return false, fmt.Errorf("EnsureTable: table %s: %w", e.table, err)
	}

	schema, err := LineItemSchema()
	if err != nil {
		return false, err
	}
	meta := &bigquery.TableMetadata{
		Schema:           schema,
		TimePartitioning: &bigquery.TimePartitioning{Field: "exported_ts", Type: bigquery.MonthPartitioningType},
		Clustering:       &bigquery.Clustering{Fields: []string{"seller", "category"}},
	}
	if err := table.Create(ctx, meta); err != nil {
		return false, fmt.Errorf("EnsureTable: creating table %s: %w", e.table, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
