package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/receipt-ledger/internal/lineitem"
)

var sample = lineitem.LineItem{
	ArticleName: "Rice Cracker",
	Quantity:    "0.235",
	UnitPrice:   "0.46",
	TotalPrice:  "1.95",
	DateTime:    "2024-09-05T12:50:16",
	Seller:      "Migros",
	Category:    "Snacks",
}

func TestLineItemID_StableAcrossNonIdentityFields(t *testing.T) {
	other := sample
	other.Quantity = "1"
	other.Category = "-"

	assert.Equal(t, LineItemID(sample), LineItemID(other))

	other.TotalPrice = "1.96"
	assert.NotEqual(t, LineItemID(sample), LineItemID(other))
}

func TestToRow(t *testing.T) {
	now := time.Date(2024, 9, 6, 8, 0, 0, 0, time.UTC)
	row := ToRow(sample, now)

	assert.Equal(t, LineItemID(sample), row.LineItemID)
	assert.True(t, row.Quantity.Valid)
	assert.InDelta(t, 0.235, row.Quantity.Float64, 1e-9)
	assert.InDelta(t, 1.95, row.TotalPrice.Float64, 1e-9)
	require.True(t, row.PurchasedAt.Valid)
	assert.Equal(t, civil.DateTime{
		Date: civil.Date{Year: 2024, Month: time.September, Day: 5},
		Time: civil.Time{Hour: 12, Minute: 50, Second: 16},
	}, row.PurchasedAt.DateTime)
	assert.Equal(t, now, row.ExportedTS)
}

func TestToRow_UnparseableValuesAreNull(t *testing.T) {
	item := sample
	item.Quantity = "1 Stk"
	item.DateTime = "gestern"

	row := ToRow(item, time.Now())
	assert.False(t, row.Quantity.Valid)
	assert.False(t, row.PurchasedAt.Valid)
	assert.Equal(t, "gestern", row.RawDateTime)
}

func TestLineItemProperties(t *testing.T) {
	props := LineItemProperties(sample)

	title, ok := props[propArticle].(notionapi.TitleProperty)
	require.True(t, ok)
	assert.Equal(t, "Rice Cracker", title.Title[0].Text.Content)

	total, ok := props[propTotal].(notionapi.NumberProperty)
	require.True(t, ok)
	assert.InDelta(t, 1.95, total.Number, 1e-9)

	category, ok := props[propCategory].(notionapi.SelectProperty)
	require.True(t, ok)
	assert.Equal(t, "Snacks", category.Select.Name)

	_, ok = props[propPurchased].(notionapi.DateProperty)
	assert.True(t, ok)
}

type mockNotion struct {
	existing []notionapi.Page
	created  []notionapi.Properties

	CreateErr error
}

func (m *mockNotion) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	m.created = append(m.created, properties)
	return &notionapi.Page{}, nil
}

func (m *mockNotion) QueryDatabase(ctx context.Context, databaseID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if req.StartCursor == "" && len(m.existing) > 1 {
		return &notionapi.DatabaseQueryResponse{Results: m.existing[:1], HasMore: true, NextCursor: "next"}, nil
	}
	if req.StartCursor == "next" {
		return &notionapi.DatabaseQueryResponse{Results: m.existing[1:]}, nil
	}
	return &notionapi.DatabaseQueryResponse{Results: m.existing}, nil
}

func pageWithID(id string) notionapi.Page {
	return notionapi.Page{
		Properties: notionapi.Properties{
			propLineItemID: &notionapi.RichTextProperty{
				RichText: []notionapi.RichText{{PlainText: id}},
			},
		},
	}
}

func TestNotionExporter_SkipsExisting(t *testing.T) {
	second := sample
	second.ArticleName = "Bananen"

	m := &mockNotion{existing: []notionapi.Page{pageWithID("unrelated"), pageWithID(LineItemID(sample))}}
	err := NewNotionExporter(m, "db").Export(context.Background(), []lineitem.LineItem{sample, second, second})

	require.NoError(t, err)
	require.Len(t, m.created, 1)
	title := m.created[0][propArticle].(notionapi.TitleProperty)
	assert.Equal(t, "Bananen", title.Title[0].Text.Content)
}

type stubExporter struct {
	name string
	err  error
	got  int
}

func (s *stubExporter) Name() string { return s.name }

func (s *stubExporter) Export(ctx context.Context, items []lineitem.LineItem) error {
	s.got += len(items)
	return s.err
}

func TestRunAll_BestEffort(t *testing.T) {
	failing := &stubExporter{name: "failing", err: errors.New("down")}
	ok := &stubExporter{name: "ok"}

	failed := RunAll(context.Background(), []Exporter{failing, ok}, []lineitem.LineItem{sample})

	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, ok.got)
}

func TestRunAll_NoItems(t *testing.T) {
	ok := &stubExporter{name: "ok"}
	assert.Equal(t, 0, RunAll(context.Background(), []Exporter{ok}, nil))
	assert.Equal(t, 0, ok.got)
}

func TestLineItemSchema(t *testing.T) {
	schema, err := LineItemSchema()
	require.NoError(t, err)

	fields := map[string]*bigquery.FieldSchema{}
	for _, f := range schema {
		fields[f.Name] = f
	}
	require.Contains(t, fields, "line_item_id")
	assert.True(t, fields["line_item_id"].Required)
	assert.False(t, fields["quantity"].Required)
	assert.Equal(t, bigquery.FloatFieldType, fields["total_price"].Type)
	assert.Equal(t, bigquery.DateTimeFieldType, fields["purchased_at"].Type)
	assert.Equal(t, bigquery.TimestampFieldType, fields["exported_ts"].Type)
}
