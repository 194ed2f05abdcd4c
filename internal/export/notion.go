package export

import (
	"context"
	"fmt"
	"time"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/receipt-ledger/internal/lineitem"
	"github.com/dvloznov/receipt-ledger/internal/logger"
)

// Notion property names of the line items database.
const (
	propArticle    = "Article"
	propLineItemID = "Line Item ID"
	propQuantity   = "Quantity"
	propUnitPrice  = "Unit Price"
	propTotal      = "Total"
	propPurchased  = "Purchased"
	propSeller     = "Seller"
	propCategory   = "Category"
)

// NotionService is the part of the Notion API the exporter needs.
type NotionService interface {
	CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)
	QueryDatabase(ctx context.Context, databaseID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
}

// NotionClient implements NotionService with the Notion SDK.
type NotionClient struct {
	client *notionapi.Client
}

// NewNotionClient creates a new NotionClient with the provided API token.
func NewNotionClient(token string) *NotionClient {
	return &NotionClient{
		client: notionapi.NewClient(notionapi.Token(token)),
	}
}

// CreatePage creates a new page in a Notion database with the given properties.
func (n *NotionClient) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: properties,
	}

	page, err := n.client.Page.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("CreatePage: %w", err)
	}
	return page, nil
}

// QueryDatabase queries a Notion database.
func (n *NotionClient) QueryDatabase(ctx context.Context, databaseID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	resp, err := n.client.Database.Query(ctx, notionapi.DatabaseID(databaseID), req)
	if err != nil {
		return nil, fmt.Errorf("QueryDatabase: %w", err)
	}
	return resp, nil
}

// NotionExporter creates one database page per line item. Items whose id is
// already in the database are skipped.
type NotionExporter struct {
	service    NotionService
	databaseID string
}

// NewNotionExporter creates an exporter for the given database.
func NewNotionExporter(service NotionService, databaseID string) *NotionExporter {
	return &NotionExporter{service: service, databaseID: databaseID}
}

func (e *NotionExporter) Name() string { return "notion" }

// Export creates pages for the items not yet in the database.
func (e *NotionExporter) Export(ctx context.Context, items []lineitem.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	log := logger.FromContext(ctx)

	existing, err := e.existingIDs(ctx)
	if err != nil {
		return err
	}

	var created, skipped int
	for _, item := range items {
		id := LineItemID(item)
		if existing[id] {
			skipped++
			continue
		}
		if _, err := e.service.CreatePage(ctx, e.databaseID, LineItemProperties(item)); err != nil {
			return fmt.Errorf("NotionExporter.Export: %s: %w", item.ArticleName, err)
		}
		existing[id] = true
		created++
	}

	log.Debug().Int("created", created).Int("skipped", skipped).Msg("Notion export finished")
	return nil
}

func (e *NotionExporter) existingIDs(ctx context.Context) (map[string]bool, error) {
	ids := make(map[string]bool)
	var cursor notionapi.Cursor

	for {
		req := &notionapi.DatabaseQueryRequest{PageSize: 100}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := e.service.QueryDatabase(ctx, e.databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("NotionExporter: listing pages: %w", err)
		}
		for _, page := range resp.Results {
			if id := extractLineItemID(page); id != "" {
				ids[id] = true
			}
		}

		if !resp.HasMore {
			break
		}
		cursor = resp.NextCursor
	}
	return ids, nil
}

func extractLineItemID(page notionapi.Page) string {
	prop, ok := page.Properties[propLineItemID]
	if !ok {
		return ""
	}
	if richText, ok := prop.(*notionapi.RichTextProperty); ok && len(richText.RichText) > 0 {
		return richText.RichText[0].PlainText
	}
	return ""
}

// LineItemProperties converts a line item to Notion page properties.
func LineItemProperties(item lineitem.LineItem) notionapi.Properties {
	props := notionapi.Properties{
		propArticle: notionapi.TitleProperty{
			Title: []notionapi.RichText{
				{
					Type: notionapi.ObjectTypeText,
					Text: &notionapi.Text{Content: item.ArticleName},
				},
			},
		},
		propLineItemID: notionapi.RichTextProperty{
			RichText: []notionapi.RichText{
				{
					Type: notionapi.ObjectTypeText,
					Text: &notionapi.Text{Content: LineItemID(item)},
				},
			},
		},
	}

	if v, ok := parseAmount(item.Quantity); ok {
		props[propQuantity] = notionapi.NumberProperty{Number: v}
	}
	if v, ok := parseAmount(item.UnitPrice); ok {
		props[propUnitPrice] = notionapi.NumberProperty{Number: v}
	}
	if v, ok := parseAmount(item.TotalPrice); ok {
		props[propTotal] = notionapi.NumberProperty{Number: v}
	}

	if t, err := time.Parse(lineitem.CanonicalLayout, item.DateTime); err == nil {
		props[propPurchased] = notionapi.DateProperty{
			Date: &notionapi.DateObject{
				Start: (*notionapi.Date)(&t),
			},
		}
	}

	if item.Seller != "" {
		props[propSeller] = notionapi.SelectProperty{
			Select: notionapi.Option{Name: item.Seller},
		}
	}
	if item.Category != "" {
		props[propCategory] = notionapi.SelectProperty{
			Select: notionapi.Option{Name: item.Category},
		}
	}

	return props
}
