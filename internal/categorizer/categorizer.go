// Package categorizer assigns a category to every line item by sending batches
// to an external classification service and joining the answers back by id.
package categorizer

import (
	"context"
	"strings"

	"github.com/dvloznov/receipt-ledger/internal/lineitem"
	"github.com/dvloznov/receipt-ledger/internal/logger"
)

const (
	// BatchSize is the maximum number of items per classification request.
	BatchSize = 50

	// MaxAttempts bounds the requests made for one batch.
	MaxAttempts = 2
)

// Classifier is the external categorization service. Each request line is
// "<id>,<articleName>"; each response line is expected as
// "<id>,<articleName>,<category>".
type Classifier interface {
	CategorizeBatch(ctx context.Context, lines []string) ([]string, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, lines []string) ([]string, error)

func (f ClassifierFunc) CategorizeBatch(ctx context.Context, lines []string) ([]string, error) {
	return f(ctx, lines)
}

// Categorizer batches items through a Classifier.
type Categorizer struct {
	classifier  Classifier
	batchSize   int
	maxAttempts int
}

// Option configures a Categorizer.
type Option func(*Categorizer)

// WithBatchSize overrides BatchSize.
func WithBatchSize(n int) Option {
	return func(c *Categorizer) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithMaxAttempts overrides MaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(c *Categorizer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// New creates a Categorizer.
func New(classifier Classifier, opts ...Option) *Categorizer {
	c := &Categorizer{
		classifier:  classifier,
		batchSize:   BatchSize,
		maxAttempts: MaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Categorize returns items in their original order, each carrying a non-empty
// category. Items the service did not classify get lineitem.SentinelCategory.
// Service failures never propagate; a failed request counts as an empty answer.
func (c *Categorizer) Categorize(ctx context.Context, items []lineitem.LineItem) []lineitem.LineItem {
	out := make([]lineitem.LineItem, 0, len(items))
	for start := 0; start < len(items); start += c.batchSize {
		end := start + c.batchSize
		if end > len(items) {
			end = len(items)
		}
		out = append(out, c.categorizeBatch(ctx, start/c.batchSize, items[start:end])...)
	}
	return out
}

func (c *Categorizer) categorizeBatch(ctx context.Context, batchNo int, batch []lineitem.LineItem) []lineitem.LineItem {
	log := logger.FromContext(ctx).With().Int("batch", batchNo).Int("batch_size", len(batch)).Logger()

	// Identical keys may appear more than once in one extraction.
	positions := make(map[string][]int, len(batch))
	lines := make([]string, 0, len(batch))
	for i, item := range batch {
		id := item.Key().String()
		if _, seen := positions[id]; !seen {
			lines = append(lines, id+lineitem.Delimiter+item.ArticleName)
		}
		positions[id] = append(positions[id], i)
	}

	var categories map[string]string
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.classifier.CategorizeBatch(ctx, lines)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Categorization request failed")
			resp = nil
		}

		var discarded int
		categories, discarded = join(resp, positions)
		covered := 0
		for id := range categories {
			covered += len(positions[id])
		}
		if discarded > 0 {
			log.Warn().Int("attempt", attempt).Int("discarded", discarded).Msg("Discarded unmatched categorization lines")
		}
		if covered == len(batch) {
			break
		}
		log.Warn().
			Int("attempt", attempt).
			Int("matched", covered).
			Msg("Categorization result count mismatch")
		if ctx.Err() != nil {
			break
		}
	}

	out := make([]lineitem.LineItem, len(batch))
	for id, idxs := range positions {
		category, ok := categories[id]
		if !ok {
			category = lineitem.SentinelCategory
		}
		for _, i := range idxs {
			out[i] = batch[i].WithCategory(category)
		}
	}
	return out
}

// join maps response ids to categories. Lines that do not have exactly three
// fields, carry an empty category or reference an unknown id are discarded.
func join(resp []string, positions map[string][]int) (map[string]string, int) {
	categories := make(map[string]string, len(positions))
	discarded := 0
	for _, raw := range resp {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		id, category, ok := parseResultLine(line)
		if !ok {
			discarded++
			continue
		}
		if _, known := positions[id]; !known {
			discarded++
			continue
		}
		categories[id] = category
	}
	return categories, discarded
}

func parseResultLine(line string) (id, category string, ok bool) {
	fields := strings.Split(line, lineitem.Delimiter)
	if len(fields) != 3 {
		return "", "", false
	}
	id = strings.TrimSpace(fields[0])
	category = strings.TrimSpace(fields[2])
	if id == "" || category == "" {
		return "", "", false
	}
	return id, category, true
}
