package pipeline

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dvloznov/receipt-ledger/internal/export"
	"github.com/dvloznov/receipt-ledger/internal/ledger"
	"github.com/dvloznov/receipt-ledger/internal/lineitem"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/share"
	"github.com/dvloznov/receipt-ledger/internal/state"
	"github.com/dvloznov/receipt-ledger/internal/tabular"
)

// PipelineStep represents a single step in the per-file pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, fs *FileState) error
}

// FileState holds the shared state across the steps for one file. Ledger and
// Processed come in as the run's current values and leave updated.
type FileState struct {
	File        share.RemoteFile
	Content     []byte
	Extracted   []lineitem.LineItem
	Categorized []lineitem.LineItem
	Ledger      *ledger.Ledger
	Added       []lineitem.LineItem
	Processed   state.State
}

// FetchStep downloads the file content.
type FetchStep struct {
	Share share.Share
	Ref   share.Ref
}

func (s *FetchStep) Execute(ctx context.Context, fs *FileState) error {
	data, err := s.Share.Fetch(ctx, s.Ref, fs.File.Name)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", fs.File.Name, err)
	}
	fs.Content = data
	return nil
}

// ExtractStep turns the content into uncategorized line items. Tabular
// exports are parsed locally; everything else goes to the Extractor.
type ExtractStep struct {
	Extractor Extractor
}

func (s *ExtractStep) Execute(ctx context.Context, fs *FileState) error {
	if tabular.IsTabular(fs.File.ContentType, fs.File.Name) {
		items, err := tabular.Parse(ctx, bytes.NewReader(fs.Content))
		if err != nil {
			return fmt.Errorf("parse export %s: %w", fs.File.Name, err)
		}
		fs.Extracted = items
		return nil
	}

	items, err := s.Extractor.ExtractLineItems(ctx, fs.Content, fs.File.Name, fs.File.ContentType)
	if err != nil {
		return fmt.Errorf("extract %s: %w", fs.File.Name, err)
	}
	fs.Extracted = items
	return nil
}

// CategorizeStep assigns categories. It never fails.
type CategorizeStep struct {
	Categorizer Categorizer
}

func (s *CategorizeStep) Execute(ctx context.Context, fs *FileState) error {
	if len(fs.Extracted) == 0 {
		fs.Categorized = nil
		return nil
	}
	fs.Categorized = s.Categorizer.Categorize(ctx, fs.Extracted)
	return nil
}

// MergeStep adds the new items to the ledger and marks the file processed.
type MergeStep struct{}

func (s *MergeStep) Execute(ctx context.Context, fs *FileState) error {
	fs.Ledger, fs.Added = ledger.MergeDiff(fs.Ledger, ledger.New(fs.Categorized...))
	fs.Processed = fs.Processed.MarkDone(fs.File)

	log := logger.FromContext(ctx)
	log.Info().
		Int("extracted", len(fs.Extracted)).
		Int("added", len(fs.Added)).
		Int("ledger_size", fs.Ledger.Len()).
		Msg("Merged line items")
	return nil
}

// PersistLedgerStep writes the whole ledger.
type PersistLedgerStep struct {
	Store share.TextStore
	Ref   share.Ref
}

func (s *PersistLedgerStep) Execute(ctx context.Context, fs *FileState) error {
	if err := s.Store.WriteText(ctx, s.Ref, fs.Ledger.Text()); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// PersistStateStep writes the processed-file state. It runs after the ledger
// write so a crash in between only causes the file to be merged again.
type PersistStateStep struct {
	Store share.TextStore
	Ref   share.Ref
}

func (s *PersistStateStep) Execute(ctx context.Context, fs *FileState) error {
	if err := s.Store.WriteText(ctx, s.Ref, fs.Processed.Text()); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// ExportStep hands the newly added items to the exporters. Export failures
// are logged and do not fail the file.
type ExportStep struct {
	Exporters []export.Exporter
}

func (s *ExportStep) Execute(ctx context.Context, fs *FileState) error {
	export.RunAll(ctx, s.Exporters, fs.Added)
	return nil
}
