package pipeline

import (
	"context"
	"fmt"
)

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially and stops at the first error.
func (p *Pipeline) Execute(ctx context.Context, fs *FileState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, fs); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// NewFilePipeline creates the standard per-file pipeline:
// fetch, extract, categorize, merge, persist ledger, persist state, export.
func (s *Syncer) NewFilePipeline() *Pipeline {
	steps := []PipelineStep{
		&FetchStep{Share: s.share, Ref: s.refs.Receipts},
		&ExtractStep{Extractor: s.extractor},
		&CategorizeStep{Categorizer: s.categorizer},
		&MergeStep{},
		&PersistLedgerStep{Store: s.store, Ref: s.refs.Ledger},
		&PersistStateStep{Store: s.store, Ref: s.refs.State},
	}
	if len(s.exporters) > 0 {
		steps = append(steps, &ExportStep{Exporters: s.exporters})
	}
	return NewPipeline(steps...)
}
