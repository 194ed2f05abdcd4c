// Package pipeline drives receipt synchronization: it finds unprocessed files
// on the receipt share, runs each through the per-file pipeline and persists
// the ledger and processed state after every file.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/receipt-ledger/internal/export"
	"github.com/dvloznov/receipt-ledger/internal/ledger"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/share"
	"github.com/dvloznov/receipt-ledger/internal/state"
	"github.com/dvloznov/receipt-ledger/internal/synclock"
)

// Refs locates the receipt folder and the two persisted blobs.
type Refs struct {
	Receipts share.Ref
	Ledger   share.Ref
	State    share.Ref
}

// Deps are the collaborators of a Syncer.
type Deps struct {
	Lock        *synclock.Lock
	Share       share.Share
	Store       share.TextStore
	Extractor   Extractor
	Categorizer Categorizer
	Exporters   []export.Exporter
	Refs        Refs
}

// Syncer runs sync passes. All passes share one lock, so at most one runs at
// a time and each starts from freshly loaded ledger and state.
type Syncer struct {
	lock        *synclock.Lock
	share       share.Share
	store       share.TextStore
	extractor   Extractor
	categorizer Categorizer
	exporters   []export.Exporter
	refs        Refs
}

// NewSyncer creates a Syncer. A nil lock gets an in-process lock.
func NewSyncer(d Deps) *Syncer {
	lock := d.Lock
	if lock == nil {
		lock = synclock.New("")
	}
	return &Syncer{
		lock:        lock,
		share:       d.Share,
		store:       d.Store,
		extractor:   d.Extractor,
		categorizer: d.Categorizer,
		exporters:   d.Exporters,
		refs:        d.Refs,
	}
}

// Refs returns the locations the Syncer works on.
func (s *Syncer) Refs() Refs {
	return s.refs
}

// Report summarizes one sync pass.
type Report struct {
	RunID      string
	Processed  []string
	Skipped    []string
	AddedItems int
	Duration   time.Duration
}

// SyncAll processes every unprocessed file, oldest first. The first failing
// file aborts the pass; files finished before it stay committed.
func (s *Syncer) SyncAll(ctx context.Context) (*Report, error) {
	return s.run(ctx, "full_sync", func(ctx context.Context, st state.State) ([]share.RemoteFile, []string, error) {
		candidates, err := s.share.List(ctx, s.refs.Receipts)
		if err != nil {
			return nil, nil, fmt.Errorf("list receipts: %w", err)
		}
		pending := st.Unprocessed(candidates)
		log := logger.FromContext(ctx)
		log.Info().
			Int("candidates", len(candidates)).
			Int("unprocessed", len(pending)).
			Msg("Computed unprocessed files")
		return pending, nil, nil
	})
}

// SyncFile processes exactly one file unless its fingerprint is already
// processed. A file without fingerprint is looked up on the share by name.
func (s *Syncer) SyncFile(ctx context.Context, file share.RemoteFile) (*Report, error) {
	return s.run(ctx, "file_sync", func(ctx context.Context, st state.State) ([]share.RemoteFile, []string, error) {
		if file.Fingerprint == "" {
			found, err := s.FindFile(ctx, file.Name)
			if err != nil {
				return nil, nil, err
			}
			file = found
		}
		if st.Contains(file.Fingerprint) {
			log := logger.FromContext(ctx)
			log.Info().
				Str("file", file.Name).
				Str("fingerprint", file.Fingerprint).
				Msg("File already processed, skipping")
			return nil, []string{file.Name}, nil
		}
		return []share.RemoteFile{file}, nil, nil
	})
}

// FindFile looks a file up on the receipt share by name.
func (s *Syncer) FindFile(ctx context.Context, name string) (share.RemoteFile, error) {
	files, err := s.share.List(ctx, s.refs.Receipts)
	if err != nil {
		return share.RemoteFile{}, fmt.Errorf("list receipts: %w", err)
	}
	for _, f := range files {
		if f.Name == name {
			return f, nil
		}
	}
	return share.RemoteFile{}, fmt.Errorf("file %q: %w", name, share.ErrNotFound)
}

type selectFunc func(ctx context.Context, st state.State) (files []share.RemoteFile, skipped []string, err error)

func (s *Syncer) run(ctx context.Context, kind string, selectFiles selectFunc) (*Report, error) {
	ctx, runID := logger.WithRun(ctx, kind)
	log := logger.FromContext(ctx)
	report := &Report{RunID: runID}
	start := time.Now()

	log.Debug().Msg("Waiting for sync lock")
	err := s.lock.Do(ctx, func(ctx context.Context) error {
		log.Info().Msg("Sync started")

		current, processed, err := s.load(ctx)
		if err != nil {
			return err
		}

		files, skipped, err := selectFiles(ctx, processed)
		if err != nil {
			return err
		}
		report.Skipped = skipped

		pipe := s.NewFilePipeline()
		for _, file := range files {
			fileCtx := logger.WithContext(ctx, log.With().
				Str("file", file.Name).
				Str("fingerprint", file.Fingerprint).
				Logger())

			fs := &FileState{File: file, Ledger: current, Processed: processed}
			if err := pipe.Execute(fileCtx, fs); err != nil {
				return fmt.Errorf("%s: processing %s: %w", kind, file.Name, err)
			}

			current, processed = fs.Ledger, fs.Processed
			report.Processed = append(report.Processed, file.Name)
			report.AddedItems += len(fs.Added)
		}
		return nil
	})
	report.Duration = time.Since(start)

	if err != nil {
		log.Error().Err(err).
			Int("processed", len(report.Processed)).
			Dur("duration", report.Duration).
			Msg("Sync failed")
		return report, err
	}

	log.Info().
		Int("processed", len(report.Processed)).
		Int("skipped", len(report.Skipped)).
		Int("added_items", report.AddedItems).
		Dur("duration", report.Duration).
		Msg("Sync finished")
	return report, nil
}

// load reads the ledger and processed state. Missing or blank blobs are the
// valid empty first-run state.
func (s *Syncer) load(ctx context.Context) (*ledger.Ledger, state.State, error) {
	ledgerText, err := s.readBlob(ctx, s.refs.Ledger)
	if err != nil {
		return nil, state.State{}, fmt.Errorf("read ledger: %w", err)
	}
	current, err := ledger.Parse(ledgerText)
	if err != nil {
		return nil, state.State{}, fmt.Errorf("decode ledger: %w", err)
	}

	stateText, err := s.readBlob(ctx, s.refs.State)
	if err != nil {
		return nil, state.State{}, fmt.Errorf("read state: %w", err)
	}
	processed := state.Parse(stateText)

	log := logger.FromContext(ctx)
	log.Info().
		Int("ledger_size", current.Len()).
		Int("processed_files", processed.Len()).
		Msg("Loaded ledger and state")
	return current, processed, nil
}

func (s *Syncer) readBlob(ctx context.Context, ref share.Ref) (string, error) {
	text, err := s.store.ReadText(ctx, ref)
	if errors.Is(err, share.ErrNotFound) {
		log := logger.FromContext(ctx)
		log.Info().Str("ref", ref.String()).Msg("Blob not found, starting empty")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// LedgerText returns the persisted ledger as stored. It takes no lock; the
// share always holds a complete ledger.
func (s *Syncer) LedgerText(ctx context.Context) (string, error) {
	text, err := s.readBlob(ctx, s.refs.Ledger)
	if err != nil {
		return "", fmt.Errorf("LedgerText: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return ledger.New().Text(), nil
	}
	return text, nil
}

// Ledger returns the decoded persisted ledger.
func (s *Syncer) Ledger(ctx context.Context) (*ledger.Ledger, error) {
	text, err := s.LedgerText(ctx)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("Ledger: %w", err)
	}
	return l, nil
}

// State returns the persisted processed-file state.
func (s *Syncer) State(ctx context.Context) (state.State, error) {
	text, err := s.readBlob(ctx, s.refs.State)
	if err != nil {
		return state.State{}, fmt.Errorf("State: %w", err)
	}
	return state.Parse(text), nil
}
