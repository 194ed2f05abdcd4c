// Package app wires configuration into a ready Syncer and job queue. Both the
// server and the CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/receipt-ledger/internal/ai"
	"github.com/dvloznov/receipt-ledger/internal/categorizer"
	"github.com/dvloznov/receipt-ledger/internal/config"
	"github.com/dvloznov/receipt-ledger/internal/export"
	"github.com/dvloznov/receipt-ledger/internal/jobs"
	"github.com/dvloznov/receipt-ledger/internal/jobs/inmemory"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/pipeline"
	"github.com/dvloznov/receipt-ledger/internal/share"
	"github.com/dvloznov/receipt-ledger/internal/share/gcs"
	"github.com/dvloznov/receipt-ledger/internal/share/sqlitestore"
	"github.com/dvloznov/receipt-ledger/internal/share/webdav"
	"github.com/dvloznov/receipt-ledger/internal/synclock"
)

// Blob keys used when ledger and state live in the local database.
const (
	sqliteLedgerKey = "ledger"
	sqliteStateKey  = "state"
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	Syncer    *pipeline.Syncer
	Queue     *inmemory.Queue
	Publisher jobs.Publisher
	JobStore  jobs.JobStore
	Exporters []export.Exporter

	// GCS is set when the share backend is Cloud Storage.
	GCS *gcs.Store

	closers []func() error
}

// Build creates every component the configuration asks for. Callers must
// Close the App.
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var sqlite *sqlitestore.Store
	openSQLite := func() (*sqlitestore.Store, error) {
		if sqlite != nil {
			return sqlite, nil
		}
		s, err := sqlitestore.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqlite = s
		a.closers = append(a.closers, s.Close)
		return s, nil
	}

	var (
		remote share.Share
		store  share.TextStore
		refs   pipeline.Refs
	)

	switch cfg.Share.Backend {
	case config.ShareWebDAV:
		client := webdav.NewClient(webdav.Config{
			RootURL:    cfg.Share.RootURL,
			Timeout:    cfg.Share.RequestTimeout,
			Retries:    cfg.Share.Retries,
			RetryDelay: cfg.Share.RetryDelay,
		}, nil)
		remote, store = client, client
		refs = pipeline.Refs{
			Receipts: share.Ref{ID: cfg.Share.ReceiptShareID, Secret: cfg.Share.ReceiptPassword},
			Ledger:   share.Ref{ID: cfg.Share.LedgerShareID, Secret: cfg.Share.LedgerPassword},
			State:    share.Ref{ID: cfg.Share.StateShareID, Secret: cfg.Share.StatePassword},
		}
	case config.ShareGCS:
		gs, err := gcs.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("app.Build: %w", err)
		}
		a.GCS = gs
		a.closers = append(a.closers, gs.Close)
		remote, store = gs, gs
		refs = pipeline.Refs{
			Receipts: share.Ref{ID: gcsURI(cfg.Share.Bucket, cfg.Share.ReceiptsPrefix)},
			Ledger:   share.Ref{ID: gcsURI(cfg.Share.Bucket, cfg.Share.LedgerObject)},
			State:    share.Ref{ID: gcsURI(cfg.Share.Bucket, cfg.Share.StateObject)},
		}
	default:
		return nil, fmt.Errorf("app.Build: unknown share backend %q", cfg.Share.Backend)
	}

	if cfg.Store.Backend == config.StoreSQLite {
		s, err := openSQLite()
		if err != nil {
			return nil, fmt.Errorf("app.Build: %w", err)
		}
		store = s
		refs.Ledger = share.Ref{ID: sqliteLedgerKey}
		refs.State = share.Ref{ID: sqliteStateKey}
	}

	gemini, err := ai.NewGeminiClient(ctx, ai.Config{
		APIKey:            cfg.AI.APIKey,
		Model:             cfg.AI.Model,
		RequestTimeout:    cfg.AI.RequestTimeout,
		PollInterval:      cfg.AI.PollInterval,
		MaxProcessingWait: cfg.AI.MaxProcessingWait,
	})
	if err != nil {
		return nil, fmt.Errorf("app.Build: %w", err)
	}

	if cfg.BigQueryEnabled() {
		bq, err := export.NewBigQueryExporter(ctx, cfg.Export.BigQueryProject, cfg.Export.BigQueryDataset, cfg.Export.BigQueryTable)
		if err != nil {
			return nil, fmt.Errorf("app.Build: %w", err)
		}
		a.closers = append(a.closers, bq.Close)
		a.Exporters = append(a.Exporters, bq)
	}
	if cfg.NotionEnabled() {
		a.Exporters = append(a.Exporters, export.NewNotionExporter(
			export.NewNotionClient(cfg.Export.NotionToken), cfg.Export.NotionDatabase))
	}

	a.Syncer = pipeline.NewSyncer(pipeline.Deps{
		Lock:        synclock.New(cfg.Sync.LockFile),
		Share:       remote,
		Store:       store,
		Extractor:   gemini,
		Categorizer: categorizer.New(gemini),
		Exporters:   a.Exporters,
		Refs:        refs,
	})

	if cfg.Jobs.Store == "sqlite" {
		s, err := openSQLite()
		if err != nil {
			return nil, fmt.Errorf("app.Build: %w", err)
		}
		a.JobStore = s
	} else {
		a.JobStore = inmemory.NewStore()
	}
	a.Queue = inmemory.NewQueue(cfg.Jobs.BufferSize, cfg.Jobs.Workers, a.JobStore)
	a.Publisher = &defaultsPublisher{Publisher: a.Queue, maxRetries: cfg.Jobs.MaxRetries}

	return a, nil
}

// HandleJob runs a queued sync job and records its report on the job.
func (a *App) HandleJob(ctx context.Context, job *jobs.SyncJob) error {
	return HandleJob(a.Syncer)(ctx, job)
}

// Syncer is what a job handler drives.
type Syncer interface {
	SyncAll(ctx context.Context) (*pipeline.Report, error)
	SyncFile(ctx context.Context, file share.RemoteFile) (*pipeline.Report, error)
}

// HandleJob returns a job handler that dispatches sync jobs to s.
func HandleJob(s Syncer) jobs.JobHandler {
	return func(ctx context.Context, job *jobs.SyncJob) error {
		var (
			report *pipeline.Report
			err    error
		)
		switch job.Type {
		case jobs.JobTypeFullSync:
			report, err = s.SyncAll(ctx)
		case jobs.JobTypeFileSync:
			if job.File == nil {
				return fmt.Errorf("file sync job %s has no file", job.JobID)
			}
			report, err = s.SyncFile(ctx, *job.File)
		default:
			return fmt.Errorf("unexpected job type: %s", job.Type)
		}

		if report != nil {
			job.Result = &jobs.Result{
				RunID:          report.RunID,
				ProcessedFiles: report.Processed,
				SkippedFiles:   report.Skipped,
				AddedItems:     report.AddedItems,
			}
		}
		return err
	}
}

// Close releases every opened client. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// LogSummary writes the effective wiring at startup.
func (a *App) LogSummary(ctx context.Context) {
	names := make([]string, 0, len(a.Exporters))
	for _, e := range a.Exporters {
		names = append(names, e.Name())
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("share", a.Config.Share.Backend).
		Str("store", a.Config.Store.Backend).
		Str("job_store", a.Config.Jobs.Store).
		Str("model", a.Config.AI.Model).
		Strs("exporters", names).
		Bool("lock_file", a.Config.Sync.LockFile != "").
		Msg("Components wired")
}

// defaultsPublisher fills in the configured retry budget.
type defaultsPublisher struct {
	jobs.Publisher
	maxRetries int
}

func (p *defaultsPublisher) Publish(ctx context.Context, job *jobs.SyncJob) error {
	if job.MaxRetries == 0 {
		job.MaxRetries = p.maxRetries
	}
	return p.Publisher.Publish(ctx, job)
}

func gcsURI(bucket, object string) string {
	return "gs://" + bucket + "/" + strings.TrimLeft(object, "/")
}
