package main

import (
	"context"
	"flag"

	"github.com/dvloznov/receipt-ledger/internal/config"
	"github.com/dvloznov/receipt-ledger/internal/export"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/share/sqlitestore"
)

// migrate prepares storage: the BigQuery export table and the local SQLite
// schema. Both steps are idempotent.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New()
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	var (
		projectID  = flag.String("project", cfg.Export.BigQueryProject, "GCP project ID (or set BIGQUERY_PROJECT)")
		datasetID  = flag.String("dataset", cfg.Export.BigQueryDataset, "BigQuery dataset ID (or set BIGQUERY_DATASET)")
		tableID    = flag.String("table", cfg.Export.BigQueryTable, "BigQuery table for line items")
		sqlitePath = flag.String("sqlite", "", "SQLite database to initialize (defaults to SQLITE_PATH when a sqlite backend is configured)")
	)
	flag.Parse()

	log := logger.NewWithLevel(cfg.Logging.Level, cfg.Logging.JSON)
	ctx := logger.WithContext(context.Background(), log)

	if *sqlitePath == "" && (cfg.Store.Backend == config.StoreSQLite || cfg.Jobs.Store == "sqlite") {
		*sqlitePath = cfg.Store.SQLitePath
	}
	if *projectID == "" && *sqlitePath == "" {
		log.Fatal().Msg("Nothing to migrate: set -project/-dataset for BigQuery or -sqlite")
	}

	if *sqlitePath != "" {
		store, err := sqlitestore.Open(*sqlitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize SQLite schema")
		}
		store.Close()
		log.Info().Str("path", *sqlitePath).Msg("SQLite schema is up to date")
	}

	if *projectID != "" {
		if *datasetID == "" {
			log.Fatal().Msg("Error: -dataset is required with -project")
		}

		exporter, err := export.NewBigQueryExporter(ctx, *projectID, *datasetID, *tableID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create BigQuery client")
		}
		defer exporter.Close()

		log.Info().Str("project", *projectID).Str("dataset", *datasetID).Str("table", *tableID).Msg("Connected to BigQuery")

		created, err := exporter.EnsureTable(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure line item table")
		}
		if created {
			log.Info().Msg("Created line item table")
		} else {
			log.Info().Msg("Line item table already exists. Nothing to do.")
		}
	}
}
