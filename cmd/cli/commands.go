package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvloznov/receipt-ledger/internal/app"
	"github.com/dvloznov/receipt-ledger/internal/config"
	"github.com/dvloznov/receipt-ledger/internal/export"
	"github.com/dvloznov/receipt-ledger/internal/lineitem"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/pipeline"
	"github.com/dvloznov/receipt-ledger/internal/share"
	"github.com/dvloznov/receipt-ledger/internal/tabular"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Process every unprocessed receipt on the share",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(c context.Context, a *app.App) error {
				report, err := a.Syncer.SyncAll(c)
				printReport(cmd.OutOrStdout(), report)
				return err
			})
		},
	}
}

func newSyncFileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-file <name>",
		Short: "Process one receipt by file name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(c context.Context, a *app.App) error {
				report, err := a.Syncer.SyncFile(c, share.RemoteFile{Name: args[0]})
				printReport(cmd.OutOrStdout(), report)
				return err
			})
		},
	}
}

func newLedgerCommand(ctx *commandContext) *cobra.Command {
	var raw bool
	var seller string

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show the persisted ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(c context.Context, a *app.App) error {
				if raw {
					text, err := a.Syncer.LedgerText(c)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), text)
					return nil
				}

				l, err := a.Syncer.Ledger(c)
				if err != nil {
					return err
				}
				items := filterBySeller(l.Items(), seller)
				fmt.Fprintln(cmd.OutOrStdout(), renderLineItems(items))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the stored text instead of a table")
	cmd.Flags().StringVar(&seller, "seller", "", "Only show items from this seller")
	return cmd
}

func newStateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "List the fingerprints of processed files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(c context.Context, a *app.App) error {
				st, err := a.Syncer.State(c)
				if err != nil {
					return err
				}
				for _, fp := range st.Fingerprints() {
					fmt.Fprintln(cmd.OutOrStdout(), fp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d processed files\n", st.Len())
				return nil
			})
		},
	}
}

func newExportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Send the whole ledger to the configured exporters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(c context.Context, a *app.App) error {
				if len(a.Exporters) == 0 {
					return errors.New("no exporters configured (set BIGQUERY_* or NOTION_*)")
				}
				l, err := a.Syncer.Ledger(c)
				if err != nil {
					return err
				}
				failed := export.RunAll(c, a.Exporters, l.Items())
				if failed > 0 {
					return fmt.Errorf("%d of %d exporters failed", failed, len(a.Exporters))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d line items to %d sinks\n", l.Len(), len(a.Exporters))
				return nil
			})
		},
	}
}

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a receipt to the Cloud Storage receipt folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()

			if name == "" {
				name = filepath.Base(path)
			}
			contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
			if contentType == "" {
				contentType = "application/octet-stream"
			}

			return ctx.withApp(cmd.Context(), func(c context.Context, a *app.App) error {
				if a.GCS == nil {
					return fmt.Errorf("upload needs SHARE_BACKEND=%s", config.ShareGCS)
				}
				ref := a.Syncer.Refs().Receipts
				if err := a.GCS.Upload(c, ref, name, contentType, f); err != nil {
					return err
				}
				log := logger.FromContext(c)
				log.Info().Str("receipts", ref.ID).Str("name", name).Msg("Uploaded receipt")
				fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s to %s%s\n", path, ref.ID, name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Object name (defaults to the file name)")
	return cmd
}

func newParseExportCommand(ctx *commandContext) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "parse-export <file>",
		Short: "Parse a local tabular purchase export without touching the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()

			c := logger.WithContext(cmd.Context(), ctx.logger())
			items, err := tabular.Parse(c, f)
			if err != nil {
				return err
			}

			if raw {
				for _, it := range items {
					fmt.Fprintln(cmd.OutOrStdout(), lineitem.Format(it))
				}
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderLineItems(items))
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print ledger rows instead of a table")
	return cmd
}

func renderLineItems(items []lineitem.LineItem) string {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{it.ArticleName, it.Quantity, it.UnitPrice, it.TotalPrice, it.DateTime, it.Seller, it.Category})
	}
	aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft, alignLeft}
	return renderTable(lineitem.Header, rows, aligns, fmt.Sprintf("%d items", len(items)))
}

func filterBySeller(items []lineitem.LineItem, seller string) []lineitem.LineItem {
	if seller == "" {
		return items
	}
	out := items[:0:0]
	for _, it := range items {
		if strings.EqualFold(it.Seller, seller) {
			out = append(out, it)
		}
	}
	return out
}

func printReport(w io.Writer, report *pipeline.Report) {
	if report == nil {
		return
	}
	fmt.Fprintf(w, "Run %s: %d processed, %d skipped, %d line items added (%s)\n",
		report.RunID, len(report.Processed), len(report.Skipped), report.AddedItems, report.Duration.Round(time.Millisecond))
	for _, name := range report.Processed {
		fmt.Fprintf(w, "  + %s\n", name)
	}
	for _, name := range report.Skipped {
		fmt.Fprintf(w, "  = %s\n", name)
	}
}
