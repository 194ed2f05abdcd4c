package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/receipt-ledger/internal/lineitem"
	"github.com/dvloznov/receipt-ledger/internal/pipeline"
)

func TestParseExportCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.csv")
	content := "Datum;Zeit;Filiale;Kassennummer;Transaktionsnummer;Artikel;Menge;Aktion;Umsatz\n" +
		"05.09.2024;12:50:16;MM X;267;81;Rice Cracker;0.235;0.00;1.95\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"parse-export", "--raw", path})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "Rice Cracker,0.235,0.46,1.95,2024-09-05T12:50:16,Migros,\n", out.String())
}

func TestParseExportCommand_MissingFile(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"parse-export", filepath.Join(t.TempDir(), "nope.csv")})
	assert.Error(t, cmd.Execute())
}

func TestRenderLineItems(t *testing.T) {
	out := renderLineItems([]lineitem.LineItem{
		{ArticleName: "Milch", Quantity: "1", UnitPrice: "1.50", TotalPrice: "1.50", DateTime: "2024-09-05T12:50:16", Seller: "Coop", Category: "Milchprodukt"},
	})
	assert.Contains(t, out, "Artikelbezeichnung")
	assert.Contains(t, out, "Milchprodukt")
	assert.Contains(t, out, "1 items")
	assert.NotContains(t, out, "<NIL>")
	assert.NotContains(t, out, "ITEMS")
}

func TestFilterBySeller(t *testing.T) {
	items := []lineitem.LineItem{{ArticleName: "a", Seller: "Coop"}, {ArticleName: "b", Seller: "Migros"}}

	assert.Len(t, filterBySeller(items, ""), 2)
	got := filterBySeller(items, "migros")
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ArticleName)
	assert.Equal(t, "a", items[0].ArticleName, "input must not be modified")
}

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	printReport(&out, &pipeline.Report{
		RunID:      "run-1",
		Processed:  []string{"a.jpg"},
		Skipped:    []string{"b.jpg"},
		AddedItems: 3,
		Duration:   1500 * time.Millisecond,
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Run run-1: 1 processed, 1 skipped, 3 line items added (1.5s)", lines[0])
	assert.Equal(t, "  + a.jpg", lines[1])
	assert.Equal(t, "  = b.jpg", lines[2])

	out.Reset()
	printReport(&out, nil)
	assert.Empty(t, out.String())
}
