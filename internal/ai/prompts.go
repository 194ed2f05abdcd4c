package ai

import "strings"

// Categories suggested to the model. Receipts are German, so are the names.
var Categories = []string{
	"Frucht", "Gemüse", "Milchprodukt", "Käse", "Eier", "Öl", "Süssigkeit",
	"Getränk", "Alkohol", "Fleisch", "Fleischersatz", "Gebäck",
}

// knownSellers are reported in their short form.
var knownSellers = []string{"Migros", "Coop", "Aldi", "Lidl"}

func extractionPrompt() string {
	return "You read tabular data from a German shopping receipt and output it as CSV.\n\n" +
		"Output rules:\n" +
		"- Output raw CSV rows only. No Markdown, no code fences, no explanations.\n" +
		"- The first row is the header: Artikelbezeichnung,Menge,Preis,Total,Datetime,Seller\n" +
		"- One row per purchased article, in receipt order.\n" +
		"- Use a comma as column delimiter and a dot as decimal separator.\n" +
		"- Never put a comma inside a value; replace commas in article names with a space.\n" +
		"- 'Datetime' holds the literal date and time printed on the receipt, unchanged. It is the same for every row.\n" +
		"- 'Seller' holds the name of the receipt issuer. It is the same for every row.\n" +
		"- If the seller name contains one of " + strings.Join(knownSellers, ", ") + ", use that short form.\n" +
		"- Skip totals, subtotals, payment lines, VAT summaries and loyalty points.\n"
}

const extractionRequest = "Extract the line items from the attached receipt. " +
	"The columns in the receipt are Artikelbezeichnung, Menge, Preis, Total."

func categorizationPrompt() string {
	return "You categorize shopping items by their German article name into one of these categories:\n" +
		strings.Join(Categories, ", ") + ".\n" +
		"You may use another suitable category name if none of the suggested ones match.\n" +
		"If you cannot find a good category, think about a suitable name again. " +
		"Only as a last resort use a hyphen \"-\".\n\n" +
		"Each input line has the format <technical-prefix>,<article-name>. " +
		"Neither part contains a comma, so the comma is the column delimiter.\n" +
		"For each and every input line, output the exact input line again and append a comma and the category name.\n" +
		"Do not skip any line. Output nothing else: no introduction, no code fences.\n"
}
