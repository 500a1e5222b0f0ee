// Package report renders merged scan results as terminal tables.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/models"
)

// Options controls what Render prints
type Options struct {
	Limit int  // Rows per side (0 = all)
	Plain bool // ASCII borders, no colour
}

// Render writes the summary, the top calls and puts, and any per-symbol failures
func Render(w io.Writer, merged *models.MergedResult, opts Options) error {
	if merged == nil {
		return fmt.Errorf("no merged result to render")
	}

	if _, err := fmt.Fprintf(w, "Batch %s: %d of %d symbols (%s)\n",
		merged.BatchID, merged.Succeeded, merged.Requested, strings.Join(merged.Symbols, ", ")); err != nil {
		return err
	}
	price := "n/a"
	if merged.UnderlyingPrice != nil {
		price = fmt.Sprintf("%.2f", *merged.UnderlyingPrice)
	}
	expiry := merged.Expiry
	if expiry == "" {
		expiry = "n/a"
	} else if merged.ExpirySource != "" {
		expiry += " (" + merged.ExpirySource + ")"
	}
	if _, err := fmt.Fprintf(w, "Mean underlying price: %s  Expiry: %s\n\n", price, expiry); err != nil {
		return err
	}

	for _, side := range []struct {
		title string
		items []models.OptionScore
	}{
		{"Calls", merged.Calls},
		{"Puts", merged.Puts},
	} {
		tw := newTable(w, opts, side.title)
		tw.AppendHeader(table.Row{"#", "Symbol", "Contract", "Strike", "Expiry", "Bid", "Ask", "IV", "Delta", "OI", "Score"})
		rows := side.items
		if opts.Limit > 0 && len(rows) > opts.Limit {
			rows = rows[:opts.Limit]
		}
		for i, item := range rows {
			tw.AppendRow(table.Row{
				i + 1,
				item.SourceSymbol,
				item.Contract,
				fmt.Sprintf("%.2f", item.Strike),
				item.Expiry,
				fmt.Sprintf("%.2f", item.Bid),
				fmt.Sprintf("%.2f", item.Ask),
				fmt.Sprintf("%.1f%%", item.ImpliedVolatility*100),
				fmt.Sprintf("%.2f", item.Delta),
				item.OpenInterest,
				fmt.Sprintf("%.3f", item.Score),
			})
		}
		tw.AppendFooter(table.Row{"", "", fmt.Sprintf("%d of %d", len(rows), len(side.items))})
		tw.Render()
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}

	if len(merged.FailedKeys) > 0 {
		tw := newTable(w, opts, "Failed symbols")
		tw.AppendHeader(table.Row{"Symbol", "Reason"})
		for _, key := range merged.FailedKeys {
			tw.AppendRow(table.Row{key, merged.Failures[key]})
		}
		tw.Render()
	}

	return nil
}

// RenderFailures writes the per-symbol reasons of a batch in which every symbol failed
func RenderFailures(w io.Writer, failures map[string]string, opts Options) {
	tw := newTable(w, opts, "Failed symbols")
	tw.AppendHeader(table.Row{"Symbol", "Reason"})
	for _, key := range common.SortedKeys(failures) {
		tw.AppendRow(table.Row{key, failures[key]})
	}
	tw.Render()
}

func newTable(w io.Writer, opts Options, title string) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(title)
	if opts.Plain {
		tw.SetStyle(table.StyleDefault)
	} else {
		tw.SetStyle(table.StyleRounded)
		tw.Style().Title.Colors = text.Colors{text.Bold}
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
	})
	return tw
}
