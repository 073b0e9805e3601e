package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/table"
)

var tableTail int

// tableCmd represents the table command
var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Summarize the persisted table",
	Long: `Print row coverage per column and the last rows of the table.

Example:
  go run ./cmd/spotcast table
  go run ./cmd/spotcast table --tail 48`,
	RunE: showTable,
}

func init() {
	rootCmd.AddCommand(tableCmd)
	tableCmd.Flags().IntVar(&tableTail, "tail", 24, "number of trailing rows to print")
}

func showTable(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, log: log}
	defer a.Close()
	if err := a.openStore(ctx); err != nil {
		return err
	}

	t, err := a.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load table: %w", err)
	}

	loc := cfg.Window.Location
	PrintHeader("Table (" + cfg.Store.Backend + ")")
	if t.Len() == 0 {
		PrintWarning("table is empty")
		return nil
	}
	first, _ := t.First()
	last, _ := t.Last()
	PrintKeyValue("Rows", fmt.Sprintf("%d", t.Len()), 8)
	PrintKeyValue("First", formatTime(first, loc), 8)
	PrintKeyValue("Last", formatTime(last, loc), 8)
	if gaps := t.Gaps(first, last); len(gaps) > 0 {
		PrintWarning(fmt.Sprintf("%d missing hours, first %s", len(gaps), formatTime(gaps[0], loc)))
	}
	PrintSeparator()

	widths := []int{24, 8, 8}
	PrintTableHeader([]string{"COLUMN", "FILLED", "COVER"}, widths)
	for _, col := range t.Columns() {
		n := filled(t, col)
		PrintTableRow([]string{
			col,
			fmt.Sprintf("%d", n),
			fmt.Sprintf("%.0f%%", 100*float64(n)/float64(t.Len())),
		}, widths)
	}
	PrintSeparator()

	cols := []string{contracts.ColNuclear, contracts.ColPrice, contracts.ColPredicted}
	widths = []int{20, 14, 12, 18}
	PrintTableHeader(append([]string{"TIMESTAMP (UTC)"}, cols...), widths)
	index := t.Index()
	start := len(index) - tableTail
	if start < 0 {
		start = 0
	}
	for _, ts := range index[start:] {
		row := []string{ts.Format("2006-01-02 15:04")}
		for _, c := range cols {
			row = append(row, formatValue(t.Get(ts, c)))
		}
		PrintTableRow(row, widths)
	}
	return nil
}

func filled(t *table.Table, column string) int {
	n := 0
	for _, ts := range t.Index() {
		if t.Get(ts, column) != nil {
			n++
		}
	}
	return n
}
