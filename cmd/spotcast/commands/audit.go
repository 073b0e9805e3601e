package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/spotcast/internal/audit"
	"github.com/wonny/spotcast/internal/freeze"
)

var auditDays int

// auditCmd represents the audit command
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Score frozen predictions against observed prices",
	Long: `Compare the predictions kept for settled hours with the prices that
were observed afterwards.

Example:
  go run ./cmd/spotcast audit
  go run ./cmd/spotcast audit --days 30`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().IntVar(&auditDays, "days", 7, "days to look back from now")
}

func runAudit(cmd *cobra.Command, args []string) error {
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

	now := time.Now().UTC()
	start := now.Add(-time.Duration(auditDays) * 24 * time.Hour)
	cutoff := freeze.Cutoff(now, cfg.Window.Location)
	report, err := audit.NewAnalyzer(cfg.Window.Location, log.Zerolog()).Analyze(t, start, now, cutoff)
	if errors.Is(err, audit.ErrNoPairs) {
		PrintWarning("no settled hour has both a prediction and a price yet")
		return nil
	}
	if err != nil {
		return err
	}

	PrintHeader(fmt.Sprintf("Forecast accuracy, last %d days", auditDays))
	PrintKeyValue("Hours", fmt.Sprintf("%d", report.Hours), 6)
	PrintKeyValue("MAE", fmt.Sprintf("%.3f c/kWh", report.MAE), 6)
	PrintKeyValue("RMSE", fmt.Sprintf("%.3f c/kWh", report.RMSE), 6)
	PrintKeyValue("Bias", fmt.Sprintf("%+.3f c/kWh", report.Bias), 6)
	PrintKeyValue("Corr", fmt.Sprintf("%.3f", report.Corr), 6)
	PrintSeparator()

	widths := []int{12, 6, 8, 8}
	PrintTableHeader([]string{"DATE", "HOURS", "MAE", "BIAS"}, widths)
	for _, d := range report.Days {
		PrintTableRow([]string{
			d.Date,
			fmt.Sprintf("%d", d.Hours),
			fmt.Sprintf("%.3f", d.MAE),
			fmt.Sprintf("%+.3f", d.Bias),
		}, widths)
	}
	return nil
}
