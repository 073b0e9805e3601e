package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/spotcast/internal/freeze"
	"github.com/wonny/spotcast/internal/pipeline"
)

var (
	runAt     string
	runDryRun bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one forecast cycle",
	Long: `Load the table, extend it to the run window, fetch every source,
merge, retrain the model and write predictions after the freeze cutoff.

Example:
  go run ./cmd/spotcast run
  go run ./cmd/spotcast run --at 2024-03-01T05:00:00Z --dry-run`,
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runAt, "at", "", "run instant (RFC3339, default now)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "do not save the table")
}

// parseInstant returns --at or the current time
func parseInstant(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: %w", s, err)
	}
	return t, nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	instant, err := parseInstant(runAt)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, runErr := a.runner.Run(ctx, instant, pipeline.Options{DryRun: runDryRun})
	if report != nil {
		printReport(report, a.cfg.Window.Location)
	}
	if runErr != nil {
		if errors.Is(runErr, freeze.ErrNoTrainingData) {
			PrintError("no complete training rows: features saved, no predictions written")
		}
		return runErr
	}
	return nil
}

func printReport(r *pipeline.Report, loc *time.Location) {
	PrintHeader("Spot forecast run")
	PrintKeyValue("Instant", formatTime(r.Clock.Instant, loc), 12)
	PrintKeyValue("Now", formatTime(r.Clock.Now(), loc), 12)
	PrintKeyValue("Horizon end", formatTime(r.Clock.Window.HorizonEnd, loc), 12)
	PrintKeyValue("Cutoff", formatTime(r.Clock.Cutoff, loc), 12)
	PrintKeyValue("Rows", fmt.Sprintf("%d (+%d, -%d evicted)", r.Rows, r.Added, r.Evicted), 12)
	PrintKeyValue("Price hours", fmt.Sprintf("%d (%.1f days)", r.PricedRows, float64(r.PricedRows)/24), 12)
	PrintSeparator()

	widths := []int{10, 10, 32, 7, 9}
	PrintTableHeader([]string{"SOURCE", "MODE", "RANGE", "POINTS", "TIME"}, widths)
	for _, f := range r.Fetches {
		PrintTableRow([]string{
			f.Adapter,
			f.Precedence,
			f.Start.UTC().Format("01-02 15h") + " .. " + f.End.UTC().Format("01-02 15h"),
			fmt.Sprintf("%d", f.Points),
			f.Duration.Round(time.Millisecond).String(),
		}, widths)
		if f.Error != "" {
			PrintWarning(f.Adapter + ": " + f.Error)
		}
	}
	PrintSeparator()

	widths = []int{10, 20, 7, 9, 9}
	PrintTableHeader([]string{"SOURCE", "COLUMN", "FILLED", "REPLACED", "OUTSIDE"}, widths)
	for _, m := range r.Merges {
		PrintTableRow([]string{
			m.Source,
			m.Column,
			fmt.Sprintf("%d", m.Filled),
			fmt.Sprintf("%d", m.Replaced),
			fmt.Sprintf("%d", m.Outside),
		}, widths)
	}
	if r.Carried > 0 {
		PrintKeyValue("Carried", fmt.Sprintf("%d cells from previous snapshot", r.Carried), 12)
	}
	PrintSeparator()

	if q := r.Quality; q != nil {
		PrintKeyValue("Coverage", fmt.Sprintf("%.0f%% of history cells", 100*q.Score), 12)
		if !q.Passed {
			PrintWarning(fmt.Sprintf("low coverage: %v", q.Failed()))
		}
	}

	if f := r.Freeze; f != nil {
		PrintKeyValue("Trained", fmt.Sprintf("%d rows (holdout %d)", f.Trained, f.Metrics.Holdout), 12)
		PrintKeyValue("MAE / R2", fmt.Sprintf("%.3f / %.3f", f.Metrics.MAE, f.Metrics.R2), 12)
		PrintKeyValue("Written", fmt.Sprintf("%d open rows (%d imputed, %d incomplete)", f.Written, f.Imputed, f.Incomplete), 12)
		PrintKeyValue("Settled", fmt.Sprintf("%d rows kept", f.Settled), 12)
	}

	switch {
	case r.Saved:
		PrintSuccess("Table saved")
	case r.DryRun:
		PrintWarning("Dry run: table not saved")
	}
}
