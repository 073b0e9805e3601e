package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/spotcast/internal/pipeline"
	"github.com/wonny/spotcast/internal/window"
)

var windowAt string

// windowCmd represents the window command
var windowCmd = &cobra.Command{
	Use:   "window",
	Short: "Show the run window and freeze cutoff",
	Long: `Print the time axis a run at the given instant would use.

Example:
  go run ./cmd/spotcast window
  go run ./cmd/spotcast window --at 2024-03-30T22:30:00Z`,
	RunE: showWindow,
}

func init() {
	rootCmd.AddCommand(windowCmd)
	windowCmd.Flags().StringVar(&windowAt, "at", "", "run instant (RFC3339, default now)")
}

func showWindow(cmd *cobra.Command, args []string) error {
	instant, err := parseInstant(windowAt)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	clock := pipeline.NewRunClock(instant, window.Config{
		Lookback: cfg.Window.Lookback(),
		Horizon:  cfg.Window.Horizon(),
	}, cfg.Window.Location)
	loc := cfg.Window.Location

	PrintHeader("Run window (" + cfg.Window.Timezone + ")")
	PrintKeyValue("Instant", formatTime(clock.Instant, loc), 14)
	PrintKeyValue("Now", formatTime(clock.Now(), loc), 14)
	PrintKeyValue("Retained start", formatTime(clock.Window.RetainedStart, loc)+" (excl.)", 14)
	PrintKeyValue("Horizon end", formatTime(clock.Window.HorizonEnd, loc), 14)
	PrintKeyValue("Cutoff", formatTime(clock.Cutoff, loc), 14)
	PrintKeyValue("Rows", fmt.Sprintf("%d (%d forward)", clock.Window.Hours(), len(clock.Window.Forward())), 14)

	open := 0
	for _, ts := range clock.Window.Forward() {
		if ts.After(clock.Cutoff) {
			open++
		}
	}
	PrintKeyValue("Open rows", fmt.Sprintf("%d", open), 14)
	return nil
}
