package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "spotcast",
	Short: "Rolling hourly spot price forecast",
	Long: `spotcast keeps one hourly table of weather, nuclear production and
spot prices, retrains a price model on it and writes predictions for the
hours after the freeze cutoff.

Usage:
  go run ./cmd/spotcast [command]

Examples:
  go run ./cmd/spotcast run
  go run ./cmd/spotcast run --at 2024-03-01T05:00:00Z --dry-run
  go run ./cmd/spotcast window
  go run ./cmd/spotcast table --tail 48
  go run ./cmd/spotcast scheduler start`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}
