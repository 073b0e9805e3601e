package config_test

import (
	"fmt"

	"github.com/wonny/spotcast/pkg/config"
)

// Example demonstrates how to use the config package
func Example() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return
	}

	// Access configuration values
	fmt.Printf("Environment: %s\n", cfg.Env)
	fmt.Printf("Store: %s (%s)\n", cfg.Store.Backend, cfg.Store.DataPath)
	fmt.Printf("Window: %v back, %v ahead\n", cfg.Window.Lookback(), cfg.Window.Horizon())
	fmt.Printf("Schedule: %s\n", cfg.Scheduler.RunSchedule)
}
