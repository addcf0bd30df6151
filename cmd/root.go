// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Crawl orchestration service for investment research sources",
		Long: `harvester schedules, rate-limits and executes crawls against RSS
feeds, public web pages and authenticated account-search endpoints. It tracks
per-source health, degrades to headless-browser acquisition when direct
requests start failing, and exposes an admin API for operating the fleet.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and HARVESTER_* env vars apply when unset)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWarmupCmd())

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
