package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opsdeck",
		Short: "OpsDeck - Plugin Aggregation and Execution Orchestration Engine",
		Long: `OpsDeck fronts a fleet of automation backends (PuppetDB, Puppet Server,
Bolt, direct SSH) behind one service. It routes execution requests to the
best available backend, merges inventory and facts from multiple sources,
and streams live output from running executions.

Features:
  - Priority-routed plugin registry with per-plugin circuit breaking
  - Async execution orchestration with persistence and crash recovery
  - Live output streaming with replay for late subscribers
  - Multi-source node and facts aggregation with per-field priority merge
  - Rego policy admission control`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
