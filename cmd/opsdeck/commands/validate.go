package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opsdeck/opsdeck/pkg/config"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Loads the configuration file, applies environment overrides, and runs
full validation without starting the engine. Exits non-zero when the
configuration is invalid.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			fmt.Printf("Configuration is valid\n")
			fmt.Printf("  database: %s\n", cfg.Database.Path)
			fmt.Printf("  workers: %d, queue: %d\n", cfg.Orchestrator.Workers, cfg.Orchestrator.QueueSize)
			fmt.Printf("  integrations: %d\n", len(cfg.Integrations))
			for _, ic := range cfg.Integrations {
				fmt.Printf("    - %s (%s, priority %d)\n", ic.Name, ic.Kind, ic.Priority)
			}
			return nil
		},
	}
}
