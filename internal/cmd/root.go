// Package cmd implements the provisd command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skyforge/provisd/internal/config"
	"github.com/skyforge/provisd/internal/observability"
)

// Version is injected at build time.
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "provisd",
	Short: "Cloud provisioning job orchestrator",
	Long: `provisd tracks long-running provisioning jobs across cloud backends:
launch, update, and terminate operations run asynchronously while their
status, history, and results stay queryable until the record expires.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Logging.Level = lvl
		}
		return observability.Init(cfg.Logging.Level, cfg.Logging.Profile)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the provisd version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "provisd", Version)
	},
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() {
	defer observability.Sync()
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
