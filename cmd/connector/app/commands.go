// Package app provides the entry point for the connector command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chatlink/connector/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "connector",
	DisableAutoGenTag: true,
	Short:             "Links chat-platform identities to vendor identities over OAuth",
	Long: `The connector links a chat-platform principal to an identity in an external
vendor system. It drives a stateless multi-hop OAuth sign-in flow with one-time
verification codes, provisions a per-principal notification artifact on the
hosting platform, and gates every cross-component call with capability-style
permission checks.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the connector CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file")
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		logger.Panicf("failed to bind root command flags: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
