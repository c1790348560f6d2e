package cli

import (
	"github.com/spf13/cobra"

	"pricewatcher/internal/app"
)

var resolveHealth bool

var resolveCmd = &cobra.Command{
	Use:   "resolve IDENTIFIER...",
	Short: "Resolve identifiers once and print the results as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ResolveOptions{
			Identifiers: args,
			Health:      resolveHealth,
		}
		return getApp().Resolve(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveHealth, "health", false, "Include per-source health after resolving")
}
