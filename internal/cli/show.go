package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pricewatcher/internal/app"
)

var (
	showLimit      int
	showIdentifier string
	showEvents     bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent samples and source events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Identifier: showIdentifier,
			Limit:      showLimit,
			Events:     showEvents,
		}

		return getApp().Show(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showIdentifier, "identifier", "", "Only show samples of this identifier")
	showCmd.Flags().BoolVar(&showEvents, "events", false, "Also list recent source disable/recover events")
}
