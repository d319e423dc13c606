package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"usage-sync/internal/app"
	"usage-sync/internal/octopus"
)

var (
	showSource string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently stored consumption",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		fuel, err := octopus.ParseFuel(showSource)
		if err != nil {
			return err
		}

		opts := app.ShowOptions{
			Fuel:  fuel,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showSource, "source", "electricity", "Fuel to display: electricity or gas")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of intervals to display")
}
