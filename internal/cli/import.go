package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"usage-sync/internal/app"
)

var (
	importStart  string
	importEnd    string
	importSource string
	importDryRun bool
	importReason string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import half-hourly usage and tariff rates for a bounded period",
	RunE: func(cmd *cobra.Command, args []string) error {
		if importStart == "" || importEnd == "" {
			return fmt.Errorf("--start and --end must be provided")
		}

		start, err := time.Parse(time.RFC3339, importStart)
		if err != nil {
			return fmt.Errorf("invalid --start value: %w", err)
		}

		end, err := time.Parse(time.RFC3339, importEnd)
		if err != nil {
			return fmt.Errorf("invalid --end value: %w", err)
		}

		if !start.Before(end) {
			return fmt.Errorf("--start must be before --end")
		}

		fuels, err := parseFuels(importSource)
		if err != nil {
			return err
		}

		opts := app.ImportOptions{
			Start:  start,
			End:    end,
			Fuels:  fuels,
			DryRun: importDryRun,
			Reason: importReason,
		}

		return getApp().Import(cmd.Context(), opts)
	},
}

func init() {
	importCmd.Flags().StringVar(&importStart, "start", "", "Period start (RFC3339, inclusive)")
	importCmd.Flags().StringVar(&importEnd, "end", "", "Period end (RFC3339, exclusive)")
	importCmd.Flags().StringVar(&importSource, "source", "both", "Fuel to import: electricity, gas, or both")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Plan the import without writing to storage")
	importCmd.Flags().StringVar(&importReason, "reason", "", "Free-text reason recorded with the import")
}
