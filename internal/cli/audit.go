package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"usage-sync/internal/app"
	"usage-sync/internal/auditor"
)

var (
	auditMode   string
	auditSource string
	auditStart  string
	auditEnd    string
	auditSeed   int64
	auditNotify bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Reconcile stored usage against the billing API",
	Long: `Reconcile stored usage against the billing API without writing to storage.

Exits 0 when the audit completes, 1 on operational failure, and 2 when the
number of FAIL findings reaches the configured critical threshold.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := auditor.ParseMode(auditMode)
		if err != nil {
			return err
		}

		fuels, err := parseFuels(auditSource)
		if err != nil {
			return err
		}

		opts := app.AuditOptions{
			Mode:   mode,
			Fuels:  fuels,
			Seed:   auditSeed,
			Notify: auditNotify,
		}

		if auditStart != "" {
			start, err := time.Parse(time.RFC3339, auditStart)
			if err != nil {
				return fmt.Errorf("invalid --start value: %w", err)
			}
			opts.Start = &start
		}

		if auditEnd != "" {
			end, err := time.Parse(time.RFC3339, auditEnd)
			if err != nil {
				return fmt.Errorf("invalid --end value: %w", err)
			}
			opts.End = &end
		}

		if (opts.Start == nil) != (opts.End == nil) {
			return fmt.Errorf("--start and --end must be provided together")
		}

		status, err := getApp().Audit(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if status != auditor.ExitOK {
			os.Exit(int(status))
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditMode, "mode", "regular", "Audit mode: full, regular, or spot")
	auditCmd.Flags().StringVar(&auditSource, "source", "both", "Fuel to audit: electricity, gas, or both")
	auditCmd.Flags().StringVar(&auditStart, "start", "", "Period start for full mode (RFC3339, inclusive)")
	auditCmd.Flags().StringVar(&auditEnd, "end", "", "Period end for full mode (RFC3339, exclusive)")
	auditCmd.Flags().Int64Var(&auditSeed, "seed", 0, "Spot sampling seed (defaults to config)")
	auditCmd.Flags().BoolVar(&auditNotify, "notify", false, "Send a notification when failures are found")
}
