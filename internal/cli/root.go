package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"usage-sync/internal/app"
	"usage-sync/internal/config"
	"usage-sync/internal/logging"
	"usage-sync/internal/octopus"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "usage-sync",
	Short: "Import and reconcile half-hourly energy usage from the billing API",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

// parseFuels expands the --source flag into the fuels to process.
func parseFuels(source string) ([]octopus.Fuel, error) {
	if source == "both" {
		return []octopus.Fuel{octopus.FuelElectricity, octopus.FuelGas}, nil
	}
	fuel, err := octopus.ParseFuel(source)
	if err != nil {
		return nil, err
	}
	return []octopus.Fuel{fuel}, nil
}
