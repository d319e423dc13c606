package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"usage-sync/internal/importer"
	"usage-sync/internal/interval"
	"usage-sync/internal/octopus"
	"usage-sync/internal/scheduler"
)

// Run executes the long-running import service: at every scheduler tick it
// re-imports the trailing backfill window for both fuels. Re-importing an
// already-complete window is a cheap no-op thanks to gap detection.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	api := a.newClient()
	imp := a.newImporter(api, store)

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToBucket:  a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	backfill := time.Duration(a.Config.Import.BackfillDays) * 24 * time.Hour

	a.Logger.Info().Msg("starting rolling import service")
	err = sched.Run(ctx, func(ctx context.Context, asOf time.Time) error {
		end := interval.AlignBack(asOf)
		start := end.Add(-backfill)
		if !start.Before(end) {
			return nil
		}

		var errs []error
		for _, fuel := range []octopus.Fuel{octopus.FuelElectricity, octopus.FuelGas} {
			opts := importer.Options{Reason: "scheduled rolling import"}
			if _, err := imp.ImportRange(ctx, fuel, start, end, opts); err != nil {
				a.Logger.Error().Err(err).Str("fuel", string(fuel)).Msg("scheduled import failed")
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rolling import service stopped")
	return nil
}
