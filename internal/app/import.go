package app

import (
	"context"
	"errors"
	"fmt"

	"usage-sync/internal/importer"
)

// Import runs one bounded import per requested fuel. Fuels are processed
// sequentially and independently; a failure in one does not stop the other.
func (a *App) Import(ctx context.Context, opts ImportOptions) error {
	if len(opts.Fuels) == 0 {
		return errors.New("no fuels requested")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	api := a.newClient()
	imp := a.newImporter(api, store)

	var errs []error
	for _, fuel := range opts.Fuels {
		summary, err := imp.ImportRange(ctx, fuel, opts.Start, opts.End, importer.Options{
			DryRun: opts.DryRun,
			Reason: opts.Reason,
		})
		if err != nil {
			if errors.Is(err, importer.ErrLockHeld) {
				a.Logger.Warn().Str("fuel", string(fuel)).Msg("another import holds the lock; skipping")
				continue
			}
			a.Logger.Error().Err(err).Str("fuel", string(fuel)).Msg("import failed")
			errs = append(errs, fmt.Errorf("%s: %w", fuel, err))
			continue
		}

		a.Logger.Info().
			Str("fuel", string(summary.Fuel)).
			Int("consumption_new", summary.ConsumptionNew).
			Int("consumption_updated", summary.ConsumptionUpdated).
			Int("rates_new", summary.RatesNew).
			Int("rates_changed", summary.RatesChanged).
			Bool("dry_run", opts.DryRun).
			Msg("import finished")
	}

	return errors.Join(errs...)
}
