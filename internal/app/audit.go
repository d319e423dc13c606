package app

import (
	"context"
	"errors"

	"usage-sync/internal/auditor"
)

// Audit reconciles stored usage against the billing API for each requested
// fuel and reports the worst exit status observed.
func (a *App) Audit(ctx context.Context, opts AuditOptions) (auditor.ExitStatus, error) {
	if len(opts.Fuels) == 0 {
		return auditor.ExitOK, errors.New("no fuels requested")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return auditor.ExitOK, err
	}
	defer closeStore()

	aud := a.newAuditor(a.newClient(), store)

	if opts.Seed == 0 {
		opts.Seed = a.Config.Audit.SpotSeed
	}

	worst := auditor.ExitOK
	for _, fuel := range opts.Fuels {
		status, err := aud.Run(ctx, opts.Mode, fuel, auditor.Options{
			Start:  opts.Start,
			End:    opts.End,
			Seed:   opts.Seed,
			Notify: opts.Notify,
		})
		if err != nil {
			return worst, err
		}
		if status > worst {
			worst = status
		}
	}
	return worst, nil
}
