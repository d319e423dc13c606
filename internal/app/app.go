package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"usage-sync/internal/alerting"
	"usage-sync/internal/auditor"
	"usage-sync/internal/config"
	"usage-sync/internal/importer"
	"usage-sync/internal/logging"
	"usage-sync/internal/octopus"
	"usage-sync/internal/rates"
	"usage-sync/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newClient() *octopus.Client {
	return octopus.NewClient(octopus.Options{
		BaseURL:           a.Config.Octopus.BaseURL,
		APIKey:            a.Config.Octopus.APIKey,
		AccountNumber:     a.Config.Octopus.AccountNumber,
		MPAN:              a.Config.Octopus.MPAN,
		ElectricitySerial: a.Config.Octopus.ElectricitySerial,
		MPRN:              a.Config.Octopus.MPRN,
		GasSerial:         a.Config.Octopus.GasSerial,
		PageSize:          a.Config.Octopus.PageSize,
		Timeout:           a.Config.Octopus.RequestTimeout,
		UserAgent:         a.Config.Octopus.UserAgent,
	}, a.Logger)
}

func (a *App) newImporter(api octopus.API, store *storage.Store) *importer.Importer {
	resolver := rates.NewResolver(api, rates.Options{
		MPAN:          a.Config.Octopus.MPAN,
		MPRN:          a.Config.Octopus.MPRN,
		WindowDays:    a.Config.Import.RateWindowDays,
		PaymentMethod: a.Config.Import.PaymentMethod,
	}, a.Logger)

	return importer.New(api, resolver, store, a.newActivityLog(), importer.Config{
		BackfillDays:    a.Config.Import.BackfillDays,
		AdvisoryLockKey: a.Config.Import.AdvisoryLockKey,
	}, a.Logger)
}

func (a *App) newAuditor(api octopus.API, store *storage.Store) *auditor.Auditor {
	cfg := a.Config.Audit
	return auditor.New(api, store, a.newNotifier(), a.newActivityLog(), auditor.Config{
		Tolerances: auditor.Tolerances{
			ElectricToleranceKWh: cfg.ElectricToleranceKWh,
			GasTolerancePct:      cfg.GasTolerancePct,
			GasFailPct:           cfg.GasFailPct,
			OutlierKWh:           cfg.OutlierKWh,
			OutlierPct:           cfg.OutlierPct,
		},
		GasConversion: auditor.GasConversion{
			Min:            cfg.CVMin,
			Max:            cfg.CVMax,
			Default:        cfg.CVDefault,
			ExplainablePct: cfg.CVExplainablePct,
		},
		RetryAttempts:    cfg.RetryAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		CriticalFailures: cfg.CriticalFailures,
		SpotSamples:      cfg.SpotSamples,
		LogPath:          cfg.LogPath,
		NotifyUncertain:  cfg.NotifyUncertain,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newActivityLog() *logging.ActivityLog {
	return logging.NewActivityLog(a.Config.Audit.LogPath)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// ImportOptions configure one import invocation.
type ImportOptions struct {
	Start  time.Time
	End    time.Time
	Fuels  []octopus.Fuel
	DryRun bool
	Reason string
}

// AuditOptions configure one audit invocation.
type AuditOptions struct {
	Mode   auditor.Mode
	Fuels  []octopus.Fuel
	Start  *time.Time
	End    *time.Time
	Seed   int64
	Notify bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Fuel  octopus.Fuel
	Limit int
}

// ExportOptions hold parameters for exporting stored usage.
type ExportOptions struct {
	Fuel      octopus.Fuel
	From      *time.Time
	To        *time.Time
	CSVPath   string
	PNGPath   string
	MaxPoints int
}
