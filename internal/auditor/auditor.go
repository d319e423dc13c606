// Package auditor independently re-derives usage totals from the billing API
// and reconciles them against the store, classifying every discrepancy rather
// than throwing. The store is never written; only the notifier and logs see
// results.
package auditor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"usage-sync/internal/alerting"
	"usage-sync/internal/interval"
	"usage-sync/internal/logging"
	"usage-sync/internal/octopus"
	"usage-sync/internal/storage"
)

// Mode selects the sweep strategy.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeRegular Mode = "regular"
	ModeSpot    Mode = "spot"
)

// ParseMode validates a CLI mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeFull:
		return ModeFull, nil
	case ModeRegular:
		return ModeRegular, nil
	case ModeSpot:
		return ModeSpot, nil
	}
	return "", fmt.Errorf("unknown audit mode %q (want full, regular, or spot)", s)
}

// ExitStatus maps the run outcome to a process exit code.
type ExitStatus int

const (
	ExitOK       ExitStatus = 0
	ExitCritical ExitStatus = 2
)

type granularity int

const (
	byDay granularity = iota
	byInterval
)

// Options configure a single audit run.
type Options struct {
	Start  *time.Time
	End    *time.Time
	Seed   int64
	Notify bool
}

// Config carries the operationally tuned audit constants.
type Config struct {
	Tolerances       Tolerances
	GasConversion    GasConversion
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	CriticalFailures int
	SpotSamples      int
	LogPath          string
	NotifyUncertain  bool
}

// Rollup aggregates findings across all audited periods.
type Rollup struct {
	Periods    int
	Pass       int
	Fail       int
	Uncertain  int
	Outliers   int
	Hypotheses []string
}

func (r *Rollup) add(findings []Finding) {
	for _, f := range findings {
		switch f.Classification {
		case ClassPass:
			r.Pass++
		case ClassFail:
			r.Fail++
		case ClassUncertain:
			r.Uncertain++
		}
		if f.Outlier {
			r.Outliers++
		}
	}
}

// Auditor reconciles stored usage against the billing API.
type Auditor struct {
	api      octopus.API
	store    storage.AuditStore
	notifier alerting.Notifier
	activity *logging.ActivityLog
	logger   zerolog.Logger
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an Auditor. notifier may be nil.
func New(api octopus.API, store storage.AuditStore, notifier alerting.Notifier, activity *logging.ActivityLog, cfg Config, logger zerolog.Logger) *Auditor {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 4
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.SpotSamples <= 0 {
		cfg.SpotSamples = 20
	}

	return &Auditor{
		api:      api,
		store:    store,
		notifier: notifier,
		activity: activity,
		logger:   logger.With().Str("component", "auditor").Logger(),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

type period struct {
	from time.Time
	to   time.Time
}

// Run executes one audit sweep. A data-level mismatch is a finding, never an
// error; only exhausted retries or store failures abort the run.
func (a *Auditor) Run(ctx context.Context, mode Mode, fuel octopus.Fuel, opts Options) (ExitStatus, error) {
	periods, gran, err := a.periods(ctx, mode, fuel, opts)
	if err != nil {
		return ExitOK, err
	}
	if len(periods) == 0 {
		a.logger.Info().Str("fuel", string(fuel)).Str("mode", string(mode)).Msg("nothing to audit")
		return ExitOK, nil
	}

	rollup := Rollup{Periods: len(periods)}
	for _, p := range periods {
		findings, hypothesis, err := a.auditPeriod(ctx, fuel, p, gran)
		if err != nil {
			a.activity.Append(fmt.Sprintf("audit %s %s: FATAL %s..%s: %v",
				fuel, mode, p.from.Format(time.RFC3339), p.to.Format(time.RFC3339), err))
			return ExitOK, fmt.Errorf("audit %s..%s: %w", p.from.Format(time.RFC3339), p.to.Format(time.RFC3339), err)
		}
		if hypothesis != "" {
			rollup.Hypotheses = append(rollup.Hypotheses, hypothesis)
		}
		rollup.add(findings)
		a.logFindings(fuel, p, findings)
	}

	a.logger.Info().
		Str("fuel", string(fuel)).
		Str("mode", string(mode)).
		Int("periods", rollup.Periods).
		Int("pass", rollup.Pass).
		Int("fail", rollup.Fail).
		Int("uncertain", rollup.Uncertain).
		Int("outliers", rollup.Outliers).
		Msg("audit complete")

	a.activity.Append(fmt.Sprintf("audit %s %s: %d periods, %d pass, %d fail (%d outliers), %d uncertain",
		fuel, mode, rollup.Periods, rollup.Pass, rollup.Fail, rollup.Outliers, rollup.Uncertain))

	a.maybeNotify(ctx, mode, fuel, rollup, opts)

	if a.cfg.CriticalFailures > 0 && rollup.Fail >= a.cfg.CriticalFailures {
		return ExitCritical, nil
	}
	return ExitOK, nil
}

func (a *Auditor) periods(ctx context.Context, mode Mode, fuel octopus.Fuel, opts Options) ([]period, granularity, error) {
	now := a.now()

	switch mode {
	case ModeFull:
		from, to := time.Time{}, time.Time{}
		if opts.Start != nil && opts.End != nil {
			from, to = opts.Start.UTC(), opts.End.UTC()
		} else {
			min, max, ok, err := a.store.DataBounds(ctx, fuel)
			if err != nil {
				return nil, byDay, err
			}
			if !ok {
				return nil, byDay, nil
			}
			from, to = min, max.Add(interval.BucketLength)
		}
		return monthlyPeriods(from, to), byDay, nil

	case ModeRegular:
		end := now.Truncate(24 * time.Hour)
		start := end.AddDate(0, -3, 0)
		var periods []period
		for cur := start; cur.Before(end); cur = cur.AddDate(0, 0, 7) {
			to := cur.AddDate(0, 0, 7)
			if to.After(end) {
				to = end
			}
			periods = append(periods, period{from: cur, to: to})
		}
		return periods, byDay, nil

	case ModeSpot:
		end := interval.AlignBack(now)
		start := end.AddDate(-1, 0, 0)
		buckets := int64(end.Sub(start) / interval.BucketLength)
		if buckets <= 0 {
			return nil, byInterval, nil
		}

		seed := opts.Seed
		rng := newLCG(seed)
		periods := make([]period, 0, a.cfg.SpotSamples)
		for i := 0; i < a.cfg.SpotSamples; i++ {
			offset := rng.next() % buckets
			from := start.Add(time.Duration(offset) * interval.BucketLength)
			periods = append(periods, period{from: from, to: from.Add(interval.BucketLength)})
		}
		return periods, byInterval, nil
	}

	return nil, byDay, fmt.Errorf("unknown audit mode %q", mode)
}

func (a *Auditor) auditPeriod(ctx context.Context, fuel octopus.Fuel, p period, gran granularity) ([]Finding, string, error) {
	stored, err := a.storedSeries(ctx, fuel, p, gran)
	if err != nil {
		return nil, "", err
	}

	apiRows, err := a.fetchUsageWithRetry(ctx, fuel, p.from, p.to)
	if err != nil {
		return nil, "", err
	}
	apiSeries := aggregateUsage(apiRows, gran)

	hypothesis := ""
	if fuel == octopus.FuelGas {
		result := InferGasFactor(stored, apiSeries, a.cfg.GasConversion)
		if result.Factor != 1.0 {
			apiSeries = apiSeries.Scale(result.Factor)
		}
		hypothesis = result.Hypothesis
		a.logger.Debug().Float64("factor", result.Factor).Float64("implied", result.Implied).
			Bool("explained", result.Explained).Msg("gas conversion inference")
	}

	return CompareSeries(fuel, stored, apiSeries, a.cfg.Tolerances), hypothesis, nil
}

func (a *Auditor) storedSeries(ctx context.Context, fuel octopus.Fuel, p period, gran granularity) (Series, error) {
	series := make(Series)
	if gran == byDay {
		totals, err := a.store.SumConsumptionByDay(ctx, fuel, p.from, p.to)
		if err != nil {
			return nil, err
		}
		for _, t := range totals {
			series[t.Day.Unix()] = t.KWh.InexactFloat64()
		}
		return series, nil
	}

	rows, err := a.store.ListConsumptionBetween(ctx, fuel, p.from, p.to)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		series[row.Start.Unix()] = row.ConsumptionKWh.InexactFloat64()
	}
	return series, nil
}

// fetchUsageWithRetry wraps the external call in bounded exponential backoff.
// Exhausting the attempts is fatal for the whole run, unlike a data-level
// mismatch which is merely classified.
func (a *Auditor) fetchUsageWithRetry(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]octopus.UsageRow, error) {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.RetryAttempts; attempt++ {
		rows, err := a.api.Consumption(ctx, fuel, from, to)
		if err == nil {
			return rows, nil
		}
		lastErr = err

		if attempt == a.cfg.RetryAttempts {
			break
		}
		delay := a.cfg.RetryBaseDelay * (1 << (attempt - 1))
		a.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).
			Msg("usage fetch failed; retrying")
		if err := a.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("usage fetch failed after %d attempts: %w", a.cfg.RetryAttempts, lastErr)
}

func (a *Auditor) logFindings(fuel octopus.Fuel, p period, findings []Finding) {
	for _, f := range findings {
		if f.Classification == ClassPass {
			continue
		}
		a.logger.Warn().
			Str("fuel", string(fuel)).
			Time("bucket", f.Bucket).
			Str("classification", string(f.Classification)).
			Str("issue", f.Issue).
			Float64("confidence", f.Confidence).
			Bool("outlier", f.Outlier).
			Str("details", f.Details).
			Msg("audit finding")
		a.activity.Append(fmt.Sprintf("audit finding %s %s %s %s conf=%.2f %s",
			fuel, f.Bucket.Format(time.RFC3339), f.Classification, f.Issue, f.Confidence, f.Details))
	}
}

func (a *Auditor) maybeNotify(ctx context.Context, mode Mode, fuel octopus.Fuel, rollup Rollup, opts Options) {
	if a.notifier == nil || !opts.Notify {
		return
	}
	if rollup.Fail == 0 && !(a.cfg.NotifyUncertain && rollup.Uncertain > 0) {
		return
	}

	body := fmt.Sprintf("fuel=%s mode=%s\n%d fail (%d outliers), %d uncertain, %d pass over %d periods",
		fuel, mode, rollup.Fail, rollup.Outliers, rollup.Uncertain, rollup.Pass, rollup.Periods)
	if len(rollup.Hypotheses) > 0 {
		body += "\nhypothesis: " + rollup.Hypotheses[len(rollup.Hypotheses)-1]
	}

	note := alerting.Notification{
		Title:   "usage-sync audit",
		Body:    body,
		LinkURL: a.cfg.LogPath,
	}

	// Fire and forget: a notification failure must not fail the audit.
	if err := a.notifier.Notify(ctx, note); err != nil {
		a.logger.Error().Err(err).Msg("failed to dispatch audit notification")
	}
}

func monthlyPeriods(from, to time.Time) []period {
	from = from.UTC()
	to = to.UTC()
	if !from.Before(to) {
		return nil
	}

	cur := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	var periods []period
	for cur.Before(to) {
		next := cur.AddDate(0, 1, 0)
		periods = append(periods, period{from: cur, to: next})
		cur = next
	}
	return periods
}

func aggregateUsage(rows []octopus.UsageRow, gran granularity) Series {
	series := make(Series, len(rows))
	for _, row := range rows {
		key := row.Start.UTC()
		if gran == byDay {
			key = key.Truncate(24 * time.Hour)
		}
		series[key.Unix()] += row.ConsumptionKWh.InexactFloat64()
	}
	return series
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// lcg is a fixed-constant linear congruential generator. Spot sampling must
// be reproducible across runs and Go releases, which math/rand does not
// guarantee.
type lcg struct {
	state int64
}

func newLCG(seed int64) *lcg {
	if seed == 0 {
		seed = 1
	}
	return &lcg{state: seed}
}

func (l *lcg) next() int64 {
	l.state = (l.state*1103515245 + 12345) & 0x7fffffff
	return l.state
}
