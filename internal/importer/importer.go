// Package importer implements the incremental usage import engine: gap
// detection against the store, fetch of only the missing intervals, versioned
// rate upserts with a change-audit trail, and idempotent priced consumption
// upserts, all within one transaction per fuel.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"usage-sync/internal/interval"
	"usage-sync/internal/logging"
	"usage-sync/internal/octopus"
	"usage-sync/internal/storage"
)

// ErrLockHeld indicates another import run holds the advisory lock.
var ErrLockHeld = errors.New("importer: advisory lock held elsewhere")

// RateSource resolves applicable unit rates for a fuel and period.
type RateSource interface {
	Resolve(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]octopus.RateRow, error)
}

// Options configure a single import run.
type Options struct {
	DryRun bool
	Reason string
}

// Summary reports what one fuel's import did.
type Summary struct {
	Fuel               octopus.Fuel
	PeriodStart        time.Time
	PeriodEnd          time.Time
	MissingRanges      int
	MissingBuckets     int
	TariffCodes        []string
	ConsumptionNew     int
	ConsumptionUpdated int
	RatesNew           int
	RatesUpdated       int
	RatesChanged       int
	UsedLegacyPath     bool
}

// Importer orchestrates one fuel's import end to end.
type Importer struct {
	api      octopus.API
	rates    RateSource
	store    storage.ImportStore
	activity *logging.ActivityLog
	logger   zerolog.Logger

	backfill time.Duration
	locker   storage.AdvisoryLocker
	lockKey  int64
	now      func() time.Time
}

// Config wires the importer's collaborators and tuning.
type Config struct {
	BackfillDays    int
	AdvisoryLockKey int64
}

// New constructs an Importer.
func New(api octopus.API, rateSource RateSource, store storage.ImportStore, activity *logging.ActivityLog, cfg Config, logger zerolog.Logger) *Importer {
	backfillDays := cfg.BackfillDays
	if backfillDays < 0 {
		backfillDays = 0
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Importer{
		api:      api,
		rates:    rateSource,
		store:    store,
		activity: activity,
		logger:   logger.With().Str("component", "importer").Logger(),
		backfill: time.Duration(backfillDays) * 24 * time.Hour,
		locker:   locker,
		lockKey:  cfg.AdvisoryLockKey,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ImportRange imports [start, end) for one fuel. Usage is fetched only for
// buckets absent from the store; rates are refreshed for the period plus the
// trailing backfill window. All writes happen in one transaction, and a
// permission failure degrades to the unaudited legacy path.
func (i *Importer) ImportRange(ctx context.Context, fuel octopus.Fuel, start, end time.Time, opts Options) (Summary, error) {
	start = start.UTC()
	end = end.UTC()
	if !start.Before(end) {
		return Summary{}, fmt.Errorf("importer: start %s is not before end %s", start, end)
	}

	unlock, proceed, err := i.acquireLock(ctx)
	if err != nil {
		return Summary{}, err
	}
	if !proceed {
		return Summary{}, ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}

	summary := Summary{Fuel: fuel, PeriodStart: start, PeriodEnd: end}

	storedStarts, err := i.store.ListBucketStarts(ctx, fuel, start, end)
	if err != nil {
		return summary, fmt.Errorf("list stored buckets: %w", err)
	}

	missing := interval.FindMissingRanges(storedStarts, start, end)
	summary.MissingRanges = len(missing)
	for _, r := range missing {
		summary.MissingBuckets += r.Count
	}

	// Usage never changes after settlement, so already-stored buckets are not
	// re-fetched. An empty missing list still refreshes rates below.
	var usage []octopus.UsageRow
	for _, r := range missing {
		rows, err := i.api.Consumption(ctx, fuel, r.Start, r.End)
		if err != nil {
			return summary, fmt.Errorf("fetch usage %s..%s: %w", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), err)
		}
		usage = append(usage, rows...)
	}

	rateFrom := start.Add(-i.backfill)
	rateRows, err := i.rates.Resolve(ctx, fuel, rateFrom, end)
	if err != nil {
		return summary, err
	}

	observedAt := i.now()
	rateIntervals := expandRates(fuel, rateRows, rateFrom, end, observedAt)
	summary.TariffCodes = tariffCodes(rateRows)

	rateByBucket := make(map[int64]storage.RateInterval, len(rateIntervals))
	for _, ri := range rateIntervals {
		rateByBucket[ri.IntervalStart.Unix()] = ri
	}

	consumption := priceUsage(usage, rateByBucket)

	reason := buildReason(summary, i.backfill, opts.Reason)

	if opts.DryRun {
		i.logger.Info().Str("fuel", string(fuel)).Str("reason", reason).
			Int("usage_rows", len(consumption)).Int("rate_rows", len(rateIntervals)).
			Msg("dry-run: skipping writes")
		return summary, nil
	}

	err = i.runTransaction(ctx, fuel, rateIntervals, consumption, reason, &summary)
	if err != nil && storage.IsPermissionError(err) {
		i.logger.Warn().Err(err).Str("fuel", string(fuel)).
			Msg("permission error on audited import path; falling back to legacy pipeline")
		i.activity.Append(fmt.Sprintf("import %s: legacy fallback engaged (%v)", fuel, err))
		err = i.runLegacy(ctx, fuel, rateIntervals, consumption, &summary)
	}
	if err != nil {
		return summary, err
	}

	i.logSummary(summary, reason)
	return summary, nil
}

func (i *Importer) runTransaction(ctx context.Context, fuel octopus.Fuel, rateIntervals []storage.RateInterval, consumption []storage.ConsumptionInterval, reason string, summary *Summary) error {
	tx, err := i.store.BeginImport(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, ri := range rateIntervals {
		existing, found, err := tx.GetRateInterval(ctx, fuel, ri.TariffCode, ri.IntervalStart)
		if err != nil {
			return err
		}

		switch {
		case !found:
			if _, err := tx.UpsertRateInterval(ctx, ri); err != nil {
				return err
			}
			summary.RatesNew++
		case existing.SourceHash == ri.SourceHash:
			// Re-reported with identical content: idempotent no-op.
			summary.RatesUpdated++
		default:
			audit := storage.RateChangeAudit{
				Fuel:                  fuel,
				TariffCode:            ri.TariffCode,
				IntervalStart:         ri.IntervalStart,
				PreviousValueIncVAT:   existing.ValueIncVAT,
				NewValueIncVAT:        ri.ValueIncVAT,
				PreviousValueExcVAT:   existing.ValueExcVAT,
				NewValueExcVAT:        ri.ValueExcVAT,
				PreviousSourceUpdated: existing.SourceUpdatedAt,
				NewSourceUpdated:      ri.SourceUpdatedAt,
				Reason:                reason,
			}
			if err := tx.InsertRateAudit(ctx, audit); err != nil {
				return err
			}
			if _, err := tx.UpsertRateInterval(ctx, ri); err != nil {
				return err
			}
			// Already-imported buckets keep their stored usage but must pick
			// up the corrected price.
			if err := tx.RepriceConsumption(ctx, fuel, ri.IntervalStart, ri.ValueIncVAT); err != nil {
				return err
			}
			summary.RatesUpdated++
			summary.RatesChanged++
		}
	}

	for _, row := range consumption {
		result, err := tx.UpsertConsumption(ctx, fuel, row)
		if err != nil {
			return err
		}
		if result.Inserted {
			summary.ConsumptionNew++
		} else {
			summary.ConsumptionUpdated++
		}
	}

	return tx.Commit(ctx)
}

// runLegacy is the degraded import path for stores where the audit table is
// not writable: plain upserts, no transaction, no provenance rows.
func (i *Importer) runLegacy(ctx context.Context, fuel octopus.Fuel, rateIntervals []storage.RateInterval, consumption []storage.ConsumptionInterval, summary *Summary) error {
	summary.UsedLegacyPath = true
	summary.RatesNew = 0
	summary.RatesUpdated = 0
	summary.RatesChanged = 0
	summary.ConsumptionNew = 0
	summary.ConsumptionUpdated = 0

	for _, ri := range rateIntervals {
		result, err := i.store.UpsertRateInterval(ctx, ri)
		if err != nil {
			return fmt.Errorf("legacy rate upsert: %w", err)
		}
		if result.Inserted {
			summary.RatesNew++
		} else {
			summary.RatesUpdated++
		}
	}
	for _, row := range consumption {
		result, err := i.store.UpsertConsumption(ctx, fuel, row)
		if err != nil {
			return fmt.Errorf("legacy consumption upsert: %w", err)
		}
		if result.Inserted {
			summary.ConsumptionNew++
		} else {
			summary.ConsumptionUpdated++
		}
	}
	return nil
}

func (i *Importer) acquireLock(ctx context.Context) (func(), bool, error) {
	if i.lockKey == 0 || i.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := i.locker.TryAdvisoryLock(ctx, i.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (i *Importer) logSummary(s Summary, reason string) {
	i.logger.Info().
		Str("fuel", string(s.Fuel)).
		Time("period_start", s.PeriodStart).
		Time("period_end", s.PeriodEnd).
		Strs("tariff_codes", s.TariffCodes).
		Int("consumption_new", s.ConsumptionNew).
		Int("consumption_updated", s.ConsumptionUpdated).
		Int("rates_new", s.RatesNew).
		Int("rates_updated", s.RatesUpdated).
		Int("rates_changed", s.RatesChanged).
		Bool("legacy_path", s.UsedLegacyPath).
		Msg("import complete")

	i.activity.Append(fmt.Sprintf(
		"import %s %s..%s reason=%q tariffs=%s consumption=%d new/%d updated rates=%d new/%d updated/%d changed",
		s.Fuel,
		s.PeriodStart.Format(time.RFC3339), s.PeriodEnd.Format(time.RFC3339),
		reason,
		strings.Join(s.TariffCodes, ","),
		s.ConsumptionNew, s.ConsumptionUpdated,
		s.RatesNew, s.RatesUpdated, s.RatesChanged,
	))
}

// expandRates converts each rate's validity span into aligned half-hour
// RateInterval rows, clamped to [from, to). Later-starting rates win when
// spans overlap for the same bucket and tariff.
func expandRates(fuel octopus.Fuel, rows []octopus.RateRow, from, to time.Time, observedAt time.Time) []storage.RateInterval {
	type key struct {
		tariff string
		start  int64
	}
	byKey := make(map[key]storage.RateInterval)

	for _, row := range rows {
		spanFrom := row.ValidFrom
		if spanFrom.Before(from) {
			spanFrom = from
		}
		spanTo := to
		if row.ValidTo != nil && row.ValidTo.Before(to) {
			spanTo = *row.ValidTo
		}

		for _, bucket := range interval.ExpectedBuckets(spanFrom, spanTo) {
			byKey[key{tariff: row.TariffCode, start: bucket.Unix()}] = storage.RateInterval{
				Fuel:            fuel,
				TariffCode:      row.TariffCode,
				IntervalStart:   bucket,
				IntervalEnd:     bucket.Add(interval.BucketLength),
				ValueIncVAT:     row.ValueIncVAT,
				ValueExcVAT:     row.ValueExcVAT,
				PaymentMethod:   row.PaymentMethod,
				SourceUpdatedAt: observedAt,
				SourceHash:      row.ContentKey(),
			}
		}
	}

	out := make([]storage.RateInterval, 0, len(byKey))
	for _, ri := range byKey {
		out = append(out, ri)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].IntervalStart.Equal(out[b].IntervalStart) {
			return out[a].IntervalStart.Before(out[b].IntervalStart)
		}
		return out[a].TariffCode < out[b].TariffCode
	})
	return out
}

// priceUsage computes price_pence for each fetched usage row. Consumption is
// rounded to 2dp before multiplying to mirror the billing system's own
// rounding; a bucket with no matching rate is stored at price 0 rather than
// dropped.
func priceUsage(usage []octopus.UsageRow, rateByBucket map[int64]storage.RateInterval) []storage.ConsumptionInterval {
	out := make([]storage.ConsumptionInterval, 0, len(usage))
	for _, u := range usage {
		price := decimal.Zero
		if rate, ok := rateByBucket[u.Start.Unix()]; ok {
			price = u.ConsumptionKWh.Round(2).Mul(rate.ValueIncVAT).Round(2)
		}
		out = append(out, storage.ConsumptionInterval{
			Start:          u.Start,
			End:            u.End,
			ConsumptionKWh: u.ConsumptionKWh,
			PricePence:     price,
		})
	}
	return out
}

func buildReason(s Summary, backfill time.Duration, callerReason string) string {
	parts := []string{
		fmt.Sprintf("%d missing intervals in %d gaps", s.MissingBuckets, s.MissingRanges),
		fmt.Sprintf("backfill %dd", int(backfill.Hours()/24)),
	}
	if callerReason != "" {
		parts = append(parts, callerReason)
	}
	return strings.Join(parts, "; ")
}

func tariffCodes(rows []octopus.RateRow) []string {
	seen := make(map[string]struct{})
	var codes []string
	for _, r := range rows {
		if _, ok := seen[r.TariffCode]; ok {
			continue
		}
		seen[r.TariffCode] = struct{}{}
		codes = append(codes, r.TariffCode)
	}
	sort.Strings(codes)
	return codes
}
