// Package rates resolves the tariff agreements covering a period and fetches
// the per-interval unit prices published under each of them.
package rates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"usage-sync/internal/octopus"
)

// ErrNoAgreements indicates no tariff agreement covers the requested period.
// Usage cannot be priced without one, so callers treat this as fatal for the
// fuel being imported.
var ErrNoAgreements = errors.New("rates: no tariff agreement covers the requested period")

// Segment is the intersection of one agreement's validity with a request period.
type Segment struct {
	TariffCode string
	From       time.Time
	To         time.Time
}

// Options parameterise the resolver.
type Options struct {
	MPAN          string
	MPRN          string
	WindowDays    int
	PaymentMethod string
}

// Resolver turns (fuel, period) into a deduplicated set of unit rates.
type Resolver struct {
	api    octopus.API
	opts   Options
	logger zerolog.Logger
}

// NewResolver constructs a Resolver over the billing API.
func NewResolver(api octopus.API, opts Options, logger zerolog.Logger) *Resolver {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 30
	}
	return &Resolver{
		api:    api,
		opts:   opts,
		logger: logger.With().Str("component", "rate_resolver").Logger(),
	}
}

// Resolve fetches every unit rate applicable to the fuel in [from, to),
// spanning tariff switches, deduplicated on content.
func (r *Resolver) Resolve(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]octopus.RateRow, error) {
	account, err := r.api.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve agreements: %w", err)
	}

	identifier := r.opts.MPAN
	if fuel == octopus.FuelGas {
		identifier = r.opts.MPRN
	}

	point, ok := account.MeterPointFor(fuel, identifier)
	if !ok {
		return nil, fmt.Errorf("rates: meter point %s not found on account %s", identifier, account.Number)
	}

	segments := Segments(point.Agreements, from, to)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: fuel=%s %s..%s", ErrNoAgreements, fuel,
			from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	}

	seen := make(map[string]struct{})
	var rows []octopus.RateRow
	for _, seg := range segments {
		fetched, err := r.fetchSegment(ctx, fuel, seg)
		if err != nil {
			return nil, err
		}
		for _, row := range fetched {
			key := row.TariffCode + "|" + row.ContentKey()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			rows = append(rows, row)
		}
	}

	rows = filterPaymentMethod(rows, r.opts.PaymentMethod, r.logger)

	sort.Slice(rows, func(i, j int) bool { return rows[i].ValidFrom.Before(rows[j].ValidFrom) })
	return rows, nil
}

// fetchSegment pages the rates endpoint in bounded windows so a multi-month
// segment never exceeds the upstream's pagination comfort zone.
func (r *Resolver) fetchSegment(ctx context.Context, fuel octopus.Fuel, seg Segment) ([]octopus.RateRow, error) {
	window := time.Duration(r.opts.WindowDays) * 24 * time.Hour

	var rows []octopus.RateRow
	for cursor := seg.From; cursor.Before(seg.To); {
		windowEnd := cursor.Add(window)
		if windowEnd.After(seg.To) {
			windowEnd = seg.To
		}

		fetched, err := r.api.UnitRates(ctx, fuel, seg.TariffCode, cursor, windowEnd)
		if err != nil {
			return nil, fmt.Errorf("fetch rates %s %s..%s: %w", seg.TariffCode,
				cursor.Format(time.RFC3339), windowEnd.Format(time.RFC3339), err)
		}
		rows = append(rows, fetched...)
		cursor = windowEnd
	}
	return rows, nil
}

// Segments intersects each agreement's validity window with [from, to),
// producing one segment per overlapping agreement in chronological order.
func Segments(agreements []octopus.Agreement, from, to time.Time) []Segment {
	from = from.UTC()
	to = to.UTC()

	var segments []Segment
	for _, ag := range agreements {
		segFrom := ag.ValidFrom
		if segFrom.Before(from) {
			segFrom = from
		}
		segTo := to
		if ag.ValidTo != nil && ag.ValidTo.Before(to) {
			segTo = *ag.ValidTo
		}
		if !segFrom.Before(segTo) {
			continue
		}
		segments = append(segments, Segment{TariffCode: ag.TariffCode, From: segFrom, To: segTo})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].From.Before(segments[j].From) })
	return segments
}

// filterPaymentMethod narrows rows to the preferred payment method, but
// returns the unfiltered set when filtering would discard every row: an empty
// rate set must never be returned silently while data exists under the other
// method.
func filterPaymentMethod(rows []octopus.RateRow, method string, logger zerolog.Logger) []octopus.RateRow {
	if method == "" || len(rows) == 0 {
		return rows
	}

	filtered := rows[:0:0]
	for _, row := range rows {
		if row.PaymentMethod == method || row.PaymentMethod == "" {
			filtered = append(filtered, row)
		}
	}
	if len(filtered) == 0 {
		logger.Warn().Str("payment_method", method).Int("rows", len(rows)).
			Msg("payment method filter matched nothing; keeping unfiltered rates")
		return rows
	}
	return filtered
}
