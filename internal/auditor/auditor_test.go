package auditor

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"usage-sync/internal/alerting"
	"usage-sync/internal/octopus"
	"usage-sync/internal/storage"
)

type fetchWindow struct {
	from time.Time
	to   time.Time
}

type fakeAuditAPI struct {
	rows     []octopus.UsageRow
	failures int
	calls    []fetchWindow
}

func (f *fakeAuditAPI) Account(ctx context.Context) (octopus.Account, error) {
	return octopus.Account{}, nil
}

func (f *fakeAuditAPI) Consumption(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]octopus.UsageRow, error) {
	f.calls = append(f.calls, fetchWindow{from: from, to: to})
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("upstream 500")
	}
	var out []octopus.UsageRow
	for _, r := range f.rows {
		if !r.Start.Before(from) && r.Start.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeAuditAPI) UnitRates(ctx context.Context, fuel octopus.Fuel, tariffCode string, from, to time.Time) ([]octopus.RateRow, error) {
	return nil, nil
}

type fakeAuditStore struct {
	minBound  time.Time
	maxBound  time.Time
	hasData   bool
	daily     []storage.DailyTotal
	intervals []storage.ConsumptionInterval
}

func (f *fakeAuditStore) DataBounds(ctx context.Context, fuel octopus.Fuel) (time.Time, time.Time, bool, error) {
	return f.minBound, f.maxBound, f.hasData, nil
}

func (f *fakeAuditStore) SumConsumptionByDay(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]storage.DailyTotal, error) {
	var out []storage.DailyTotal
	for _, d := range f.daily {
		if !d.Day.Before(from) && d.Day.Before(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeAuditStore) ListConsumptionBetween(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]storage.ConsumptionInterval, error) {
	var out []storage.ConsumptionInterval
	for _, row := range f.intervals {
		if !row.Start.Before(from) && row.Start.Before(to) {
			out = append(out, row)
		}
	}
	return out, nil
}

type fakeAuditNotifier struct {
	sent []alerting.Notification
	err  error
}

func (f *fakeAuditNotifier) Notify(ctx context.Context, n alerting.Notification) error {
	f.sent = append(f.sent, n)
	return f.err
}

var auditNow = time.Date(2026, 6, 15, 10, 17, 0, 0, time.UTC)

func newTestAuditor(api octopus.API, store storage.AuditStore, notifier alerting.Notifier, cfg Config) (*Auditor, *[]time.Duration) {
	if cfg.Tolerances == (Tolerances{}) {
		cfg.Tolerances = testTol
	}
	if cfg.GasConversion == (GasConversion{}) {
		cfg.GasConversion = testCV
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Second
	}

	a := New(api, store, notifier, nil, cfg, zerolog.Nop())
	a.now = func() time.Time { return auditNow }

	slept := &[]time.Duration{}
	a.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return a, slept
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func usageRow(start time.Time, kwh string) octopus.UsageRow {
	return octopus.UsageRow{
		Start:          start,
		End:            start.Add(30 * time.Minute),
		ConsumptionKWh: decimal.RequireFromString(kwh),
	}
}

func TestRunFullNothingToAudit(t *testing.T) {
	api := &fakeAuditAPI{}
	a, _ := newTestAuditor(api, &fakeAuditStore{hasData: false}, nil, Config{})

	status, err := a.Run(context.Background(), ModeFull, octopus.FuelElectricity, Options{})
	if err != nil {
		t.Fatalf("empty store must not error: %v", err)
	}
	if status != ExitOK {
		t.Fatalf("status = %d, want ExitOK", status)
	}
	if len(api.calls) != 0 {
		t.Fatalf("no stored data means no api traffic, got %d calls", len(api.calls))
	}
}

func TestRunFullMatchingDataPasses(t *testing.T) {
	store := &fakeAuditStore{
		daily: []storage.DailyTotal{
			{Day: day(2026, 3, 1), KWh: decimal.RequireFromString("2.0")},
			{Day: day(2026, 3, 2), KWh: decimal.RequireFromString("1.5")},
		},
	}
	api := &fakeAuditAPI{rows: []octopus.UsageRow{
		usageRow(day(2026, 3, 1), "1.2"),
		usageRow(day(2026, 3, 1).Add(30*time.Minute), "0.8"),
		usageRow(day(2026, 3, 2), "1.5"),
	}}
	notifier := &fakeAuditNotifier{}
	a, _ := newTestAuditor(api, store, notifier, Config{CriticalFailures: 3})

	start, end := day(2026, 3, 1), day(2026, 4, 1)
	status, err := a.Run(context.Background(), ModeFull, octopus.FuelElectricity,
		Options{Start: &start, End: &end, Notify: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != ExitOK {
		t.Fatalf("status = %d, want ExitOK", status)
	}
	if len(notifier.sent) != 0 {
		t.Fatalf("a clean audit must not notify, got %d notifications", len(notifier.sent))
	}
}

func TestRunCriticalFailuresEscalateExitStatus(t *testing.T) {
	store := &fakeAuditStore{
		daily: []storage.DailyTotal{
			{Day: day(2026, 3, 1), KWh: decimal.RequireFromString("5.0")},
			{Day: day(2026, 3, 2), KWh: decimal.RequireFromString("5.0")},
			{Day: day(2026, 3, 3), KWh: decimal.RequireFromString("5.0")},
		},
	}
	api := &fakeAuditAPI{rows: []octopus.UsageRow{
		usageRow(day(2026, 3, 1), "1.0"),
		usageRow(day(2026, 3, 2), "1.0"),
		usageRow(day(2026, 3, 3), "1.0"),
	}}
	notifier := &fakeAuditNotifier{}
	a, _ := newTestAuditor(api, store, notifier, Config{CriticalFailures: 3})

	start, end := day(2026, 3, 1), day(2026, 4, 1)
	status, err := a.Run(context.Background(), ModeFull, octopus.FuelElectricity,
		Options{Start: &start, End: &end, Notify: true})
	if err != nil {
		t.Fatalf("mismatches are findings, not errors: %v", err)
	}
	if status != ExitCritical {
		t.Fatalf("3 failures with threshold 3 must escalate, got status %d", status)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("failures must notify once, got %d", len(notifier.sent))
	}
	if !strings.Contains(notifier.sent[0].Body, "3 fail") {
		t.Fatalf("notification body should carry the failure count: %q", notifier.sent[0].Body)
	}
}

func TestRunGasConversionExplainsDiscrepancy(t *testing.T) {
	// Store holds kWh, API reports volume at factor 11.2.
	store := &fakeAuditStore{
		daily: []storage.DailyTotal{
			{Day: day(2026, 3, 1), KWh: decimal.RequireFromString("11.2")},
			{Day: day(2026, 3, 2), KWh: decimal.RequireFromString("22.4")},
		},
	}
	api := &fakeAuditAPI{rows: []octopus.UsageRow{
		usageRow(day(2026, 3, 1), "1.0"),
		usageRow(day(2026, 3, 2), "2.0"),
	}}
	a, _ := newTestAuditor(api, store, nil, Config{CriticalFailures: 1})

	start, end := day(2026, 3, 1), day(2026, 4, 1)
	status, err := a.Run(context.Background(), ModeFull, octopus.FuelGas,
		Options{Start: &start, End: &end})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != ExitOK {
		t.Fatalf("volume-vs-kWh mismatch should be explained away, got status %d", status)
	}
}

func TestFetchRetriesWithExponentialBackoff(t *testing.T) {
	store := &fakeAuditStore{
		daily: []storage.DailyTotal{{Day: day(2026, 3, 1), KWh: decimal.RequireFromString("1.0")}},
	}
	api := &fakeAuditAPI{
		failures: 2,
		rows:     []octopus.UsageRow{usageRow(day(2026, 3, 1), "1.0")},
	}
	a, slept := newTestAuditor(api, store, nil, Config{RetryAttempts: 4})

	start, end := day(2026, 3, 1), day(2026, 4, 1)
	status, err := a.Run(context.Background(), ModeFull, octopus.FuelElectricity,
		Options{Start: &start, End: &end})
	if err != nil {
		t.Fatalf("transient failures within the retry budget must recover: %v", err)
	}
	if status != ExitOK {
		t.Fatalf("status = %d, want ExitOK", status)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if !reflect.DeepEqual(*slept, want) {
		t.Fatalf("backoff delays = %v, want %v", *slept, want)
	}
	if len(api.calls) != 3 {
		t.Fatalf("expected 3 attempts (2 failures + success), got %d", len(api.calls))
	}
}

func TestFetchRetryExhaustionIsFatal(t *testing.T) {
	store := &fakeAuditStore{
		daily: []storage.DailyTotal{{Day: day(2026, 3, 1), KWh: decimal.RequireFromString("1.0")}},
	}
	api := &fakeAuditAPI{failures: 10}
	a, slept := newTestAuditor(api, store, nil, Config{RetryAttempts: 3})

	start, end := day(2026, 3, 1), day(2026, 4, 1)
	_, err := a.Run(context.Background(), ModeFull, octopus.FuelElectricity,
		Options{Start: &start, End: &end})
	if err == nil {
		t.Fatal("exhausted retries must abort the run")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("error should name the attempt budget: %v", err)
	}
	if len(*slept) != 2 {
		t.Fatalf("3 attempts mean 2 backoff sleeps, got %d", len(*slept))
	}
}

func TestSpotSamplingIsSeedDeterministic(t *testing.T) {
	sample := func(seed int64) []fetchWindow {
		api := &fakeAuditAPI{}
		a, _ := newTestAuditor(api, &fakeAuditStore{}, nil, Config{SpotSamples: 5})
		if _, err := a.Run(context.Background(), ModeSpot, octopus.FuelElectricity, Options{Seed: seed}); err != nil {
			t.Fatalf("spot run: %v", err)
		}
		return api.calls
	}

	first := sample(42)
	second := sample(42)
	other := sample(43)

	if len(first) != 5 {
		t.Fatalf("expected 5 spot fetches, got %d", len(first))
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("同一 seed 必须产生完全相同的抽样区间")
	}
	if reflect.DeepEqual(first, other) {
		t.Fatal("different seeds should pick different intervals")
	}
	for _, w := range first {
		if w.to.Sub(w.from) != 30*time.Minute {
			t.Fatalf("spot windows must be single buckets, got %v..%v", w.from, w.to)
		}
	}
}

func TestRegularModeSweepsTrailingQuarterInWeeklyWindows(t *testing.T) {
	api := &fakeAuditAPI{}
	a, _ := newTestAuditor(api, &fakeAuditStore{}, nil, Config{})

	status, err := a.Run(context.Background(), ModeRegular, octopus.FuelElectricity, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != ExitOK {
		t.Fatalf("status = %d, want ExitOK", status)
	}
	if len(api.calls) == 0 {
		t.Fatal("regular mode should always sweep the trailing quarter")
	}

	end := auditNow.Truncate(24 * time.Hour)
	start := end.AddDate(0, -3, 0)
	if !api.calls[0].from.Equal(start) {
		t.Fatalf("first window starts at %v, want %v", api.calls[0].from, start)
	}
	if !api.calls[len(api.calls)-1].to.Equal(end) {
		t.Fatalf("last window ends at %v, want %v", api.calls[len(api.calls)-1].to, end)
	}
	for i, w := range api.calls {
		if w.to.Sub(w.from) > 7*24*time.Hour {
			t.Fatalf("window %d spans %v, want at most 7 days", i, w.to.Sub(w.from))
		}
		if i > 0 && !w.from.Equal(api.calls[i-1].to) {
			t.Fatalf("windows must be contiguous, gap before %v", w.from)
		}
	}
}

func TestNotifierFailureDoesNotFailAudit(t *testing.T) {
	store := &fakeAuditStore{
		daily: []storage.DailyTotal{{Day: day(2026, 3, 1), KWh: decimal.RequireFromString("5.0")}},
	}
	api := &fakeAuditAPI{rows: []octopus.UsageRow{usageRow(day(2026, 3, 1), "1.0")}}
	notifier := &fakeAuditNotifier{err: errors.New("telegram down")}
	a, _ := newTestAuditor(api, store, notifier, Config{CriticalFailures: 5})

	start, end := day(2026, 3, 1), day(2026, 4, 1)
	status, err := a.Run(context.Background(), ModeFull, octopus.FuelElectricity,
		Options{Start: &start, End: &end, Notify: true})
	if err != nil {
		t.Fatalf("notification failure must not fail the audit: %v", err)
	}
	if status != ExitOK {
		t.Fatalf("1 failure under threshold 5 stays ExitOK, got %d", status)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("notifier should still have been invoked, got %d", len(notifier.sent))
	}
}
