package importer

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"usage-sync/internal/interval"
	"usage-sync/internal/logging"
	"usage-sync/internal/octopus"
	"usage-sync/internal/storage"
)

// memStore is an in-memory ImportStore; its transactions apply immediately,
// which is fine for exercising the importer's sequencing and counting.
type memStore struct {
	consumption map[int64]storage.ConsumptionInterval
	rates       map[string]storage.RateInterval
	audits      []storage.RateChangeAudit
	failWith    error
}

func newMemStore() *memStore {
	return &memStore{
		consumption: make(map[int64]storage.ConsumptionInterval),
		rates:       make(map[string]storage.RateInterval),
	}
}

func rateKey(fuel octopus.Fuel, tariffCode string, start time.Time) string {
	return string(fuel) + "|" + tariffCode + "|" + start.UTC().Format(time.RFC3339)
}

func (m *memStore) ListBucketStarts(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]time.Time, error) {
	var starts []time.Time
	for _, row := range m.consumption {
		if !row.Start.Before(from) && row.Start.Before(to) {
			starts = append(starts, row.Start)
		}
	}
	return starts, nil
}

func (m *memStore) BeginImport(ctx context.Context) (storage.ImportTx, error) {
	return &memTx{store: m}, nil
}

func (m *memStore) UpsertConsumption(ctx context.Context, fuel octopus.Fuel, row storage.ConsumptionInterval) (storage.UpsertResult, error) {
	_, existed := m.consumption[row.Start.Unix()]
	m.consumption[row.Start.Unix()] = row
	return storage.UpsertResult{Inserted: !existed}, nil
}

func (m *memStore) UpsertRateInterval(ctx context.Context, rate storage.RateInterval) (storage.UpsertResult, error) {
	key := rateKey(rate.Fuel, rate.TariffCode, rate.IntervalStart)
	_, existed := m.rates[key]
	m.rates[key] = rate
	return storage.UpsertResult{Inserted: !existed}, nil
}

type memTx struct {
	store *memStore
}

func (t *memTx) Commit(ctx context.Context) error   { return nil }
func (t *memTx) Rollback(ctx context.Context) error { return nil }

func (t *memTx) GetRateInterval(ctx context.Context, fuel octopus.Fuel, tariffCode string, start time.Time) (storage.RateInterval, bool, error) {
	rate, ok := t.store.rates[rateKey(fuel, tariffCode, start)]
	return rate, ok, nil
}

func (t *memTx) UpsertRateInterval(ctx context.Context, rate storage.RateInterval) (storage.UpsertResult, error) {
	if t.store.failWith != nil {
		return storage.UpsertResult{}, t.store.failWith
	}
	return t.store.UpsertRateInterval(ctx, rate)
}

func (t *memTx) InsertRateAudit(ctx context.Context, audit storage.RateChangeAudit) error {
	if t.store.failWith != nil {
		return t.store.failWith
	}
	t.store.audits = append(t.store.audits, audit)
	return nil
}

func (t *memTx) UpsertConsumption(ctx context.Context, fuel octopus.Fuel, row storage.ConsumptionInterval) (storage.UpsertResult, error) {
	if t.store.failWith != nil {
		return storage.UpsertResult{}, t.store.failWith
	}
	return t.store.UpsertConsumption(ctx, fuel, row)
}

func (t *memTx) RepriceConsumption(ctx context.Context, fuel octopus.Fuel, bucket time.Time, unitRate decimal.Decimal) error {
	if row, ok := t.store.consumption[bucket.Unix()]; ok {
		row.PricePence = row.ConsumptionKWh.Round(2).Mul(unitRate).Round(2)
		t.store.consumption[bucket.Unix()] = row
	}
	return nil
}

type fakeAPI struct {
	usage      map[int64]octopus.UsageRow
	fetchCalls []fetchCall
}

type fetchCall struct {
	from, to time.Time
}

func (f *fakeAPI) Account(ctx context.Context) (octopus.Account, error) {
	return octopus.Account{}, nil
}

func (f *fakeAPI) Consumption(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]octopus.UsageRow, error) {
	f.fetchCalls = append(f.fetchCalls, fetchCall{from: from, to: to})
	var rows []octopus.UsageRow
	for b := from; b.Before(to); b = b.Add(interval.BucketLength) {
		if row, ok := f.usage[b.Unix()]; ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (f *fakeAPI) UnitRates(ctx context.Context, fuel octopus.Fuel, tariffCode string, from, to time.Time) ([]octopus.RateRow, error) {
	return nil, nil
}

type fakeRates struct {
	rows []octopus.RateRow
}

func (f *fakeRates) Resolve(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]octopus.RateRow, error) {
	return f.rows, nil
}

func bucketAt(h, m int) time.Time {
	return time.Date(2026, 2, 15, h, m, 0, 0, time.UTC)
}

func usageRow(t time.Time, kwh float64) octopus.UsageRow {
	return octopus.UsageRow{
		Start:          t,
		End:            t.Add(interval.BucketLength),
		ConsumptionKWh: decimal.NewFromFloat(kwh),
	}
}

func flatRate(excVAT float64) octopus.RateRow {
	// Tests use inc == exc so price assertions can quote one number.
	return octopus.RateRow{
		TariffCode:  "E-1R-VAR-22-11-01-C",
		ValidFrom:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValueIncVAT: decimal.NewFromFloat(excVAT),
		ValueExcVAT: decimal.NewFromFloat(excVAT),
	}
}

func newTestImporter(api *fakeAPI, rateSource RateSource, store storage.ImportStore) *Importer {
	imp := New(api, rateSource, store, logging.NewActivityLog(""), Config{BackfillDays: 0}, zerolog.Nop())
	imp.now = func() time.Time { return time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC) }
	return imp
}

func TestImportFetchesOnlyMissingRanges(t *testing.T) {
	store := newMemStore()
	stored := storage.ConsumptionInterval{
		Start: bucketAt(10, 0), End: bucketAt(10, 30),
		ConsumptionKWh: decimal.NewFromInt(1), PricePence: decimal.NewFromInt(9),
	}
	store.consumption[stored.Start.Unix()] = stored

	api := &fakeAPI{usage: map[int64]octopus.UsageRow{
		bucketAt(10, 30).Unix(): usageRow(bucketAt(10, 30), 0.5),
	}}

	imp := newTestImporter(api, &fakeRates{rows: []octopus.RateRow{flatRate(9)}}, store)
	summary, err := imp.ImportRange(context.Background(), octopus.FuelElectricity, bucketAt(10, 0), bucketAt(11, 0), Options{})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}

	if summary.MissingBuckets != 1 || summary.MissingRanges != 1 {
		t.Fatalf("expected 1 missing bucket, got %+v", summary)
	}
	if len(api.fetchCalls) != 1 || !api.fetchCalls[0].from.Equal(bucketAt(10, 30)) {
		t.Fatalf("usage fetch should cover only the missing range: %+v", api.fetchCalls)
	}
	if summary.ConsumptionNew != 1 {
		t.Fatalf("expected 1 new consumption row, got %d", summary.ConsumptionNew)
	}
}

func TestImportPricesConsumption(t *testing.T) {
	store := newMemStore()
	api := &fakeAPI{usage: map[int64]octopus.UsageRow{
		bucketAt(10, 0).Unix(): usageRow(bucketAt(10, 0), 1.5),
	}}

	imp := newTestImporter(api, &fakeRates{rows: []octopus.RateRow{flatRate(9)}}, store)
	if _, err := imp.ImportRange(context.Background(), octopus.FuelElectricity, bucketAt(10, 0), bucketAt(10, 30), Options{}); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	row := store.consumption[bucketAt(10, 0).Unix()]
	if !row.PricePence.Equal(decimal.NewFromFloat(13.5)) {
		t.Fatalf("expected price 13.5 pence, got %s", row.PricePence)
	}
}

func TestImportStoresUnpricedUsage(t *testing.T) {
	store := newMemStore()
	api := &fakeAPI{usage: map[int64]octopus.UsageRow{
		bucketAt(10, 0).Unix(): usageRow(bucketAt(10, 0), 2.0),
	}}

	// Rate validity ends before the usage bucket, so no rate matches.
	expired := flatRate(9)
	validTo := bucketAt(0, 0)
	expired.ValidTo = &validTo

	imp := newTestImporter(api, &fakeRates{rows: []octopus.RateRow{expired}}, store)
	if _, err := imp.ImportRange(context.Background(), octopus.FuelElectricity, bucketAt(10, 0), bucketAt(10, 30), Options{}); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	row, ok := store.consumption[bucketAt(10, 0).Unix()]
	if !ok {
		t.Fatal("usage without a rate must still be stored")
	}
	if !row.PricePence.IsZero() {
		t.Fatalf("unpriced usage should carry price 0, got %s", row.PricePence)
	}
}

func TestImportIdempotent(t *testing.T) {
	store := newMemStore()
	api := &fakeAPI{usage: map[int64]octopus.UsageRow{
		bucketAt(10, 0).Unix():  usageRow(bucketAt(10, 0), 1.5),
		bucketAt(10, 30).Unix(): usageRow(bucketAt(10, 30), 0.8),
	}}
	rateSource := &fakeRates{rows: []octopus.RateRow{flatRate(9)}}

	imp := newTestImporter(api, rateSource, store)
	first, err := imp.ImportRange(context.Background(), octopus.FuelElectricity, bucketAt(10, 0), bucketAt(11, 0), Options{})
	if err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	if first.ConsumptionNew != 2 {
		t.Fatalf("first run should insert 2 rows, got %+v", first)
	}
	priceBefore := store.consumption[bucketAt(10, 0).Unix()].PricePence

	second, err := imp.ImportRange(context.Background(), octopus.FuelElectricity, bucketAt(10, 0), bucketAt(11, 0), Options{})
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if second.ConsumptionNew != 0 {
		t.Fatalf("second run with identical upstream data must insert nothing, got %+v", second)
	}
	if second.MissingBuckets != 0 {
		t.Fatalf("second run should find no gaps, got %d", second.MissingBuckets)
	}
	if second.RatesChanged != 0 || len(store.audits) != 0 {
		t.Fatalf("unchanged rates must not produce audit rows: %+v", store.audits)
	}
	if !store.consumption[bucketAt(10, 0).Unix()].PricePence.Equal(priceBefore) {
		t.Fatal("re-import with unchanged data must keep prices identical")
	}
}

func TestRetrospectiveRepricing(t *testing.T) {
	store := newMemStore()
	api := &fakeAPI{usage: map[int64]octopus.UsageRow{
		bucketAt(10, 0).Unix(): usageRow(bucketAt(10, 0), 1.5),
	}}
	rateSource := &fakeRates{rows: []octopus.RateRow{flatRate(9)}}

	imp := newTestImporter(api, rateSource, store)
	if _, err := imp.ImportRange(context.Background(), octopus.FuelElectricity, bucketAt(10, 0), bucketAt(10, 30), Options{}); err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	if !store.consumption[bucketAt(10, 0).Unix()].PricePence.Equal(decimal.NewFromFloat(13.5)) {
		t.Fatalf("precondition: price should be 13.5, got %s", store.consumption[bucketAt(10, 0).Unix()].PricePence)
	}

	// Upstream corrects the rate from 9 to 11 p/kWh.
	rateSource.rows = []octopus.RateRow{flatRate(11)}
	summary, err := imp.ImportRange(context.Background(), octopus.FuelElectricity, bucketAt(10, 0), bucketAt(10, 30), Options{})
	if err != nil {
		t.Fatalf("re-import failed: %v", err)
	}

	if summary.RatesChanged != 1 {
		t.Fatalf("expected 1 changed rate, got %+v", summary)
	}
	if len(store.audits) != 1 {
		t.Fatalf("expected exactly one audit row, got %d", len(store.audits))
	}
	audit := store.audits[0]
	if !audit.PreviousValueExcVAT.Equal(decimal.NewFromInt(9)) || !audit.NewValueExcVAT.Equal(decimal.NewFromInt(11)) {
		t.Fatalf("audit should capture 9 -> 11, got %+v", audit)
	}
	if !store.consumption[bucketAt(10, 0).Unix()].PricePence.Equal(decimal.NewFromFloat(16.5)) {
		t.Fatalf("stored price should be repriced to 16.5, got %s", store.consumption[bucketAt(10, 0).Unix()].PricePence)
	}

	// A third run with the same corrected rate writes no further audit rows.
	if _, err := imp.ImportRange(context.Background(), octopus.FuelElectricity, bucketAt(10, 0), bucketAt(10, 30), Options{}); err != nil {
		t.Fatalf("third import failed: %v", err)
	}
	if len(store.audits) != 1 {
		t.Fatalf("re-run with same rate must not add audit rows, got %d", len(store.audits))
	}
}

func TestImportFullyCoveredStillRefreshesRates(t *testing.T) {
	store := newMemStore()
	stored := storage.ConsumptionInterval{
		Start: bucketAt(10, 0), End: bucketAt(10, 30),
		ConsumptionKWh: decimal.NewFromInt(1), PricePence: decimal.NewFromInt(9),
	}
	store.consumption[stored.Start.Unix()] = stored

	api := &fakeAPI{}
	imp := newTestImporter(api, &fakeRates{rows: []octopus.RateRow{flatRate(9)}}, store)

	summary, err := imp.ImportRange(context.Background(), octopus.FuelElectricity, bucketAt(10, 0), bucketAt(10, 30), Options{})
	if err != nil {
		t.Fatalf("fully covered period must not error: %v", err)
	}
	if len(api.fetchCalls) != 0 {
		t.Fatalf("no usage fetch expected, got %+v", api.fetchCalls)
	}
	if summary.RatesNew == 0 {
		t.Fatal("rates should still be refreshed for a fully covered period")
	}
}

func TestImportDryRunWritesNothing(t *testing.T) {
	store := newMemStore()
	api := &fakeAPI{usage: map[int64]octopus.UsageRow{
		bucketAt(10, 0).Unix(): usageRow(bucketAt(10, 0), 1.5),
	}}

	imp := newTestImporter(api, &fakeRates{rows: []octopus.RateRow{flatRate(9)}}, store)
	if _, err := imp.ImportRange(context.Background(), octopus.FuelElectricity, bucketAt(10, 0), bucketAt(10, 30), Options{DryRun: true}); err != nil {
		t.Fatalf("dry-run failed: %v", err)
	}
	if len(store.consumption) != 0 || len(store.rates) != 0 {
		t.Fatal("dry-run must not write to the store")
	}
}

func TestImportLegacyFallbackOnPermissionError(t *testing.T) {
	store := newMemStore()
	store.failWith = &pgconn.PgError{Code: "42501", Message: "permission denied for table rate_change_audit"}

	api := &fakeAPI{usage: map[int64]octopus.UsageRow{
		bucketAt(10, 0).Unix(): usageRow(bucketAt(10, 0), 1.5),
	}}

	imp := newTestImporter(api, &fakeRates{rows: []octopus.RateRow{flatRate(9)}}, store)
	summary, err := imp.ImportRange(context.Background(), octopus.FuelElectricity, bucketAt(10, 0), bucketAt(10, 30), Options{})
	if err != nil {
		t.Fatalf("permission error should degrade, not fail: %v", err)
	}
	if !summary.UsedLegacyPath {
		t.Fatal("summary should report the legacy path")
	}
	if len(store.consumption) != 1 {
		t.Fatal("legacy path should still persist consumption")
	}
	if len(store.audits) != 0 {
		t.Fatal("legacy path must not write audit rows")
	}
}

func TestImportInvalidRange(t *testing.T) {
	imp := newTestImporter(&fakeAPI{}, &fakeRates{}, newMemStore())
	if _, err := imp.ImportRange(context.Background(), octopus.FuelElectricity, bucketAt(11, 0), bucketAt(10, 0), Options{}); err == nil {
		t.Fatal("起止时间颠倒应报错")
	}
}
