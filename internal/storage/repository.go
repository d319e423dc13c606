package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"usage-sync/internal/octopus"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertConsumptionSQL = `INSERT INTO %s (
        start_at,
        end_at,
        consumption_kwh,
        price_pence
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (start_at) DO UPDATE
    SET
        end_at          = EXCLUDED.end_at,
        consumption_kwh = EXCLUDED.consumption_kwh,
        price_pence     = EXCLUDED.price_pence,
        updated_at      = now()
    RETURNING (xmax = 0) AS inserted;`

	repriceConsumptionSQL = `UPDATE %s
    SET price_pence = ROUND(ROUND(consumption_kwh, 2) * $2, 2),
        updated_at  = now()
    WHERE start_at = $1;`

	listBucketStartsSQL = `SELECT start_at FROM %s
    WHERE start_at >= $1
      AND start_at < $2
    ORDER BY start_at;`

	listConsumptionBetweenSQL = `SELECT
        start_at,
        end_at,
        consumption_kwh,
        price_pence,
        created_at,
        updated_at
    FROM %s
    WHERE start_at >= $1
      AND start_at < $2
    ORDER BY start_at;`

	listRecentConsumptionSQL = `SELECT
        start_at,
        end_at,
        consumption_kwh,
        price_pence,
        created_at,
        updated_at
    FROM %s
    ORDER BY start_at DESC
    LIMIT $1;`

	sumConsumptionByDaySQL = `SELECT
        date_trunc('day', start_at AT TIME ZONE 'UTC') AS day,
        COALESCE(SUM(consumption_kwh), 0),
        COALESCE(SUM(price_pence), 0)
    FROM %s
    WHERE start_at >= $1
      AND start_at < $2
    GROUP BY day
    ORDER BY day;`

	dataBoundsSQL = `SELECT MIN(start_at), MAX(start_at) FROM %s;`

	getRateIntervalSQL = `SELECT
        fuel,
        tariff_code,
        interval_start,
        interval_end,
        value_inc_vat,
        value_exc_vat,
        payment_method,
        source_updated_at,
        source_hash
    FROM rate_intervals
    WHERE fuel = $1
      AND tariff_code = $2
      AND interval_start = $3;`

	upsertRateIntervalSQL = `INSERT INTO rate_intervals (
        fuel,
        tariff_code,
        interval_start,
        interval_end,
        value_inc_vat,
        value_exc_vat,
        payment_method,
        source_updated_at,
        source_hash
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (fuel, tariff_code, interval_start) DO UPDATE
    SET
        interval_end      = EXCLUDED.interval_end,
        value_inc_vat     = EXCLUDED.value_inc_vat,
        value_exc_vat     = EXCLUDED.value_exc_vat,
        payment_method    = EXCLUDED.payment_method,
        source_updated_at = EXCLUDED.source_updated_at,
        source_hash       = EXCLUDED.source_hash
    RETURNING (xmax = 0) AS inserted;`

	insertRateAuditSQL = `INSERT INTO rate_change_audit (
        fuel,
        tariff_code,
        interval_start,
        previous_value_inc_vat,
        new_value_inc_vat,
        previous_value_exc_vat,
        new_value_exc_vat,
        previous_source_updated_at,
        new_source_updated_at,
        reason
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DBTX is the subset of pgx shared by pools and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ImportTx is one fuel's import transaction: both upserts and every audit row
// commit or roll back together.
type ImportTx interface {
	GetRateInterval(ctx context.Context, fuel octopus.Fuel, tariffCode string, start time.Time) (RateInterval, bool, error)
	UpsertRateInterval(ctx context.Context, rate RateInterval) (UpsertResult, error)
	InsertRateAudit(ctx context.Context, audit RateChangeAudit) error
	UpsertConsumption(ctx context.Context, fuel octopus.Fuel, row ConsumptionInterval) (UpsertResult, error)
	RepriceConsumption(ctx context.Context, fuel octopus.Fuel, bucket time.Time, unitRate decimal.Decimal) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ImportStore defines the persistence operations the importer depends on.
type ImportStore interface {
	ListBucketStarts(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]time.Time, error)
	BeginImport(ctx context.Context) (ImportTx, error)
	// Legacy path: per-row upserts outside the audited transaction, used when
	// the primary path hits a permission error.
	UpsertConsumption(ctx context.Context, fuel octopus.Fuel, row ConsumptionInterval) (UpsertResult, error)
	UpsertRateInterval(ctx context.Context, rate RateInterval) (UpsertResult, error)
}

// AuditStore defines the read-only operations the auditor depends on.
type AuditStore interface {
	DataBounds(ctx context.Context, fuel octopus.Fuel) (min, max time.Time, ok bool, err error)
	SumConsumptionByDay(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]DailyTotal, error)
	ListConsumptionBetween(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]ConsumptionInterval, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to consumption, rate, and audit tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func consumptionTable(fuel octopus.Fuel) string {
	if fuel == octopus.FuelGas {
		return "gas_consumption"
	}
	return "electricity_consumption"
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// BeginImport opens a serializable transaction scoping one fuel's import.
func (s *Store) BeginImport(ctx context.Context) (ImportTx, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin import tx: %w", err)
	}
	return &importTx{tx: tx}, nil
}

// ListBucketStarts lists stored bucket starts for a fuel within [from, to).
func (s *Store) ListBucketStarts(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fmt.Sprintf(listBucketStartsSQL, consumptionTable(fuel)), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list bucket starts: %w", queryErr)
	}
	defer rows.Close()

	starts := make([]time.Time, 0)
	for rows.Next() {
		var start time.Time
		if err := rows.Scan(&start); err != nil {
			return nil, err
		}
		starts = append(starts, start.UTC())
	}
	return starts, rows.Err()
}

// UpsertConsumption persists or updates one bucket outside a transaction.
func (s *Store) UpsertConsumption(ctx context.Context, fuel octopus.Fuel, row ConsumptionInterval) (UpsertResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return UpsertResult{}, err
	}
	return upsertConsumption(ctx, pool, fuel, row)
}

// UpsertRateInterval persists or updates one rate bucket outside a transaction.
func (s *Store) UpsertRateInterval(ctx context.Context, rate RateInterval) (UpsertResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return UpsertResult{}, err
	}
	return upsertRateInterval(ctx, pool, rate)
}

// ListConsumptionBetween lists stored buckets for a fuel within [from, to).
func (s *Store) ListConsumptionBetween(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]ConsumptionInterval, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fmt.Sprintf(listConsumptionBetweenSQL, consumptionTable(fuel)), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list consumption between: %w", queryErr)
	}
	defer rows.Close()

	return scanConsumptionRows(rows)
}

// ListRecentConsumption lists the most recent buckets ordered descending.
func (s *Store) ListRecentConsumption(ctx context.Context, fuel octopus.Fuel, limit int) ([]ConsumptionInterval, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fmt.Sprintf(listRecentConsumptionSQL, consumptionTable(fuel)), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent consumption: %w", queryErr)
	}
	defer rows.Close()

	return scanConsumptionRows(rows)
}

// SumConsumptionByDay aggregates stored kWh and pence per UTC day.
func (s *Store) SumConsumptionByDay(ctx context.Context, fuel octopus.Fuel, from, to time.Time) ([]DailyTotal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fmt.Sprintf(sumConsumptionByDaySQL, consumptionTable(fuel)), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("sum consumption by day: %w", queryErr)
	}
	defer rows.Close()

	totals := make([]DailyTotal, 0)
	for rows.Next() {
		var (
			day      time.Time
			kwhStr   string
			penceStr string
		)
		if err := rows.Scan(&day, &kwhStr, &penceStr); err != nil {
			return nil, err
		}
		kwh, err := decimal.NewFromString(kwhStr)
		if err != nil {
			return nil, fmt.Errorf("parse daily kwh: %w", err)
		}
		pence, err := decimal.NewFromString(penceStr)
		if err != nil {
			return nil, fmt.Errorf("parse daily pence: %w", err)
		}
		totals = append(totals, DailyTotal{Day: day.UTC(), KWh: kwh, PricePence: pence})
	}
	return totals, rows.Err()
}

// DataBounds reports the earliest and latest stored bucket starts for a fuel.
func (s *Store) DataBounds(ctx context.Context, fuel octopus.Fuel) (time.Time, time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}

	var min, max *time.Time
	if scanErr := pool.QueryRow(ctx, fmt.Sprintf(dataBoundsSQL, consumptionTable(fuel))).Scan(&min, &max); scanErr != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("data bounds: %w", scanErr)
	}
	if min == nil || max == nil {
		return time.Time{}, time.Time{}, false, nil
	}
	return min.UTC(), max.UTC(), true, nil
}

type importTx struct {
	tx pgx.Tx
}

func (t *importTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *importTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *importTx) GetRateInterval(ctx context.Context, fuel octopus.Fuel, tariffCode string, start time.Time) (RateInterval, bool, error) {
	return getRateInterval(ctx, t.tx, fuel, tariffCode, start)
}

func (t *importTx) UpsertRateInterval(ctx context.Context, rate RateInterval) (UpsertResult, error) {
	return upsertRateInterval(ctx, t.tx, rate)
}

func (t *importTx) InsertRateAudit(ctx context.Context, audit RateChangeAudit) error {
	return insertRateAudit(ctx, t.tx, audit)
}

func (t *importTx) UpsertConsumption(ctx context.Context, fuel octopus.Fuel, row ConsumptionInterval) (UpsertResult, error) {
	return upsertConsumption(ctx, t.tx, fuel, row)
}

func (t *importTx) RepriceConsumption(ctx context.Context, fuel octopus.Fuel, bucket time.Time, unitRate decimal.Decimal) error {
	sql := fmt.Sprintf(repriceConsumptionSQL, consumptionTable(fuel))
	if _, err := t.tx.Exec(ctx, sql, bucket, unitRate.String()); err != nil {
		return fmt.Errorf("reprice consumption: %w", err)
	}
	return nil
}

func upsertConsumption(ctx context.Context, db DBTX, fuel octopus.Fuel, row ConsumptionInterval) (UpsertResult, error) {
	sql := fmt.Sprintf(upsertConsumptionSQL, consumptionTable(fuel))

	var inserted bool
	err := db.QueryRow(ctx, sql,
		row.Start,
		row.End,
		row.ConsumptionKWh.String(),
		row.PricePence.String(),
	).Scan(&inserted)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert consumption: %w", err)
	}
	return UpsertResult{Inserted: inserted}, nil
}

func upsertRateInterval(ctx context.Context, db DBTX, rate RateInterval) (UpsertResult, error) {
	var inserted bool
	err := db.QueryRow(ctx, upsertRateIntervalSQL,
		string(rate.Fuel),
		rate.TariffCode,
		rate.IntervalStart,
		rate.IntervalEnd,
		rate.ValueIncVAT.String(),
		rate.ValueExcVAT.String(),
		rate.PaymentMethod,
		rate.SourceUpdatedAt,
		rate.SourceHash,
	).Scan(&inserted)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert rate interval: %w", err)
	}
	return UpsertResult{Inserted: inserted}, nil
}

func getRateInterval(ctx context.Context, db DBTX, fuel octopus.Fuel, tariffCode string, start time.Time) (RateInterval, bool, error) {
	row := db.QueryRow(ctx, getRateIntervalSQL, string(fuel), tariffCode, start)

	var (
		rate      RateInterval
		fuelStr   string
		incVATStr string
		excVATStr string
	)
	err := row.Scan(
		&fuelStr,
		&rate.TariffCode,
		&rate.IntervalStart,
		&rate.IntervalEnd,
		&incVATStr,
		&excVATStr,
		&rate.PaymentMethod,
		&rate.SourceUpdatedAt,
		&rate.SourceHash,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return RateInterval{}, false, nil
	}
	if err != nil {
		return RateInterval{}, false, fmt.Errorf("get rate interval: %w", err)
	}

	rate.Fuel = octopus.Fuel(fuelStr)
	if rate.ValueIncVAT, err = decimal.NewFromString(incVATStr); err != nil {
		return RateInterval{}, false, fmt.Errorf("parse value_inc_vat: %w", err)
	}
	if rate.ValueExcVAT, err = decimal.NewFromString(excVATStr); err != nil {
		return RateInterval{}, false, fmt.Errorf("parse value_exc_vat: %w", err)
	}
	rate.IntervalStart = rate.IntervalStart.UTC()
	rate.IntervalEnd = rate.IntervalEnd.UTC()
	return rate, true, nil
}

func insertRateAudit(ctx context.Context, db DBTX, audit RateChangeAudit) error {
	_, err := db.Exec(ctx, insertRateAuditSQL,
		string(audit.Fuel),
		audit.TariffCode,
		audit.IntervalStart,
		audit.PreviousValueIncVAT.String(),
		audit.NewValueIncVAT.String(),
		audit.PreviousValueExcVAT.String(),
		audit.NewValueExcVAT.String(),
		audit.PreviousSourceUpdated,
		audit.NewSourceUpdated,
		audit.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert rate audit: %w", err)
	}
	return nil
}

func scanConsumptionRows(rows pgx.Rows) ([]ConsumptionInterval, error) {
	out := make([]ConsumptionInterval, 0)
	for rows.Next() {
		var (
			row      ConsumptionInterval
			kwhStr   string
			penceStr string
		)
		if err := rows.Scan(&row.Start, &row.End, &kwhStr, &penceStr, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		kwh, err := decimal.NewFromString(kwhStr)
		if err != nil {
			return nil, fmt.Errorf("parse consumption kwh: %w", err)
		}
		pence, err := decimal.NewFromString(penceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price pence: %w", err)
		}
		row.ConsumptionKWh = kwh
		row.PricePence = pence
		row.Start = row.Start.UTC()
		row.End = row.End.UTC()
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// IsPermissionError reports whether err is a postgres privilege failure
// (SQLSTATE 42501), which triggers the legacy import fallback.
func IsPermissionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42501"
	}
	return false
}
