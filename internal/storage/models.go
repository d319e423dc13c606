package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"usage-sync/internal/octopus"
)

// ConsumptionInterval is one persisted half-hour usage bucket. Exactly one
// row exists per bucket start per fuel table.
type ConsumptionInterval struct {
	Start          time.Time
	End            time.Time
	ConsumptionKWh decimal.Decimal
	PricePence     decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RateInterval is the unit price applicable to one half-hour bucket under one
// tariff. SourceHash fingerprints the upstream content so re-imports can tell
// genuine corrections from no-op refreshes.
type RateInterval struct {
	Fuel            octopus.Fuel
	TariffCode      string
	IntervalStart   time.Time
	IntervalEnd     time.Time
	ValueIncVAT     decimal.Decimal
	ValueExcVAT     decimal.Decimal
	PaymentMethod   string
	SourceUpdatedAt time.Time
	SourceHash      string
}

// RateChangeAudit is an append-only provenance row written whenever an
// existing RateInterval's content changes. Never updated or deleted.
type RateChangeAudit struct {
	Fuel                  octopus.Fuel
	TariffCode            string
	IntervalStart         time.Time
	PreviousValueIncVAT   decimal.Decimal
	NewValueIncVAT        decimal.Decimal
	PreviousValueExcVAT   decimal.Decimal
	NewValueExcVAT        decimal.Decimal
	PreviousSourceUpdated time.Time
	NewSourceUpdated      time.Time
	Reason                string
}

// DailyTotal is a day-bucketed consumption aggregate.
type DailyTotal struct {
	Day        time.Time
	KWh        decimal.Decimal
	PricePence decimal.Decimal
}

// UpsertResult reports whether an upsert inserted a new row or updated an
// existing one.
type UpsertResult struct {
	Inserted bool
}
