package octopus

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Fuel identifies one independently imported commodity.
type Fuel string

const (
	FuelElectricity Fuel = "electricity"
	FuelGas         Fuel = "gas"
)

// ParseFuel validates a CLI/config fuel name.
func ParseFuel(s string) (Fuel, error) {
	switch Fuel(strings.ToLower(s)) {
	case FuelElectricity:
		return FuelElectricity, nil
	case FuelGas:
		return FuelGas, nil
	}
	return "", fmt.Errorf("unknown fuel %q (want electricity or gas)", s)
}

// UsageRow is one validated half-hour consumption reading from the API.
type UsageRow struct {
	Start          time.Time
	End            time.Time
	ConsumptionKWh decimal.Decimal
}

// RateRow is one validated unit rate from the API, tagged with the tariff
// agreement it was fetched under.
type RateRow struct {
	TariffCode    string
	ValidFrom     time.Time
	ValidTo       *time.Time
	ValueIncVAT   decimal.Decimal
	ValueExcVAT   decimal.Decimal
	PaymentMethod string
}

// ContentKey fingerprints the fields that constitute a real value change.
// Re-fetches of overlapping windows dedupe on it, and the importer persists
// it as source_hash to tell genuine corrections from no-op refreshes.
func (r RateRow) ContentKey() string {
	to := "open"
	if r.ValidTo != nil {
		to = r.ValidTo.UTC().Format(time.RFC3339)
	}
	return strings.Join([]string{
		r.ValidFrom.UTC().Format(time.RFC3339),
		to,
		r.ValueIncVAT.String(),
		r.ValueExcVAT.String(),
		r.PaymentMethod,
	}, "|")
}

// Agreement binds a meter point to a tariff code for a dated window.
// A nil ValidTo means the agreement is still in effect.
type Agreement struct {
	TariffCode string
	ValidFrom  time.Time
	ValidTo    *time.Time
}

// MeterPoint carries a meter point identifier and its agreement history.
type MeterPoint struct {
	Identifier string
	Agreements []Agreement
}

// Property groups the meter points of one supply address.
type Property struct {
	MovedInAt              time.Time
	MovedOutAt             *time.Time
	ElectricityMeterPoints []MeterPoint
	GasMeterPoints         []MeterPoint
}

// Account is the billing account metadata used to resolve tariff agreements.
type Account struct {
	Number     string
	Properties []Property
}

// MeterPointFor returns the meter point matching identifier for the fuel,
// searching active properties first.
func (a Account) MeterPointFor(fuel Fuel, identifier string) (MeterPoint, bool) {
	points := func(p Property) []MeterPoint {
		if fuel == FuelGas {
			return p.GasMeterPoints
		}
		return p.ElectricityMeterPoints
	}

	for _, p := range a.Properties {
		if p.MovedOutAt != nil {
			continue
		}
		for _, mp := range points(p) {
			if mp.Identifier == identifier {
				return mp, true
			}
		}
	}
	for _, p := range a.Properties {
		for _, mp := range points(p) {
			if mp.Identifier == identifier {
				return mp, true
			}
		}
	}
	return MeterPoint{}, false
}

// ProductCode derives the product slug from a tariff code, e.g.
// E-1R-VAR-22-11-01-C -> VAR-22-11-01. Needed because the rates endpoint is
// keyed by product, not tariff.
func ProductCode(tariffCode string) (string, error) {
	parts := strings.Split(tariffCode, "-")
	if len(parts) < 4 {
		return "", fmt.Errorf("malformed tariff code %q", tariffCode)
	}
	return strings.Join(parts[2:len(parts)-1], "-"), nil
}
