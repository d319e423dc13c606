package auditor

import (
	"fmt"
	"math"
	"sort"
	"time"

	"usage-sync/internal/octopus"
)

// Classification is the outcome of comparing one bucket.
type Classification string

const (
	ClassPass      Classification = "PASS"
	ClassFail      Classification = "FAIL"
	ClassUncertain Classification = "UNCERTAIN"
)

// Finding is one bucket's comparison result. Findings are ephemeral; only the
// rollup counts and log lines persist.
type Finding struct {
	Bucket         time.Time
	Classification Classification
	Issue          string
	Confidence     float64
	Outlier        bool
	Details        string
}

// Series maps bucket start (unix seconds) to kWh.
type Series map[int64]float64

// Tolerances tune the per-fuel comparison rules.
type Tolerances struct {
	// Electric kWh must match upstream exactly, so the absolute tolerance is
	// tight.
	ElectricToleranceKWh float64
	// Gas is compared on percentage because calorific variance is expected.
	GasTolerancePct float64
	// Gas deltas past this escalate UNCERTAIN to FAIL.
	GasFailPct float64
	// Deltas past either of these are tagged as outliers: whole days of data
	// duplicated or lost, not rounding noise.
	OutlierKWh float64
	OutlierPct float64
}

// CompareSeries classifies every bucket in the union of the stored and API
// series. It is a pure function: identical inputs always yield identical
// findings, and boundary deltas classify as the passing side.
func CompareSeries(fuel octopus.Fuel, stored, api Series, tol Tolerances) []Finding {
	keys := unionKeys(stored, api)

	findings := make([]Finding, 0, len(keys))
	for _, k := range keys {
		bucket := time.Unix(k, 0).UTC()
		storedVal, inStore := stored[k]
		apiVal, inAPI := api[k]

		switch {
		case !inStore && apiVal != 0:
			findings = append(findings, Finding{
				Bucket:         bucket,
				Classification: ClassFail,
				Issue:          "DB GAP",
				Confidence:     1.0,
				Details:        fmt.Sprintf("api reports %.3f kWh, store has no row", apiVal),
			})
		case !inAPI && storedVal != 0:
			findings = append(findings, Finding{
				Bucket:         bucket,
				Classification: ClassUncertain,
				Issue:          "API GAP",
				Confidence:     0.4,
				Details:        fmt.Sprintf("store has %.3f kWh, api reports nothing (possible upstream latency)", storedVal),
			})
		case !inStore || !inAPI:
			// The side that exists is zero; nothing to flag.
			findings = append(findings, Finding{Bucket: bucket, Classification: ClassPass, Confidence: 1.0})
		default:
			findings = append(findings, compareBucket(fuel, bucket, storedVal, apiVal, tol))
		}
	}
	return findings
}

func compareBucket(fuel octopus.Fuel, bucket time.Time, storedVal, apiVal float64, tol Tolerances) Finding {
	delta := math.Abs(storedVal - apiVal)
	pct := 0.0
	if apiVal != 0 {
		pct = delta / math.Abs(apiVal) * 100
	} else if delta > 0 {
		pct = 100
	}

	outlier := delta > tol.OutlierKWh || pct > tol.OutlierPct
	details := fmt.Sprintf("stored %.3f vs api %.3f kWh (delta %.3f, %.2f%%)", storedVal, apiVal, delta, pct)

	if fuel == octopus.FuelGas {
		switch {
		case pct <= tol.GasTolerancePct:
			return Finding{Bucket: bucket, Classification: ClassPass, Confidence: 1.0}
		case pct <= tol.GasFailPct && !outlier:
			return Finding{
				Bucket:         bucket,
				Classification: ClassUncertain,
				Issue:          "MISMATCH",
				Confidence:     0.6,
				Details:        details,
			}
		default:
			return Finding{
				Bucket:         bucket,
				Classification: ClassFail,
				Issue:          issueFor(outlier),
				Confidence:     1.0,
				Outlier:        outlier,
				Details:        details,
			}
		}
	}

	if delta <= tol.ElectricToleranceKWh {
		return Finding{Bucket: bucket, Classification: ClassPass, Confidence: 1.0}
	}
	return Finding{
		Bucket:         bucket,
		Classification: ClassFail,
		Issue:          issueFor(outlier),
		Confidence:     1.0,
		Outlier:        outlier,
		Details:        details,
	}
}

func issueFor(outlier bool) string {
	if outlier {
		return "OUTLIER"
	}
	return "MISMATCH"
}

func unionKeys(a, b Series) []int64 {
	set := make(map[int64]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	keys := make([]int64, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// GasConversion configures the calorific-value inference heuristic.
type GasConversion struct {
	// Plausible physical range for the volume-to-kWh factor.
	Min float64
	Max float64
	// Factor applied when inference fails.
	Default float64
	// Residual percentage below which an implied factor counts as an
	// explanation.
	ExplainablePct float64
}

// CVResult reports how the gas series was reconciled.
type CVResult struct {
	Factor     float64
	Implied    float64
	Explained  bool
	Hypothesis string
}

// InferGasFactor decides which conversion factor reconciles the stored gas
// kWh against the API's raw values. Gas meters ambiguously report either kWh
// or volume; the implied factor storedTotal/apiRawTotal is accepted as the
// explanation only when it is physically plausible and the per-bucket
// residual after applying it stays below the explainable threshold.
func InferGasFactor(stored, apiRaw Series, cv GasConversion) CVResult {
	storedTotal, apiTotal := 0.0, 0.0
	for k, v := range stored {
		if _, ok := apiRaw[k]; ok {
			storedTotal += v
		}
	}
	for k, v := range apiRaw {
		if _, ok := stored[k]; ok {
			apiTotal += v
		}
	}

	if apiTotal <= 0 || storedTotal <= 0 {
		return CVResult{
			Factor:     cv.Default,
			Hypothesis: "no overlapping gas data to infer a conversion factor; using default",
		}
	}

	// Totals already agree: the meter reports kWh directly, no conversion.
	if residualPct(stored, apiRaw, 1.0) <= cv.ExplainablePct {
		return CVResult{
			Factor:     1.0,
			Implied:    storedTotal / apiTotal,
			Explained:  true,
			Hypothesis: "api gas readings already in kWh; no conversion applied",
		}
	}

	implied := storedTotal / apiTotal
	if implied < cv.Min || implied > cv.Max {
		return CVResult{
			Factor:  cv.Default,
			Implied: implied,
			Hypothesis: fmt.Sprintf(
				"implied conversion factor %.4f outside plausible range [%.2f, %.2f]; using default %.2f, discrepancy unresolved",
				implied, cv.Min, cv.Max, cv.Default),
		}
	}

	if res := residualPct(stored, apiRaw, implied); res > cv.ExplainablePct {
		return CVResult{
			Factor:  cv.Default,
			Implied: implied,
			Hypothesis: fmt.Sprintf(
				"implied conversion factor %.4f leaves %.2f%% residual (limit %.2f%%); using default %.2f, discrepancy unresolved",
				implied, res, cv.ExplainablePct, cv.Default),
		}
	}

	return CVResult{
		Factor:    implied,
		Implied:   implied,
		Explained: true,
		Hypothesis: fmt.Sprintf(
			"discrepancy explained by volume-to-kWh conversion factor %.4f", implied),
	}
}

// residualPct is the aggregate per-bucket mismatch, as a percentage of stored
// kWh, after scaling the API series by factor.
func residualPct(stored, apiRaw Series, factor float64) float64 {
	sumDelta, sumStored := 0.0, 0.0
	for k, s := range stored {
		a, ok := apiRaw[k]
		if !ok {
			continue
		}
		sumDelta += math.Abs(s - a*factor)
		sumStored += math.Abs(s)
	}
	if sumStored == 0 {
		return 0
	}
	return sumDelta / sumStored * 100
}

// Scale multiplies every value in the series by factor, returning a new series.
func (s Series) Scale(factor float64) Series {
	out := make(Series, len(s))
	for k, v := range s {
		out[k] = v * factor
	}
	return out
}
