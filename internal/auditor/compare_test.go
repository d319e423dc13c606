package auditor

import (
	"math"
	"reflect"
	"testing"
	"time"

	"usage-sync/internal/octopus"
)

var testTol = Tolerances{
	ElectricToleranceKWh: 0.011,
	GasTolerancePct:      12.0,
	GasFailPct:           25.0,
	OutlierKWh:           10.0,
	OutlierPct:           75.0,
}

func key(h int) int64 {
	return time.Date(2026, 3, 1, h, 0, 0, 0, time.UTC).Unix()
}

func TestCompareSeriesDBGap(t *testing.T) {
	findings := CompareSeries(octopus.FuelElectricity, Series{}, Series{key(1): 1.2}, testTol)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.Classification != ClassFail || f.Issue != "DB GAP" {
		t.Fatalf("missing stored bucket with api data must be FAIL DB GAP, got %+v", f)
	}
}

func TestCompareSeriesAPIGap(t *testing.T) {
	findings := CompareSeries(octopus.FuelElectricity, Series{key(1): 1.2}, Series{}, testTol)
	f := findings[0]
	if f.Classification != ClassUncertain || f.Issue != "API GAP" {
		t.Fatalf("missing api bucket must be UNCERTAIN API GAP, got %+v", f)
	}
	if math.Abs(f.Confidence-0.4) > 1e-9 {
		t.Fatalf("API GAP confidence should be 0.4, got %v", f.Confidence)
	}
}

func TestCompareSeriesZeroOnOneSideIsPass(t *testing.T) {
	findings := CompareSeries(octopus.FuelElectricity, Series{key(1): 0}, Series{}, testTol)
	if findings[0].Classification != ClassPass {
		t.Fatalf("zero stored with missing api is not a gap, got %+v", findings[0])
	}
}

func TestCompareSeriesElectricBoundary(t *testing.T) {
	// Exactly at the tolerance must classify as the passing side.
	atBoundary := CompareSeries(octopus.FuelElectricity,
		Series{key(1): 1.011}, Series{key(1): 1.0}, testTol)
	if atBoundary[0].Classification != ClassPass {
		t.Fatalf("delta == tolerance must PASS, got %+v", atBoundary[0])
	}

	over := CompareSeries(octopus.FuelElectricity,
		Series{key(1): 1.012}, Series{key(1): 1.0}, testTol)
	if over[0].Classification != ClassFail || over[0].Outlier {
		t.Fatalf("delta just over tolerance must FAIL without outlier tag, got %+v", over[0])
	}
}

func TestCompareSeriesGasEscalation(t *testing.T) {
	cases := []struct {
		name   string
		stored float64
		want   Classification
	}{
		{"within tolerance", 1.10, ClassPass},      // 10% mismatch
		{"uncertain band", 1.20, ClassUncertain},   // 20% mismatch
		{"at fail boundary", 1.25, ClassUncertain}, // 25% == boundary stays uncertain
		{"past fail boundary", 1.30, ClassFail},    // 30% mismatch
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			findings := CompareSeries(octopus.FuelGas,
				Series{key(2): tc.stored}, Series{key(2): 1.0}, testTol)
			if findings[0].Classification != tc.want {
				t.Fatalf("stored %.2f vs 1.0: got %s, want %s", tc.stored, findings[0].Classification, tc.want)
			}
		})
	}
}

func TestCompareSeriesOutlierTagging(t *testing.T) {
	findings := CompareSeries(octopus.FuelElectricity,
		Series{key(3): 25.0}, Series{key(3): 1.0}, testTol)
	f := findings[0]
	if f.Classification != ClassFail || !f.Outlier || f.Issue != "OUTLIER" {
		t.Fatalf("an entire day's worth of delta should be an outlier, got %+v", f)
	}
}

func TestCompareSeriesDeterministic(t *testing.T) {
	stored := Series{key(1): 1.0, key(2): 2.5, key(3): 0.3}
	api := Series{key(1): 1.0, key(2): 2.0, key(4): 0.8}

	first := CompareSeries(octopus.FuelGas, stored, api, testTol)
	second := CompareSeries(octopus.FuelGas, stored, api, testTol)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("CompareSeries must be pure: identical inputs, identical findings")
	}
}

var testCV = GasConversion{Min: 9.0, Max: 12.5, Default: 11.1, ExplainablePct: 1.0}

func TestInferGasFactorVolumeReadings(t *testing.T) {
	// API reports m3, store holds kWh at factor 11.2.
	apiRaw := Series{key(1): 1.0, key(2): 2.0, key(3): 0.5}
	stored := apiRaw.Scale(11.2)

	result := InferGasFactor(stored, apiRaw, testCV)
	if !result.Explained {
		t.Fatalf("plausible implied factor should explain the discrepancy: %+v", result)
	}
	if math.Abs(result.Factor-11.2) > 1e-9 {
		t.Fatalf("factor should be the implied 11.2, got %v", result.Factor)
	}
}

func TestInferGasFactorAlreadyKWh(t *testing.T) {
	stored := Series{key(1): 5.0, key(2): 3.2}
	result := InferGasFactor(stored, Series{key(1): 5.0, key(2): 3.2}, testCV)
	if !result.Explained || result.Factor != 1.0 {
		t.Fatalf("matching totals mean the api already reports kWh: %+v", result)
	}
}

func TestInferGasFactorImplausibleFallsBack(t *testing.T) {
	// Implied factor 3.0 is not a physical volume-to-kWh conversion.
	stored := Series{key(1): 3.0}
	result := InferGasFactor(stored, Series{key(1): 1.0}, testCV)
	if result.Explained {
		t.Fatalf("implausible factor must not count as explanation: %+v", result)
	}
	if result.Factor != testCV.Default {
		t.Fatalf("should fall back to the default factor, got %v", result.Factor)
	}
	if result.Hypothesis == "" {
		t.Fatal("fallback must carry a hypothesis string")
	}
}

func TestInferGasFactorHighResidualFallsBack(t *testing.T) {
	// Totals imply ~11 but the per-bucket shape disagrees wildly, so the
	// factor does not actually explain the mismatch.
	stored := Series{key(1): 22.0, key(2): 0.5}
	apiRaw := Series{key(1): 0.5, key(2): 1.5}

	result := InferGasFactor(stored, apiRaw, testCV)
	if result.Explained {
		t.Fatalf("high residual must be treated as unresolved: %+v", result)
	}
	if result.Factor != testCV.Default {
		t.Fatalf("should fall back to the default factor, got %v", result.Factor)
	}
}

func TestInferGasFactorNoData(t *testing.T) {
	result := InferGasFactor(Series{}, Series{}, testCV)
	if result.Explained || result.Factor != testCV.Default {
		t.Fatalf("no data should fall back to default: %+v", result)
	}
}
