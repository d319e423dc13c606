package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"usage-sync/internal/storage"
)

// Export renders stored daily usage totals as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.AddDate(-1, 0, 0)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	totals, err := store.SumConsumptionByDay(ctx, opts.Fuel, from, to)
	if err != nil {
		return err
	}
	if len(totals) == 0 {
		a.Logger.Info().Str("fuel", string(opts.Fuel)).Msg("no usage found for export window")
		return nil
	}

	downsampled := downsampleTotals(totals, opts.MaxPoints)
	a.Logger.Info().Int("total", len(totals)).Int("exported", len(downsampled)).Msg("exporting daily usage")

	if opts.CSVPath != "" {
		if err := writeUsageCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeUsagePNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleTotals(totals []storage.DailyTotal, max int) []storage.DailyTotal {
	if max <= 0 || len(totals) <= max {
		return totals
	}

	result := make([]storage.DailyTotal, 0, max)
	step := float64(len(totals)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(totals) {
			idx = len(totals) - 1
		}
		result = append(result, totals[idx])
	}
	return result
}

func writeUsageCSV(path string, totals []storage.DailyTotal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"day", "kwh", "price_pence"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, total := range totals {
		record := []string{
			total.Day.Format("2006-01-02"),
			total.KWh.String(),
			total.PricePence.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeUsagePNG(path string, totals []storage.DailyTotal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(totals))
	kwh := make([]float64, len(totals))
	pence := make([]float64, len(totals))

	for i, total := range totals {
		x[i] = total.Day
		kwh[i] = total.KWh.InexactFloat64()
		pence[i] = total.PricePence.InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Usage (kWh)",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Cost (p)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "kWh",
				XValues: x,
				YValues: kwh,
			},
			chart.TimeSeries{
				Name:    "Cost",
				XValues: x,
				YValues: pence,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
