package reconciler

import (
	"io"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// LineReconciled generates an echart line chart for one series plotting the
// base forecast against the reconciled forecast with its upper and lower
// summary bands.
func LineReconciled(fc *Forecast, res *Result) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(
			opts.Title{
				Title: res.Series,
			},
		),
	)

	lineDataBase := make([]opts.LineData, 0, len(fc.Mean))
	lineDataForecast := make([]opts.LineData, 0, len(res.Forecast))
	lineDataUpper := make([]opts.LineData, 0, len(res.Upper))
	lineDataLower := make([]opts.LineData, 0, len(res.Lower))

	for i := 0; i < len(res.Forecast); i++ {
		lineDataBase = append(lineDataBase, opts.LineData{Value: fc.Mean[i]})
		lineDataForecast = append(lineDataForecast, opts.LineData{Value: res.Forecast[i]})
		lineDataUpper = append(lineDataUpper, opts.LineData{Value: res.Upper[i]})
		lineDataLower = append(lineDataLower, opts.LineData{Value: res.Lower[i]})
	}

	line.SetXAxis(res.T).
		AddSeries("Base", lineDataBase).
		AddSeries("Reconciled", lineDataForecast).
		AddSeries("Upper", lineDataUpper).
		AddSeries("Lower", lineDataLower)
	return line
}

// PlotReconciled uses the Apache Echarts library to generate an html file
// showing every series' base and reconciled forecasts. Forecasts and results
// are matched by position.
func PlotReconciled(path string, fcs []*Forecast, results []*Result) error {
	page := components.NewPage()
	for i, res := range results {
		page.AddCharts(LineReconciled(fcs[i], res))
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	return page.Render(io.MultiWriter(file))
}
