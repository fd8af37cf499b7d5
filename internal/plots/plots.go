// Package plots renders the series collected during a training run as SVG
// charts, using the Margaid library (https://github.com/erkkah/margaid/),
// embedded in a single self-contained HTML page.
package plots

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"os"

	mg "github.com/erkkah/margaid"
	"github.com/pkg/errors"

	"github.com/kiminh/GlasXC/internal/trainer"
)

// Chart dimensions, sized for side-by-side viewing in a browser.
const (
	chartWidth  = 800
	chartHeight = 400
)

// WriteHTML renders the run's three charts to w: training loss per step, and
// precision@k and nDCG@k per epoch.
func WriteHTML(w io.Writer, state *trainer.RunState, k int) error {
	if _, err := fmt.Fprint(w, "<!DOCTYPE html>\n<html>\n<head><title>GlasXC training</title></head>\n<body>\n"); err != nil {
		return errors.Wrap(err, "failed to write plot HTML")
	}
	charts := []struct {
		title, xLabel, yLabel string
		values                []float64
	}{
		{"Training loss", "Step", "Loss", state.TrainLoss},
		{fmt.Sprintf("Precision@%d", k), "Epoch", fmt.Sprintf("P@%d", k), state.PrecisionAtK},
		{fmt.Sprintf("nDCG@%d", k), "Epoch", fmt.Sprintf("nDCG@%d", k), state.NDCGAtK},
	}
	for _, chart := range charts {
		svg, err := renderChart(chart.title, chart.xLabel, chart.yLabel, chart.values)
		if err != nil {
			return errors.WithMessagef(err, "failed to render %q", chart.title)
		}
		if _, err := fmt.Fprintf(w, "<div>\n%s</div>\n", svg); err != nil {
			return errors.Wrap(err, "failed to write plot HTML")
		}
	}
	if state.HasTest {
		_, err := fmt.Fprintf(w, "<p>Test set: precision@%d=%.4f, nDCG@%d=%.4f</p>\n",
			k, state.TestPrecisionAtK, k, state.TestNDCGAtK)
		if err != nil {
			return errors.Wrap(err, "failed to write plot HTML")
		}
	}
	if _, err := fmt.Fprint(w, "</body>\n</html>\n"); err != nil {
		return errors.Wrap(err, "failed to write plot HTML")
	}
	return nil
}

// WriteFile renders the run's charts into an HTML file at path.
func WriteFile(path string, state *trainer.RunState, k int) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create plot file %q", path)
	}
	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close plot file %q", path)
		}
	}()
	return WriteHTML(file, state, k)
}

// renderChart draws one series, indexed from 1 on the X axis, as an SVG chart.
func renderChart(title, xLabel, yLabel string, values []float64) (string, error) {
	if len(values) == 0 {
		return fmt.Sprintf("<p>%s: no data points</p>\n", html.EscapeString(title)), nil
	}
	series := mg.NewSeries(mg.Titled(title))
	for i, value := range values {
		series.Add(mg.MakeValue(float64(i+1), value))
	}
	diagram := mg.New(chartWidth, chartHeight,
		mg.WithAutorange(mg.XAxis, series),
		mg.WithAutorange(mg.YAxis, series),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	diagram.Line(series, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingStrokeWidth(2))
	diagram.Axis(series, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, xLabel)
	diagram.Axis(series, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, yLabel)
	diagram.Frame()
	diagram.Title(title)

	buf := bytes.NewBuffer(nil)
	if err := diagram.Render(buf); err != nil {
		return "", errors.Wrapf(err, "margaid failed to render %q", title)
	}
	return buf.String(), nil
}
