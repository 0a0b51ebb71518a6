package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/detlink/internal/monitoring"
)

// histogramBins is the number of confidence bins in the histogram image.
const histogramBins = 10

// AttachAdminRoutes exposes the processor counters on the /debug/ index, as
// JSON at /debug/pipeline-stats, as a chart at /debug/confidence-chart and
// as a PNG histogram at /debug/confidence-histogram.
func (p *Processor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KV("Run ID", p.runID)
	debug.KVFunc("Frames processed", func() any { return p.Stats().Frames })
	debug.KVFunc("Invalid records", func() any { return p.Stats().InvalidRecords })
	debug.KVFunc("Detections sent", func() any { return p.Stats().Sent })
	debug.KVFunc("Last sequence", func() any {
		if s := p.Stats().LastSeq; s != nil {
			return *s
		}
		return "-"
	})

	debug.HandleFunc("pipeline-stats", "Pipeline counters and per-class confidence (JSON)", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(p.Stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	debug.HandleFunc("confidence-chart", "Per-class confidence chart", p.handleConfidenceChart)
	debug.HandleFunc("confidence-histogram", "Confidence histogram (PNG)", p.handleConfidenceHistogram)
}

// handleConfidenceChart renders the per-class confidence summary as a bar
// chart with mean, median and standard deviation series.
func (p *Processor) handleConfidenceChart(w http.ResponseWriter, r *http.Request) {
	snap := p.Stats()

	names := make([]string, 0, len(snap.Classes))
	var mean, median, std []opts.BarData
	for _, c := range snap.Classes {
		names = append(names, fmt.Sprintf("%s (%d)", c.Name, c.Count))
		mean = append(mean, opts.BarData{Value: round3(c.Mean)})
		median = append(median, opts.BarData{Value: round3(c.Median)})
		std = append(std, opts.BarData{Value: round3(c.StdDev)})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Detection confidence", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Detection confidence by class",
			Subtitle: fmt.Sprintf("run=%s sent=%d window=%d", snap.RunID, snap.Sent, confidenceWindow),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "confidence", Min: 0, Max: 1}),
	)
	bar.SetXAxis(names).
		AddSeries("mean", mean).
		AddSeries("median", median).
		AddSeries("stddev", std)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleConfidenceHistogram renders the recent confidences of all classes as
// a PNG bar chart.
func (p *Processor) handleConfidenceHistogram(w http.ResponseWriter, r *http.Request) {
	pl := plot.New()
	pl.Title.Text = "Detection confidence"
	pl.X.Label.Text = "confidence"
	pl.Y.Label.Text = "detections"

	bars, err := plotter.NewBarChart(plotter.Values(p.stats.histogram(histogramBins)), vg.Points(20))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to build histogram: %v", err), http.StatusInternalServerError)
		return
	}
	pl.Add(bars)

	labels := make([]string, histogramBins)
	for i := range labels {
		labels[i] = fmt.Sprintf("%.1f", float64(i)/histogramBins)
	}
	pl.NominalX(labels...)

	wt, err := pl.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to render histogram: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		monitoring.Logf("confidence histogram: %v", err)
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
