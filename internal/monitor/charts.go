package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/coincidence.report/internal/history"
	"github.com/banshee-data/coincidence.report/internal/metrics"
	"github.com/banshee-data/coincidence.report/internal/session"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

func initOpts(title string) charts.GlobalOpts {
	return charts.WithInitializationOpts(opts.Initialization{
		PageTitle:  title,
		Width:      "100%",
		Height:     "420px",
		AssetsHost: echartsAssetsPrefix,
	})
}

func renderPage(w http.ResponseWriter, page *components.Page) {
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func newPage(title string) *components.Page {
	page := components.NewPage()
	page.SetPageTitle(title).SetAssetsHost(echartsAssetsPrefix)
	return page
}

func barChart(title, subtitle string, names []string, values []float64) *charts.Bar {
	data := make([]opts.BarData, len(values))
	for i, v := range values {
		data[i] = opts.BarData{Value: v}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		initOpts(title),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).AddSeries(title, data,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)
	return bar
}

// handleLiveChart renders bar charts of the latest update.
func (ws *WebServer) handleLiveChart(w http.ResponseWriter, r *http.Request) {
	u, elapsed := ws.session.Latest()
	if u == nil {
		http.Error(w, session.ErrNoData.Error(), http.StatusNotFound)
		return
	}
	subtitle := fmt.Sprintf("seq=%d t=%.1fs exposure=%.3fs", u.Seq, elapsed, u.Batch.DurationSec())

	counts := u.SinglesCounts()
	chans := u.Batch.Channels()
	names := make([]string, len(chans))
	values := make([]float64, len(chans))
	for i, ch := range chans {
		names[i] = ws.session.ChannelLabel(ch)
		values[i] = float64(counts[ch])
	}
	page := newPage("qlaib latest")
	page.AddCharts(barChart("Singles", subtitle, names, values))

	labels := u.Result.Labels()
	names = make([]string, len(labels))
	values = make([]float64, len(labels))
	for i, l := range labels {
		names[i] = ws.session.PairLabel(l)
		values[i] = float64(u.Result.Count(l))
	}
	page.AddCharts(barChart("Coincidences", subtitle, names, values))

	for _, g := range metrics.GroupForDisplay(u.Metrics) {
		names := make([]string, len(g.Metrics))
		values := make([]float64, len(g.Metrics))
		for i, m := range g.Metrics {
			names[i] = m.Name
			values[i] = roundTo(m.Value, 4)
		}
		page.AddCharts(barChart(g.Title, subtitle, names, values))
	}
	renderPage(w, page)
}

func lineChart(title, yName string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		initOpts(title),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: yName}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	return line
}

func lineData(points []history.Point) []opts.LineData {
	data := make([]opts.LineData, 0, len(points))
	for _, p := range points {
		if math.IsNaN(p.V) || math.IsInf(p.V, 0) {
			continue
		}
		data = append(data, opts.LineData{Value: []any{p.T, p.V}})
	}
	return data
}

// handleHistoryChart renders line charts of the retained history.
func (ws *WebServer) handleHistoryChart(w http.ResponseWriter, r *http.Request) {
	snap := ws.session.History().Snapshot()
	page := newPage("qlaib history")

	singles := lineChart("Singles history", "Counts")
	for _, ch := range snap.Channels {
		singles.AddSeries(ws.session.ChannelLabel(ch), lineData(snap.Singles[ch]))
	}
	coinc := lineChart("Coincidence history", "Counts")
	for _, label := range snap.Labels {
		coinc.AddSeries(ws.session.PairLabel(label), lineData(snap.Coincidences[label]))
	}
	page.AddCharts(singles, coinc)

	groups := map[string]*charts.Line{}
	var order []string
	for _, name := range snap.MetricNames {
		title := metrics.GroupForDisplay([]timetag.MetricValue{{Name: name}})[0].Title
		line, ok := groups[title]
		if !ok {
			line = lineChart(title+" history", title)
			groups[title] = line
			order = append(order, title)
		}
		line.AddSeries(name, lineData(snap.Metrics[name]))
	}
	for _, title := range order {
		page.AddCharts(groups[title])
	}
	renderPage(w, page)
}

// handleHistogramChart renders the delay histogram of ?pair= with the peak
// marked.
func (ws *WebServer) handleHistogramChart(w http.ResponseWriter, r *http.Request) {
	h, ok := ws.histogram(w, r)
	if !ok {
		return
	}
	peak, n := h.PeakDelay()

	data := make([]opts.LineData, len(h.OffsetsPs))
	for i, off := range h.OffsetsPs {
		data[i] = opts.LineData{Value: []any{off, h.Counts[i]}}
	}
	label := ws.session.PairLabel(h.Pair.Label)
	line := charts.NewLine()
	line.SetGlobalOptions(
		initOpts("Delay histogram "+label),
		charts.WithTitleOpts(opts.Title{
			Title:    "Delay histogram " + label,
			Subtitle: fmt.Sprintf("ch%d vs ch%d, peak %s ps (%d counts)", h.Pair.A, h.Pair.B, strconv.FormatFloat(peak, 'f', 0, 64), n),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Delay (ps)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Coincidences"}),
	)
	line.AddSeries(label, data, charts.WithLineChartOpts(opts.LineChart{Step: "middle"}))

	page := newPage("qlaib histogram")
	page.AddCharts(line)
	renderPage(w, page)
}

func roundTo(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
