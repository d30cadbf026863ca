package plotting

import (
	"fmt"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/coincidence.report/internal/calibration"
	"github.com/banshee-data/coincidence.report/internal/history"
	"github.com/banshee-data/coincidence.report/internal/metrics"
	"github.com/banshee-data/coincidence.report/internal/pipeline"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// Labeler maps a channel or spec label to its display name. A nil Labeler
// keeps the defaults.
type Labeler struct {
	Channel func(ch int) string
	Pair    func(label string) string
}

func (l Labeler) channel(ch int) string {
	if l.Channel != nil {
		return l.Channel(ch)
	}
	return "Ch " + strconv.Itoa(ch)
}

func (l Labeler) pair(label string) string {
	if l.Pair != nil {
		return l.Pair(label)
	}
	return label
}

// Singles is a bar chart of detections per channel.
func Singles(batch *timetag.Batch, lb Labeler) (*plot.Plot, error) {
	p := newPlot("Singles per channel", "Channel", "Counts (per chunk)")
	counts := batch.Counts()
	chans := batch.Channels()
	names := make([]string, len(chans))
	values := make([]float64, len(chans))
	for i, ch := range chans {
		names[i] = lb.channel(ch)
		values[i] = float64(counts[ch])
	}
	if err := bars(p, names, values, singlesColor, "%.0f"); err != nil {
		return nil, err
	}
	return p, nil
}

// Coincidences is a bar chart of counts per spec in configuration order.
func Coincidences(res *timetag.CoincidenceResult, lb Labeler) (*plot.Plot, error) {
	p := newPlot("Coincidences", "", "Coincidences per chunk")
	labels := res.Labels()
	names := make([]string, len(labels))
	values := make([]float64, len(labels))
	for i, label := range labels {
		names[i] = lb.pair(label)
		values[i] = float64(res.Counts[label])
	}
	if err := bars(p, names, values, coincColor, "%.0f"); err != nil {
		return nil, err
	}
	return p, nil
}

// MetricGroup is a bar chart of one display group.
func MetricGroup(g metrics.Group) (*plot.Plot, error) {
	p := newPlot(g.Title, "", "Value")
	names := make([]string, len(g.Metrics))
	values := make([]float64, len(g.Metrics))
	for i, m := range g.Metrics {
		names[i] = m.Name
		values[i] = m.Value
	}
	p.Y.Max = 1
	if err := bars(p, names, values, metricColor, "%.3f"); err != nil {
		return nil, err
	}
	return p, nil
}

// DelayHistogram plots coincidences against applied delay and marks the
// peak.
func DelayHistogram(h calibration.DelayHistogram) (*plot.Plot, error) {
	peak, count := h.PeakDelay()
	p := newPlot(
		fmt.Sprintf("%s delay histogram (peak %.0f ps, %d counts)", h.Pair.Label, peak, count),
		"Delay (ps)", "Coincidences",
	)
	ys := make([]float64, len(h.Counts))
	for i, c := range h.Counts {
		ys[i] = float64(c)
	}
	if err := addLine(p, h.Pair.Label, xys(h.OffsetsPs, ys), coincColor); err != nil {
		return nil, err
	}
	if len(h.Counts) > 0 {
		sc, err := plotter.NewScatter(plotter.XYs{{X: peak, Y: float64(count)}})
		if err != nil {
			return nil, err
		}
		sc.Shape = draw.CircleGlyph{}
		sc.Color = metricColor
		p.Add(sc)
	}
	return p, nil
}

// Snapshot builds the figures for a live summary: singles, coincidences
// and one bar chart per metric group.
func Snapshot(batch *timetag.Batch, res *timetag.CoincidenceResult, values []timetag.MetricValue, lb Labeler) ([]Figure, error) {
	singles, err := Singles(batch, lb)
	if err != nil {
		return nil, err
	}
	coinc, err := Coincidences(res, lb)
	if err != nil {
		return nil, err
	}
	figs := []Figure{{Name: "singles", Plot: singles}, {Name: "coincidences", Plot: coinc}}
	for _, g := range metrics.GroupForDisplay(values) {
		p, err := MetricGroup(g)
		if err != nil {
			return nil, err
		}
		figs = append(figs, Figure{Name: "metrics_" + slug(g.Title), Plot: p})
	}
	return figs, nil
}

// TimeSeries builds singles, coincidence and metric-group line plots of a
// chunked analysis.
func TimeSeries(ts *pipeline.TimeSeries, lb Labeler) ([]Figure, error) {
	singles := newPlot("Singles", "Time (s)", "Singles / chunk")
	colors := generateColors(len(ts.Channels))
	for i, ch := range ts.Channels {
		if err := addLine(singles, lb.channel(ch), xys(ts.Times, ts.Singles[ch]), colors[i]); err != nil {
			return nil, err
		}
	}

	coinc := newPlot("Coincidences", "Time (s)", "Coincidences / chunk")
	colors = generateColors(len(ts.Labels))
	for i, label := range ts.Labels {
		if err := addLine(coinc, lb.pair(label), xys(ts.Times, ts.Coincidences[label]), colors[i]); err != nil {
			return nil, err
		}
	}

	figs := []Figure{{Name: "timeseries_singles", Plot: singles}, {Name: "timeseries_coincidences", Plot: coinc}}
	for _, g := range groupNames(ts.MetricNames) {
		p := newPlot(g.title, "Time (s)", g.title)
		colors := generateColors(len(g.names))
		for i, name := range g.names {
			if err := addLine(p, name, xys(ts.Times, ts.Metrics[name]), colors[i]); err != nil {
				return nil, err
			}
		}
		figs = append(figs, Figure{Name: "timeseries_" + slug(g.title), Plot: p})
	}
	return figs, nil
}

// History plots the retained live history.
func History(snap history.Snapshot, lb Labeler) ([]Figure, error) {
	singles := newPlot("Singles history", "Time (s)", "Singles")
	colors := generateColors(len(snap.Channels))
	for i, ch := range snap.Channels {
		ts, vs := history.Series(snap.Singles[ch])
		if err := addLine(singles, lb.channel(ch), xys(ts, vs), colors[i]); err != nil {
			return nil, err
		}
	}

	coinc := newPlot("Coincidence history", "Time (s)", "Coincidences")
	colors = generateColors(len(snap.Labels))
	for i, label := range snap.Labels {
		ts, vs := history.Series(snap.Coincidences[label])
		if err := addLine(coinc, lb.pair(label), xys(ts, vs), colors[i]); err != nil {
			return nil, err
		}
	}

	figs := []Figure{{Name: "history_singles", Plot: singles}, {Name: "history_coincidences", Plot: coinc}}
	for _, g := range groupNames(snap.MetricNames) {
		p := newPlot(g.title+" history", "Time (s)", g.title)
		colors := generateColors(len(g.names))
		for i, name := range g.names {
			ts, vs := history.Series(snap.Metrics[name])
			if err := addLine(p, name, xys(ts, vs), colors[i]); err != nil {
				return nil, err
			}
		}
		figs = append(figs, Figure{Name: "history_" + slug(g.title), Plot: p})
	}
	return figs, nil
}

type nameGroup struct {
	title string
	names []string
}

// groupNames applies the display grouping to bare metric names.
func groupNames(names []string) []nameGroup {
	values := make([]timetag.MetricValue, len(names))
	for i, n := range names {
		values[i] = timetag.MetricValue{Name: n}
	}
	var out []nameGroup
	for _, g := range metrics.GroupForDisplay(values) {
		ng := nameGroup{title: g.Title}
		for _, m := range g.Metrics {
			ng.names = append(ng.names, m.Name)
		}
		out = append(out, ng)
	}
	return out
}

func slug(title string) string {
	out := make([]byte, 0, len(title))
	for i := 0; i < len(title); i++ {
		c := title[i]
		switch {
		case c >= 'A' && c <= 'Z':
			out = append(out, c+'a'-'A')
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
