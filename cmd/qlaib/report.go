package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"
	"text/tabwriter"

	"github.com/banshee-data/coincidence.report/internal/metrics"
	"github.com/banshee-data/coincidence.report/internal/plotting"
	"github.com/banshee-data/coincidence.report/internal/settings"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

func labeler(st *settings.Store) plotting.Labeler {
	if st == nil {
		return plotting.Labeler{}
	}
	return plotting.Labeler{Channel: st.ChannelLabel, Pair: st.PairLabel}
}

func channelName(st *settings.Store, ch int) string {
	if st == nil {
		return fmt.Sprintf("ch%d", ch)
	}
	return st.ChannelLabel(ch)
}

func pairName(st *settings.Store, label string) string {
	if st == nil {
		return label
	}
	return st.PairLabel(label)
}

func printSingles(w io.Writer, batch *timetag.Batch, st *settings.Store) error {
	counts := batch.Counts()
	channels := make([]int, 0, len(counts))
	for ch := range counts {
		channels = append(channels, ch)
	}
	slices.Sort(channels)

	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "CHANNEL\tCOUNTS\tRATE/S\n")
	for _, ch := range channels {
		rate := math.NaN()
		if batch.DurationSec() > 0 {
			rate = float64(counts[ch]) / batch.DurationSec()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", channelName(st, ch), counts[ch], formatValue(rate, 1))
	}
	fmt.Fprintf(tw, "total\t%d\t\n", batch.TotalEvents())
	return tw.Flush()
}

func printCoincidences(w io.Writer, res *timetag.CoincidenceResult, st *settings.Store) error {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "PAIR\tCHANNELS\tDELAY PS\tCOUNTS\tACCIDENTALS\n")
	for _, s := range res.Specs {
		delay := "-"
		if d, ok := s.Delay(); ok {
			delay = formatValue(d, 0)
		}
		fmt.Fprintf(tw, "%s\t%v\t%s\t%d\t%s\n",
			pairName(st, s.Label()), s.Channels(), delay, res.Count(s.Label()), formatValue(res.Accidentals[s.Label()], 2))
	}
	return tw.Flush()
}

func printMetrics(w io.Writer, values []timetag.MetricValue, errs []error) error {
	for _, g := range metrics.GroupForDisplay(values) {
		fmt.Fprintf(w, "\n%s\n", g.Title)
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, m := range g.Metrics {
			line := fmt.Sprintf("  %s\t%s", m.Name, formatValue(m.Value, 4))
			if s, ok := m.Sigma(); ok {
				line += fmt.Sprintf("\t± %s", formatValue(s, 4))
			}
			fmt.Fprintln(tw, line)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	for _, err := range errs {
		fmt.Fprintf(w, "warning: %v\n", err)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func formatValue(v float64, prec int) string {
	if !finite(v) {
		return "-"
	}
	return fmt.Sprintf("%.*f", prec, v)
}

// captureReport is the --json form of count and coincide.
type captureReport struct {
	Source       string                    `json:"source"`
	DurationSec  float64                   `json:"duration_sec"`
	Singles      map[int]int               `json:"singles"`
	Specs        []timetag.CoincidenceSpec `json:"specs,omitempty"`
	Coincidences map[string]int64          `json:"coincidences,omitempty"`
	Accidentals  map[string]float64        `json:"accidentals,omitempty"`
	Metrics      []timetag.MetricValue     `json:"metrics,omitempty"`
	Errors       []string                  `json:"errors,omitempty"`
}

func newCaptureReport(source string, batch *timetag.Batch, res *timetag.CoincidenceResult, values []timetag.MetricValue, errs []error) captureReport {
	r := captureReport{Source: source, DurationSec: batch.DurationSec(), Singles: batch.Counts()}
	if res != nil {
		r.Specs, r.Coincidences, r.Accidentals = res.Specs, res.Counts, res.Accidentals
	}
	for _, v := range values {
		if !finite(v.Value) {
			continue
		}
		extras := make(map[string]float64, len(v.Extras))
		for k, x := range v.Extras {
			if finite(x) {
				extras[k] = x
			}
		}
		v.Extras = extras
		r.Metrics = append(r.Metrics, v)
	}
	for _, err := range errs {
		r.Errors = append(r.Errors, err.Error())
	}
	return r
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func savePlots(w io.Writer, dir string, figs []plotting.Figure) error {
	paths, err := plotting.SaveAll(dir, figs)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintf(w, "wrote %s\n", p)
	}
	return nil
}
