// Package calibration finds per-pair detector delays and turns them into
// coincidence specifications.
package calibration

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// Pair is a labelled two-channel combination.
type Pair struct {
	Label string `json:"label" yaml:"label"`
	A     int    `json:"a" yaml:"a"`
	B     int    `json:"b" yaml:"b"`
}

// DefaultLikePairs are the reference pairs used for calibration: matching
// polarisation on both sides.
var DefaultLikePairs = []Pair{
	{"HH", 1, 5},
	{"VV", 2, 6},
	{"DD", 3, 7},
	{"AA", 4, 8},
}

// DefaultCrossPairs are measured with delays inherited from the like pairs.
var DefaultCrossPairs = []Pair{
	{"HV", 1, 6},
	{"VH", 2, 5},
	{"DA", 3, 8},
	{"AD", 4, 7},
	{"HD", 1, 7},
	{"HA", 1, 8},
	{"VD", 2, 7},
	{"VA", 2, 8},
	{"DH", 3, 5},
	{"DV", 3, 6},
	{"AH", 4, 5},
	{"AV", 4, 6},
}

// ScanRange is a delay scan over [StartPs, EndPs] in StepPs increments,
// counting with WindowPs.
type ScanRange struct {
	WindowPs float64 `json:"window_ps"`
	StartPs  float64 `json:"start_ps"`
	EndPs    float64 `json:"end_ps"`
	StepPs   float64 `json:"step_ps"`
}

// DefaultScan matches the histogram defaults of the settings document.
func DefaultScan() ScanRange {
	return ScanRange{WindowPs: 200, StartPs: -8000, EndPs: 8000, StepPs: 50}
}

// Validate rejects scans the correlator cannot run.
func (s ScanRange) Validate() error {
	switch {
	case !(s.WindowPs > 0):
		return fmt.Errorf("scan window must be positive, got %g ps", s.WindowPs)
	case !(s.StepPs > 0):
		return fmt.Errorf("scan step must be positive, got %g ps", s.StepPs)
	case s.EndPs < s.StartPs:
		return fmt.Errorf("scan end %g ps is before start %g ps", s.EndPs, s.StartPs)
	}
	return nil
}

// AutoCalibrate finds the best delay for every pair. Pairs with an empty
// channel get a zero delay and the service is not consulted for them.
func AutoCalibrate(svc correlator.Service, batch *timetag.Batch, pairs []Pair, scan ScanRange) (map[string]float64, error) {
	if err := scan.Validate(); err != nil {
		return nil, err
	}
	delays := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		a, b := batch.Events(p.A), batch.Events(p.B)
		if len(a) == 0 || len(b) == 0 {
			delays[p.Label] = 0
			continue
		}
		d, err := svc.FindBestDelay(a, b, scan.WindowPs, scan.StartPs, scan.EndPs, scan.StepPs)
		if err != nil {
			return nil, fmt.Errorf("failed to calibrate %s: %w", p.Label, err)
		}
		delays[p.Label] = d
	}
	return delays, nil
}

// SpecsFromDelays builds specs for like pairs using their own delay, then
// cross pairs using the delay recorded for their first channel, else their
// second channel, else zero.
func SpecsFromDelays(windowPs float64, like, cross []Pair, delays map[string]float64) ([]timetag.CoincidenceSpec, error) {
	specs := make([]timetag.CoincidenceSpec, 0, len(like)+len(cross))
	channelDelay := map[int]float64{}
	for _, p := range like {
		d := delays[p.Label]
		channelDelay[p.A] = d
		channelDelay[p.B] = d
		s, err := timetag.NewSpec(p.Label, []int{p.A, p.B}, windowPs)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s.WithDelay(d))
	}
	for _, p := range cross {
		d, ok := channelDelay[p.A]
		if !ok {
			d = channelDelay[p.B]
		}
		s, err := timetag.NewSpec(p.Label, []int{p.A, p.B}, windowPs)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s.WithDelay(d))
	}
	return specs, nil
}

// DelayHistogram is the coincidence count per scanned delay for one pair.
type DelayHistogram struct {
	Pair      Pair      `json:"pair"`
	OffsetsPs []float64 `json:"offsets_ps"`
	Counts    []int64   `json:"counts"`
}

// Histogram scans the delays of one pair. An empty channel yields an
// all-zero histogram without consulting the service.
func Histogram(svc correlator.Service, batch *timetag.Batch, p Pair, scan ScanRange) (DelayHistogram, error) {
	if err := scan.Validate(); err != nil {
		return DelayHistogram{}, err
	}
	a, b := batch.Events(p.A), batch.Events(p.B)
	if len(a) == 0 || len(b) == 0 {
		offsets, err := correlator.ScanOffsets(scan.StartPs, scan.EndPs, scan.StepPs)
		if err != nil {
			return DelayHistogram{}, err
		}
		return DelayHistogram{Pair: p, OffsetsPs: offsets, Counts: make([]int64, len(offsets))}, nil
	}
	offsets, counts, err := svc.Histogram(a, b, scan.WindowPs, scan.StartPs, scan.EndPs, scan.StepPs)
	if err != nil {
		return DelayHistogram{}, fmt.Errorf("failed to compute histogram for %s: %w", p.Label, err)
	}
	return DelayHistogram{Pair: p, OffsetsPs: offsets, Counts: counts}, nil
}

// PeakDelay returns the offset with the highest count, the first one on ties.
// An empty or all-zero histogram reports a zero delay.
func (h DelayHistogram) PeakDelay() (delayPs float64, count int64) {
	if len(h.Counts) == 0 {
		return 0, 0
	}
	vals := make([]float64, len(h.Counts))
	for i, c := range h.Counts {
		vals[i] = float64(c)
	}
	idx := floats.MaxIdx(vals)
	if h.Counts[idx] == 0 {
		return 0, 0
	}
	return h.OffsetsPs[idx], h.Counts[idx]
}

// Lookup finds a pair by label in the given lists.
func Lookup(label string, lists ...[]Pair) (Pair, bool) {
	for _, list := range lists {
		for _, p := range list {
			if p.Label == label {
				return p, true
			}
		}
	}
	return Pair{}, false
}
