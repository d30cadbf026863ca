// Package pipeline counts coincidences for a fixed set of specifications
// over acquisition batches.
package pipeline

import (
	"fmt"
	"slices"

	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// Pipeline is immutable; UpdateDelay returns a new one so that a running
// loop can swap pipelines atomically.
type Pipeline struct {
	svc         correlator.Service
	specs       []timetag.CoincidenceSpec
	index       map[string]int
	accidentals bool
}

// Option adjusts a Pipeline at construction.
type Option func(*Pipeline)

// WithoutAccidentals disables the accidental-rate estimate.
func WithoutAccidentals() Option {
	return func(p *Pipeline) { p.accidentals = false }
}

// New validates specs and builds a pipeline. Labels must be unique.
func New(svc correlator.Service, specs []timetag.CoincidenceSpec, opts ...Option) (*Pipeline, error) {
	if svc == nil {
		return nil, fmt.Errorf("pipeline needs a correlation service")
	}
	p := &Pipeline{
		svc:         svc,
		specs:       slices.Clone(specs),
		index:       make(map[string]int, len(specs)),
		accidentals: true,
	}
	for i, s := range p.specs {
		if s.Label() == "" || s.Arity() < 2 || !(s.WindowPs() > 0) {
			return nil, &timetag.ConfigurationError{Label: s.Label(), Reason: "spec was not built with NewSpec"}
		}
		if _, dup := p.index[s.Label()]; dup {
			return nil, &timetag.ConfigurationError{Label: s.Label(), Reason: "duplicate label"}
		}
		p.index[s.Label()] = i
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Labels lists spec labels in configuration order.
func (p *Pipeline) Labels() []string {
	out := make([]string, len(p.specs))
	for i, s := range p.specs {
		out[i] = s.Label()
	}
	return out
}

// Specs returns a copy of the configured specs.
func (p *Pipeline) Specs() []timetag.CoincidenceSpec {
	return slices.Clone(p.specs)
}

// Spec returns the spec with the given label.
func (p *Pipeline) Spec(label string) (timetag.CoincidenceSpec, bool) {
	i, ok := p.index[label]
	if !ok {
		return timetag.CoincidenceSpec{}, false
	}
	return p.specs[i], true
}

// UpdateDelay returns a copy of p with the delay of label replaced.
func (p *Pipeline) UpdateDelay(label string, delayPs float64) (*Pipeline, error) {
	i, ok := p.index[label]
	if !ok {
		return nil, fmt.Errorf("unknown coincidence label %q", label)
	}
	next := &Pipeline{
		svc:         p.svc,
		specs:       slices.Clone(p.specs),
		index:       p.index,
		accidentals: p.accidentals,
	}
	next.specs[i] = next.specs[i].WithDelay(delayPs)
	return next, nil
}

// Run counts every spec over batch. A spec with an empty channel yields a
// zero count and zero accidentals without consulting the service.
func (p *Pipeline) Run(batch *timetag.Batch) (*timetag.CoincidenceResult, error) {
	res := &timetag.CoincidenceResult{
		Specs:       slices.Clone(p.specs),
		Counts:      make(map[string]int64, len(p.specs)),
		Accidentals: make(map[string]float64, len(p.specs)),
		DurationSec: batch.DurationSec(),
	}
	for _, s := range p.specs {
		count, acc, err := p.runSpec(s, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", s.Label(), err)
		}
		res.Counts[s.Label()] = count
		res.Accidentals[s.Label()] = acc
	}
	return res, nil
}

func (p *Pipeline) runSpec(s timetag.CoincidenceSpec, batch *timetag.Batch) (int64, float64, error) {
	arrays := make([][]int64, s.Arity())
	for i := range arrays {
		arrays[i] = batch.Events(s.Channel(i))
		if len(arrays[i]) == 0 {
			return 0, 0, nil
		}
	}

	if s.Arity() > 2 {
		n, err := p.svc.CountNFold(arrays, s.WindowPs())
		return n, 0, err
	}

	n, err := p.svc.CountPair(arrays[0], arrays[1], s.WindowPs(), s.DelayOrZero())
	if err != nil {
		return 0, 0, err
	}
	var acc float64
	if p.accidentals {
		acc = Accidentals(len(arrays[0]), len(arrays[1]), s.WindowPs(), batch.DurationSec())
	}
	return n, acc, nil
}

// Accidentals estimates uncorrelated coincidences as 2·N_A·N_B·τ/T with τ in
// seconds. It is zero for a non-positive duration.
func Accidentals(nA, nB int, windowPs, durationSec float64) float64 {
	if durationSec <= 0 {
		return 0
	}
	return 2 * float64(nA) * float64(nB) * (windowPs * 1e-12) / durationSec
}
