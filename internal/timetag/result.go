package timetag

import (
	"maps"
	"time"
)

// CoincidenceResult is the outcome of running a pipeline over one batch.
type CoincidenceResult struct {
	Specs       []CoincidenceSpec
	Counts      map[string]int64
	Accidentals map[string]float64
	DurationSec float64
}

// Total sums the counts across all labels.
func (r *CoincidenceResult) Total() int64 {
	var n int64
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// Count returns the count for label, or zero if it was not computed.
func (r *CoincidenceResult) Count(label string) int64 {
	if r == nil {
		return 0
	}
	return r.Counts[label]
}

// Labels returns labels in spec order.
func (r *CoincidenceResult) Labels() []string {
	out := make([]string, len(r.Specs))
	for i, s := range r.Specs {
		out[i] = s.Label()
	}
	return out
}

// Rate returns the count for label per second.
func (r *CoincidenceResult) Rate(label string) float64 {
	if r.DurationSec <= 0 {
		return 0
	}
	return float64(r.Counts[label]) / r.DurationSec
}

// MetricValue is one derived figure of merit.
type MetricValue struct {
	Name      string             `json:"name"`
	Value     float64            `json:"value"`
	Units     string             `json:"units,omitempty"`
	Extras    map[string]float64 `json:"extras,omitempty"`
	Timestamp time.Time          `json:"timestamp,omitzero"`
}

// Sigma returns the "sigma" extra when present.
func (m MetricValue) Sigma() (float64, bool) {
	s, ok := m.Extras["sigma"]
	return s, ok
}

// Extra returns a named extra, zero when absent.
func (m MetricValue) Extra(key string) float64 {
	return m.Extras[key]
}

// Clone returns a copy that does not share the extras map.
func (m MetricValue) Clone() MetricValue {
	m.Extras = maps.Clone(m.Extras)
	return m
}
