// Package history keeps bounded time series of live updates for plotting
// and export.
package history

import (
	"slices"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// DefaultMaxPoints is the capacity used when none is given.
const DefaultMaxPoints = 500

// Point is one sample of a keyed series.
type Point struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

// Series splits points into parallel slices for plotting.
func Series(points []Point) (ts, vs []float64) {
	ts = make([]float64, len(points))
	vs = make([]float64, len(points))
	for i, p := range points {
		ts[i], vs[i] = p.T, p.V
	}
	return ts, vs
}

type keyed[K comparable] struct {
	order  []K
	series map[K]*Ring[Point]
}

func newKeyed[K comparable]() keyed[K] {
	return keyed[K]{series: map[K]*Ring[Point]{}}
}

func (k *keyed[K]) push(key K, p Point, capacity int) {
	r, ok := k.series[key]
	if !ok {
		r = NewRing[Point](capacity)
		k.series[key] = r
		k.order = append(k.order, key)
	}
	r.Push(p)
}

func (k *keyed[K]) resize(capacity int) {
	for _, r := range k.series {
		r.Resize(capacity)
	}
}

func (k *keyed[K]) points(key K) []Point {
	if r, ok := k.series[key]; ok {
		return r.Items()
	}
	return nil
}

func (k *keyed[K]) all() map[K][]Point {
	out := make(map[K][]Point, len(k.series))
	for key, r := range k.series {
		out[key] = r.Items()
	}
	return out
}

// Buffer holds the recent history of singles, coincidences, metrics and
// metric uncertainties. Every series shares one capacity. Safe for
// concurrent use.
type Buffer struct {
	mu           sync.RWMutex
	maxPoints    int
	times        *Ring[float64]
	singles      keyed[int]
	coincidences keyed[string]
	metrics      keyed[string]
	sigmas       keyed[string]
}

// NewBuffer returns an empty buffer holding at most maxPoints samples per
// series.
func NewBuffer(maxPoints int) *Buffer {
	if maxPoints < 1 {
		maxPoints = DefaultMaxPoints
	}
	return &Buffer{
		maxPoints:    maxPoints,
		times:        NewRing[float64](maxPoints),
		singles:      newKeyed[int](),
		coincidences: newKeyed[string](),
		metrics:      newKeyed[string](),
		sigmas:       newKeyed[string](),
	}
}

// Append records one update at time ts. Series are created on first sight
// of a channel, label or metric; sigma series only for metrics carrying a
// sigma extra.
func (b *Buffer) Append(ts float64, singles map[int]int, res *timetag.CoincidenceResult, metrics []timetag.MetricValue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.times.Push(ts)
	chans := make([]int, 0, len(singles))
	for ch := range singles {
		chans = append(chans, ch)
	}
	slices.Sort(chans)
	for _, ch := range chans {
		b.singles.push(ch, Point{ts, float64(singles[ch])}, b.maxPoints)
	}
	if res != nil {
		for _, label := range res.Labels() {
			if n, ok := res.Counts[label]; ok {
				b.coincidences.push(label, Point{ts, float64(n)}, b.maxPoints)
			}
		}
	}
	for _, m := range metrics {
		b.metrics.push(m.Name, Point{ts, m.Value}, b.maxPoints)
		if s, ok := m.Sigma(); ok {
			b.sigmas.push(m.Name, Point{ts, s}, b.maxPoints)
		}
	}
}

// Resize changes the capacity of every series, keeping the newest samples.
func (b *Buffer) Resize(maxPoints int) {
	if maxPoints < 1 {
		maxPoints = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if maxPoints == b.maxPoints {
		return
	}
	b.maxPoints = maxPoints
	b.times.Resize(maxPoints)
	b.singles.resize(maxPoints)
	b.coincidences.resize(maxPoints)
	b.metrics.resize(maxPoints)
	b.sigmas.resize(maxPoints)
}

// MaxPoints is the current capacity.
func (b *Buffer) MaxPoints() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxPoints
}

// Len is the number of retained timestamps.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.times.Len()
}

// Times returns the retained timestamps, oldest first.
func (b *Buffer) Times() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.times.Items()
}

// Singles returns the count series for ch.
func (b *Buffer) Singles(ch int) []Point {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.singles.points(ch)
}

// Coincidences returns the count series for label.
func (b *Buffer) Coincidences(label string) []Point {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.coincidences.points(label)
}

// Metric returns the value series for name.
func (b *Buffer) Metric(name string) []Point {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics.points(name)
}

// MetricSigma returns the uncertainty series for name.
func (b *Buffer) MetricSigma(name string) []Point {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sigmas.points(name)
}

// Channels lists channels in order of first appearance.
func (b *Buffer) Channels() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.singles.order)
}

// Labels lists coincidence labels in order of first appearance.
func (b *Buffer) Labels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.coincidences.order)
}

// MetricNames lists metrics in order of first appearance.
func (b *Buffer) MetricNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.metrics.order)
}

// Snapshot is a consistent copy of every series.
type Snapshot struct {
	MaxPoints    int                `json:"max_points"`
	Times        []float64          `json:"times"`
	Singles      map[int][]Point    `json:"singles"`
	Coincidences map[string][]Point `json:"coincidences"`
	Metrics      map[string][]Point `json:"metrics"`
	MetricSigmas map[string][]Point `json:"metric_sigmas"`
	Channels     []int              `json:"channels"`
	Labels       []string           `json:"labels"`
	MetricNames  []string           `json:"metric_names"`
}

// Snapshot copies all series under one lock.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		MaxPoints:    b.maxPoints,
		Times:        b.times.Items(),
		Singles:      b.singles.all(),
		Coincidences: b.coincidences.all(),
		Metrics:      b.metrics.all(),
		MetricSigmas: b.sigmas.all(),
		Channels:     slices.Clone(b.singles.order),
		Labels:       slices.Clone(b.coincidences.order),
		MetricNames:  slices.Clone(b.metrics.order),
	}
}

// Summary describes one retained series.
type Summary struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Last   float64 `json:"last"`
}

// Summarize computes the mean and sample standard deviation of points.
func Summarize(points []Point) Summary {
	if len(points) == 0 {
		return Summary{}
	}
	_, vs := Series(points)
	s := Summary{N: len(vs), Last: vs[len(vs)-1]}
	if len(vs) == 1 {
		s.Mean = vs[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(vs, nil)
	return s
}
