// Package metrics derives figures of merit from coincidence results through
// an explicit registry of named metric functions.
package metrics

import (
	"fmt"
	"sync"

	"github.com/banshee-data/coincidence.report/internal/monitoring"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// Func computes one metric from a result.
type Func func(*timetag.CoincidenceResult) (timetag.MetricValue, error)

// ComputationError describes a metric that failed or panicked.
type ComputationError struct {
	Metric string
	Err    error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("metric %s failed: %v", e.Metric, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

type entry struct {
	name string
	fn   Func
}

// Registry holds metric functions in registration order. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewDefaultRegistry registers the visibility, QBER and CHSH metrics.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(VisibilityHV, visibilityHV)
	r.Register(VisibilityDA, visibilityDA)
	r.Register(Visibility, visibilityAvg)
	r.Register(QBERHV, qberHV)
	r.Register(QBERDA, qberDA)
	r.Register(QBERTotal, qberTotal)
	r.Register(CHSH, chsh)
	return r
}

// Register adds fn under name. Registering an existing name replaces the
// function but keeps its position.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].name == name {
			r.entries[i].fn = fn
			return
		}
	}
	r.entries = append(r.entries, entry{name: name, fn: fn})
}

// Names lists registered metrics in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.name
	}
	return out
}

// ComputeAll evaluates every metric in order. Metrics that fail or panic are
// left out of the values and reported in errs; the rest are still computed.
func (r *Registry) ComputeAll(res *timetag.CoincidenceResult) (values []timetag.MetricValue, errs []error) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	values = make([]timetag.MetricValue, 0, len(entries))
	for _, e := range entries {
		v, err := compute(e, res)
		if err != nil {
			monitoring.Logf("[Metrics] %v", err)
			errs = append(errs, err)
			continue
		}
		if v.Name == "" {
			v.Name = e.name
		}
		values = append(values, v)
	}
	return values, errs
}

func compute(e entry, res *timetag.CoincidenceResult) (v timetag.MetricValue, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &ComputationError{Metric: e.name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	v, err = e.fn(res)
	if err != nil {
		return v, &ComputationError{Metric: e.name, Err: err}
	}
	return v, nil
}
