package metrics

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coincidence.report/internal/monitoring"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

func result(counts map[string]int64) *timetag.CoincidenceResult {
	return &timetag.CoincidenceResult{Counts: counts, DurationSec: 1}
}

func byName(values []timetag.MetricValue) map[string]timetag.MetricValue {
	out := map[string]timetag.MetricValue{}
	for _, v := range values {
		out[v.Name] = v
	}
	return out
}

func TestWorkedVisibilityExample(t *testing.T) {
	t.Parallel()

	res := result(map[string]int64{
		"HH": 100, "VV": 100, "HV": 10, "VH": 10,
		"DD": 90, "AA": 90, "DA": 5, "AD": 5,
	})
	values, errs := NewDefaultRegistry().ComputeAll(res)
	require.Empty(t, errs)
	m := byName(values)

	assert.InDelta(t, 0.8182, m[VisibilityHV].Value, 1e-4)
	assert.InDelta(t, 0.8947, m[VisibilityDA].Value, 1e-4)
	assert.InDelta(t, 0.8565, m[Visibility].Value, 1e-4)
	assert.InDelta(t, 0.0718, m[QBERTotal].Value, 1e-4)
	assert.Equal(t, 200.0, m[VisibilityHV].Extra("like"))
	assert.Equal(t, 20.0, m[VisibilityHV].Extra("cross"))
	assert.Equal(t, m[VisibilityHV].Value, m[Visibility].Extra("vis_HV"))
	assert.Equal(t, m[VisibilityDA].Value, m[Visibility].Extra("vis_DA"))
}

func TestDefaultRegistryOrder(t *testing.T) {
	t.Parallel()

	want := []string{VisibilityHV, VisibilityDA, Visibility, QBERHV, QBERDA, QBERTotal, CHSH}
	assert.Equal(t, want, NewDefaultRegistry().Names())

	values, _ := NewDefaultRegistry().ComputeAll(result(nil))
	got := make([]string, len(values))
	for i, v := range values {
		got[i] = v.Name
	}
	assert.Equal(t, want, got)
}

func TestVisibilityClampProperty(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	reg := NewDefaultRegistry()
	for i := 0; i < 2000; i++ {
		counts := map[string]int64{}
		for _, l := range []string{"HH", "VV", "HV", "VH", "DD", "AA", "DA", "AD"} {
			if rng.IntN(4) > 0 {
				counts[l] = rng.Int64N(100_000)
			}
		}
		values, errs := reg.ComputeAll(result(counts))
		require.Empty(t, errs)
		m := byName(values)
		vis := m[Visibility].Value
		assert.GreaterOrEqual(t, vis, 0.0)
		assert.LessOrEqual(t, vis, MaxVisibility)
		assert.Equal(t, (1-vis)/2, m[QBERTotal].Value)
	}
}

func TestClampAndQBER(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, ClampVisibility(-0.5))
	assert.Equal(t, MaxVisibility, ClampVisibility(1.5))
	assert.Equal(t, 0.5, ClampVisibility(0.5))
	for _, v := range []float64{0, 0.25, 0.5, 0.999} {
		assert.Equal(t, (1-v)/2, QBER(v))
	}
}

func TestCorrelation(t *testing.T) {
	t.Parallel()

	e, s := Correlation(0, 0, 0, 0)
	assert.Zero(t, e)
	assert.Zero(t, s)

	e, s = Correlation(100, 0, 0, 100)
	assert.Equal(t, 1.0, e)
	assert.InDelta(t, math.Sqrt(2e-4), s, 1e-12)

	e, _ = Correlation(25, 25, 25, 25)
	assert.Zero(t, e)
}

func TestCHSH(t *testing.T) {
	t.Parallel()

	values, errs := NewDefaultRegistry().ComputeAll(result(map[string]int64{
		"HH": 100, "VV": 100, "DD": 100, "AA": 100,
	}))
	require.Empty(t, errs)
	m := byName(values)[CHSH]

	assert.InDelta(t, 2.0, m.Value, 1e-12)
	assert.Equal(t, 1.0, m.Extra("E_ab"))
	assert.Zero(t, m.Extra("E_abp"))
	assert.Zero(t, m.Extra("E_apb"))
	assert.Equal(t, 1.0, m.Extra("E_apbp"))
	sigma, ok := m.Sigma()
	require.True(t, ok)
	assert.InDelta(t, 0.02, sigma, 1e-12)
}

func TestComputeAllIsolatesFailures(t *testing.T) {
	t.Parallel()
	monitoring.SetLogger(nil)

	reg := NewRegistry()
	reg.Register("first", func(*timetag.CoincidenceResult) (timetag.MetricValue, error) {
		return timetag.MetricValue{Value: 1}, nil
	})
	reg.Register("errors", func(*timetag.CoincidenceResult) (timetag.MetricValue, error) {
		return timetag.MetricValue{}, errors.New("bad input")
	})
	reg.Register("panics", func(*timetag.CoincidenceResult) (timetag.MetricValue, error) {
		panic("divide by zero")
	})
	reg.Register("last", func(*timetag.CoincidenceResult) (timetag.MetricValue, error) {
		return timetag.MetricValue{Name: "last", Value: 2}, nil
	})

	values, errs := reg.ComputeAll(result(nil))
	require.Len(t, values, 2)
	assert.Equal(t, "first", values[0].Name)
	assert.Equal(t, "last", values[1].Name)
	require.Len(t, errs, 2)

	var compErr *ComputationError
	require.True(t, errors.As(errs[0], &compErr))
	assert.Equal(t, "errors", compErr.Metric)
	require.True(t, errors.As(errs[1], &compErr))
	assert.Equal(t, "panics", compErr.Metric)
	assert.Contains(t, compErr.Error(), "divide by zero")
}

func TestRegisterReplacesInPlace(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	fn := func(v float64) Func {
		return func(*timetag.CoincidenceResult) (timetag.MetricValue, error) {
			return timetag.MetricValue{Value: v}, nil
		}
	}
	reg.Register("a", fn(1))
	reg.Register("b", fn(2))
	reg.Register("a", fn(3))
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	values, _ := reg.ComputeAll(result(nil))
	assert.Equal(t, 3.0, values[0].Value)
}

func TestGroupForDisplay(t *testing.T) {
	t.Parallel()

	values, _ := NewDefaultRegistry().ComputeAll(result(nil))
	groups := GroupForDisplay(values)
	require.Len(t, groups, 3)
	assert.Equal(t, "Visibility", groups[0].Title)
	assert.Len(t, groups[0].Metrics, 3)
	assert.Equal(t, "QBER", groups[1].Title)
	assert.Len(t, groups[1].Metrics, 3)
	assert.Equal(t, "Other", groups[2].Title)
	assert.Equal(t, CHSH, groups[2].Metrics[0].Name)

	assert.Empty(t, GroupForDisplay(nil))
}
