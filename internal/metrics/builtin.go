package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// Built-in metric names.
const (
	VisibilityHV = "visibility_HV"
	VisibilityDA = "visibility_DA"
	Visibility   = "visibility"
	QBERHV       = "QBER_HV"
	QBERDA       = "QBER_DA"
	QBERTotal    = "QBER_total"
	CHSH         = "CHSH_S"
)

const epsilon = 1e-9

// MaxVisibility caps the averaged visibility.
const MaxVisibility = 0.999

func sumCounts(res *timetag.CoincidenceResult, labels ...string) int64 {
	var n int64
	for _, l := range labels {
		n += res.Count(l)
	}
	return n
}

func visibility(res *timetag.CoincidenceResult, name string, like, cross [2]string) timetag.MetricValue {
	l := float64(sumCounts(res, like[:]...))
	c := float64(sumCounts(res, cross[:]...))
	return timetag.MetricValue{
		Name:   name,
		Value:  (l - c) / (l + c + epsilon),
		Extras: map[string]float64{"like": l, "cross": c},
	}
}

func visHV(res *timetag.CoincidenceResult) timetag.MetricValue {
	return visibility(res, VisibilityHV, [2]string{"HH", "VV"}, [2]string{"HV", "VH"})
}

func visDA(res *timetag.CoincidenceResult) timetag.MetricValue {
	return visibility(res, VisibilityDA, [2]string{"DD", "AA"}, [2]string{"DA", "AD"})
}

func visAvg(res *timetag.CoincidenceResult) timetag.MetricValue {
	hv, da := visHV(res).Value, visDA(res).Value
	return timetag.MetricValue{
		Name:   Visibility,
		Value:  ClampVisibility((hv + da) / 2),
		Extras: map[string]float64{"vis_HV": hv, "vis_DA": da},
	}
}

// ClampVisibility bounds v to [0, MaxVisibility].
func ClampVisibility(v float64) float64 {
	return math.Max(0, math.Min(MaxVisibility, v))
}

// QBER converts a visibility to a quantum bit error rate.
func QBER(visibility float64) float64 {
	return (1 - visibility) / 2
}

func visibilityHV(res *timetag.CoincidenceResult) (timetag.MetricValue, error) {
	return visHV(res), nil
}

func visibilityDA(res *timetag.CoincidenceResult) (timetag.MetricValue, error) {
	return visDA(res), nil
}

func visibilityAvg(res *timetag.CoincidenceResult) (timetag.MetricValue, error) {
	return visAvg(res), nil
}

func qberHV(res *timetag.CoincidenceResult) (timetag.MetricValue, error) {
	return timetag.MetricValue{Name: QBERHV, Value: QBER(visHV(res).Value)}, nil
}

func qberDA(res *timetag.CoincidenceResult) (timetag.MetricValue, error) {
	return timetag.MetricValue{Name: QBERDA, Value: QBER(visDA(res).Value)}, nil
}

func qberTotal(res *timetag.CoincidenceResult) (timetag.MetricValue, error) {
	return timetag.MetricValue{Name: QBERTotal, Value: QBER(visAvg(res).Value)}, nil
}

// CHSH correlation terms as (++, +-, -+, --) label quadruples.
var (
	termAB   = [4]string{"HH", "HV", "VH", "VV"}
	termABp  = [4]string{"HD", "HA", "VD", "VA"}
	termApB  = [4]string{"DH", "DV", "AH", "AV"}
	termApBp = [4]string{"DD", "DA", "AD", "AA"}
)

// Correlation computes E = (N++ + N-- - N+- - N-+)/N and its first-order
// uncertainty with Poisson errors sqrt(max(n, 1)) on each count. An empty
// term yields (0, 0).
func Correlation(npp, npm, nmp, nmm int64) (e, sigma float64) {
	counts := [4]float64{float64(npp), float64(npm), float64(nmp), float64(nmm)}
	total := counts[0] + counts[1] + counts[2] + counts[3]
	if total <= 0 {
		return 0, 0
	}
	num := counts[0] + counts[3] - counts[1] - counts[2]
	e = num / total

	signs := [4]float64{1, -1, -1, 1}
	partials := make([]float64, 4)
	for i, n := range counts {
		dE := (signs[i]*total - num) / (total * total)
		partials[i] = dE * math.Sqrt(math.Max(n, 1))
	}
	return e, floats.Norm(partials, 2)
}

func correlationFor(res *timetag.CoincidenceResult, labels [4]string) (float64, float64) {
	return Correlation(res.Count(labels[0]), res.Count(labels[1]), res.Count(labels[2]), res.Count(labels[3]))
}

func chsh(res *timetag.CoincidenceResult) (timetag.MetricValue, error) {
	eAB, sAB := correlationFor(res, termAB)
	eABp, sABp := correlationFor(res, termABp)
	eApB, sApB := correlationFor(res, termApB)
	eApBp, sApBp := correlationFor(res, termApBp)
	return timetag.MetricValue{
		Name:  CHSH,
		Value: eAB - eABp + eApB + eApBp,
		Extras: map[string]float64{
			"E_ab":   eAB,
			"E_abp":  eABp,
			"E_apb":  eApB,
			"E_apbp": eApBp,
			"sigma":  floats.Norm([]float64{sAB, sABp, sApB, sApBp}, 2),
		},
	}, nil
}
