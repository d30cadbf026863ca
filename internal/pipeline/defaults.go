package pipeline

import (
	"github.com/banshee-data/coincidence.report/internal/calibration"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// Default windows for the standard spec set.
const (
	DefaultPairWindowPs    = 200.0
	DefaultTripletWindowPs = 300.0
)

// GHZTriplets are the three-fold coincidences counted by default.
var GHZTriplets = []struct {
	Label    string
	Channels []int
}{
	{"GHZ_135", []int{1, 3, 5}},
	{"GHZ_246", []int{2, 4, 6}},
}

// DefaultSpecs returns the sixteen polarisation pairs with zero delay
// followed by the GHZ triplets.
func DefaultSpecs() []timetag.CoincidenceSpec {
	var specs []timetag.CoincidenceSpec
	for _, list := range [][]calibration.Pair{calibration.DefaultLikePairs, calibration.DefaultCrossPairs} {
		for _, p := range list {
			specs = append(specs, timetag.MustSpec(p.Label, []int{p.A, p.B}, DefaultPairWindowPs).WithDelay(0))
		}
	}
	for _, g := range GHZTriplets {
		specs = append(specs, timetag.MustSpec(g.Label, g.Channels, DefaultTripletWindowPs))
	}
	return specs
}
