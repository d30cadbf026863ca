package correlator

import (
	"fmt"
	"math"
)

// Native is the in-process correlation service.
//
// A pair (a_i, b_j) is coincident when |a_i - (b_j + delay)| <= window. Each
// event takes part in at most one coincidence; matching is greedy in time
// order.
type Native struct{}

var _ Service = (*Native)(nil)

// NewNative returns a ready to use native correlator.
func NewNative() *Native { return &Native{} }

// CountPair implements Service.
func (n *Native) CountPair(a, b []int64, windowPs, delayPs float64) (int64, error) {
	if !(windowPs > 0) {
		return 0, fmt.Errorf("%w: window %g ps", ErrInvalidArgument, windowPs)
	}
	return countPair(a, b, int64(math.Floor(windowPs)), int64(math.Round(delayPs))), nil
}

func countPair(a, b []int64, window, shift int64) int64 {
	var count int64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		d := a[i] - (b[j] + shift)
		switch {
		case d > window:
			j++
		case d < -window:
			i++
		default:
			count++
			i++
			j++
		}
	}
	return count
}

// CountNFold implements Service. An n-fold coincidence is counted when the
// earliest and latest of the current head events lie within the window; all
// heads are then consumed.
func (n *Native) CountNFold(arrays [][]int64, windowPs float64) (int64, error) {
	if !(windowPs > 0) {
		return 0, fmt.Errorf("%w: window %g ps", ErrInvalidArgument, windowPs)
	}
	if len(arrays) == 0 {
		return 0, nil
	}
	for _, arr := range arrays {
		if len(arr) == 0 {
			return 0, nil
		}
	}
	window := int64(math.Floor(windowPs))
	heads := make([]int, len(arrays))
	var count int64
	for {
		minIdx := 0
		lo, hi := arrays[0][heads[0]], arrays[0][heads[0]]
		for k := 1; k < len(arrays); k++ {
			v := arrays[k][heads[k]]
			if v < lo {
				lo, minIdx = v, k
			}
			if v > hi {
				hi = v
			}
		}
		if hi-lo <= window {
			count++
			for k := range heads {
				heads[k]++
				if heads[k] >= len(arrays[k]) {
					return count, nil
				}
			}
			continue
		}
		heads[minIdx]++
		if heads[minIdx] >= len(arrays[minIdx]) {
			return count, nil
		}
	}
}

// Histogram implements Service.
func (n *Native) Histogram(a, b []int64, windowPs, startPs, endPs, stepPs float64) ([]float64, []int64, error) {
	offsets, err := ScanOffsets(startPs, endPs, stepPs)
	if err != nil {
		return nil, nil, err
	}
	if !(windowPs > 0) {
		return nil, nil, fmt.Errorf("%w: window %g ps", ErrInvalidArgument, windowPs)
	}
	window := int64(math.Floor(windowPs))
	counts := make([]int64, len(offsets))
	for i, off := range offsets {
		counts[i] = countPair(a, b, window, int64(math.Round(off)))
	}
	return offsets, counts, nil
}

// FindBestDelay implements Service. Ties resolve to the earliest offset in
// the scan; when no offset yields a coincidence the result is 0.
func (n *Native) FindBestDelay(a, b []int64, windowPs, startPs, endPs, stepPs float64) (float64, error) {
	offsets, counts, err := n.Histogram(a, b, windowPs, startPs, endPs, stepPs)
	if err != nil {
		return 0, err
	}
	best := -1
	var bestCount int64
	for i, c := range counts {
		if c > bestCount {
			best, bestCount = i, c
		}
	}
	if best < 0 {
		return 0, nil
	}
	return offsets[best], nil
}

// ScanOffsets lists start, start+step, ... up to and including end.
func ScanOffsets(startPs, endPs, stepPs float64) ([]float64, error) {
	if !(stepPs > 0) {
		return nil, fmt.Errorf("%w: step %g ps", ErrInvalidArgument, stepPs)
	}
	if endPs < startPs {
		return nil, fmt.Errorf("%w: end %g ps before start %g ps", ErrInvalidArgument, endPs, startPs)
	}
	steps := int(math.Floor((endPs-startPs)/stepPs + 1e-9))
	offsets := make([]float64, steps+1)
	for i := range offsets {
		offsets[i] = startPs + float64(i)*stepPs
	}
	return offsets, nil
}
