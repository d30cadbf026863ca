// Package correlator defines the correlation service used to turn
// per-channel detection timestamps into coincidence counts, and provides a
// pure-Go implementation of it.
package correlator

import (
	"errors"

	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// ErrInvalidArgument is returned for non-positive windows or steps and
// inverted scan ranges.
var ErrInvalidArgument = errors.New("invalid correlator argument")

// ErrUnsupportedFormat is returned by ReadFile for unknown file extensions.
var ErrUnsupportedFormat = errors.New("unsupported timestamp file format")

// DefaultBucketSeconds is used by ReadFile when no bucket is given.
const DefaultBucketSeconds = 1.0

// Service is the correlation kernel. All times are picoseconds. Arrays must
// be sorted ascending.
type Service interface {
	// ReadFile loads a recorded timestamp file into a batch whose duration
	// is rounded up to a whole number of buckets.
	ReadFile(path string, bucketSeconds float64) (*timetag.Batch, error)

	// FindBestDelay scans delays applied to b over [start, end] in steps and
	// returns the delay with the most coincidences.
	FindBestDelay(a, b []int64, windowPs, startPs, endPs, stepPs float64) (float64, error)

	// CountPair counts coincidences between a and b shifted by delayPs.
	CountPair(a, b []int64, windowPs, delayPs float64) (int64, error)

	// CountNFold counts events where every array has a detection within the
	// window.
	CountNFold(arrays [][]int64, windowPs float64) (int64, error)

	// Histogram returns coincidence counts for every scanned delay.
	Histogram(a, b []int64, windowPs, startPs, endPs, stepPs float64) (offsets []float64, counts []int64, err error)
}
