// Package acquisition produces batches of time-tagged detections from a
// live device, a synthetic generator or a recorded file.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/banshee-data/coincidence.report/internal/timetag"
)

var (
	// ErrReplayExhausted is returned by a non-looping replay once every
	// chunk has been served.
	ErrReplayExhausted = errors.New("replay exhausted")
	// ErrClosed is returned by Capture after Close.
	ErrClosed = errors.New("backend closed")
)

// AcquisitionError wraps a device or file failure during a capture. The live
// loop logs it and moves on to the next cycle.
type AcquisitionError struct {
	Op  string
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquisition failed to %s: %v", e.Op, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Backend is a source of acquisition batches.
type Backend interface {
	// Capture blocks for one exposure and returns the batch. A zero exposure
	// selects DefaultExposure.
	Capture(ctx context.Context, exposure time.Duration) (*timetag.Batch, error)
	// DefaultExposure is the exposure used when none is requested.
	DefaultExposure() time.Duration
	// Close releases the backend. It is safe to call more than once.
	Close() error
}

// Stream pulls captures from b lazily. The sequence ends when the consumer
// stops, ctx is cancelled, or the backend reports it is exhausted or closed.
// Other errors are yielded and the stream continues.
func Stream(ctx context.Context, b Backend, exposure time.Duration) iter.Seq2[*timetag.Batch, error] {
	return func(yield func(*timetag.Batch, error) bool) {
		for ctx.Err() == nil {
			batch, err := b.Capture(ctx, exposure)
			if errors.Is(err, ErrReplayExhausted) || errors.Is(err, ErrClosed) || ctx.Err() != nil {
				if err != nil && ctx.Err() == nil {
					yield(nil, err)
				}
				return
			}
			if !yield(batch, err) {
				return
			}
		}
	}
}

// exposureOrDefault resolves a zero exposure.
func exposureOrDefault(b Backend, exposure time.Duration) time.Duration {
	if exposure <= 0 {
		return b.DefaultExposure()
	}
	return exposure
}
