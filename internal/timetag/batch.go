// Package timetag holds the data model shared by every stage of the
// coincidence pipeline: acquisition batches of per-channel detection
// timestamps, coincidence specifications, per-cycle results and metric values.
package timetag

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"
)

// Metadata keys written by the acquisition backends.
const (
	MetaOrigin        = "origin"
	MetaSource        = "source"
	MetaMode          = "mode"
	MetaBucketSeconds = "bucket_seconds"
	MetaExposureSec   = "exposure_sec"
	MetaCapturedAt    = "captured_at"
)

// PsPerSecond converts picosecond timestamps to seconds.
const PsPerSecond = 1e12

// Batch is one acquisition: a channel-keyed set of ordered picosecond
// timestamps plus the wall-clock duration they cover. A Batch is immutable
// once constructed; accessors hand out views that callers must not modify.
type Batch struct {
	singles     map[int][]int64
	durationSec float64
	startedAt   time.Time
	metadata    map[string]any
}

// NewBatch copies singles and metadata into a new Batch.
func NewBatch(singles map[int][]int64, durationSec float64, startedAt time.Time, metadata map[string]any) *Batch {
	b := &Batch{
		singles:     make(map[int][]int64, len(singles)),
		durationSec: durationSec,
		startedAt:   startedAt,
		metadata:    make(map[string]any, len(metadata)),
	}
	for ch, ts := range singles {
		b.singles[ch] = slices.Clone(ts)
	}
	maps.Copy(b.metadata, metadata)
	return b
}

// newBatchOwned adopts singles without copying. Callers guarantee that no
// other reference to the slices survives.
func newBatchOwned(singles map[int][]int64, durationSec float64, startedAt time.Time, metadata map[string]any) *Batch {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Batch{singles: singles, durationSec: durationSec, startedAt: startedAt, metadata: metadata}
}

// Events returns the timestamps for ch, or nil if the channel is absent.
// The returned slice is shared with the batch and must be treated as read-only.
func (b *Batch) Events(ch int) []int64 {
	return b.singles[ch]
}

// HasChannel reports whether ch is present (possibly with zero events).
func (b *Batch) HasChannel(ch int) bool {
	_, ok := b.singles[ch]
	return ok
}

// DurationSec is the authoritative exposure used for rate calculations.
func (b *Batch) DurationSec() float64 { return b.durationSec }

// StartedAt is the capture start time, zero if unknown.
func (b *Batch) StartedAt() time.Time { return b.startedAt }

// Metadata returns a copy of the batch metadata.
func (b *Batch) Metadata() map[string]any {
	return maps.Clone(b.metadata)
}

// MetaFloat returns a numeric metadata value.
func (b *Batch) MetaFloat(key string) (float64, bool) {
	switch v := b.metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// MetaString returns a string metadata value.
func (b *Batch) MetaString(key string) string {
	s, _ := b.metadata[key].(string)
	return s
}

// Channels returns the channel ids present in the batch in ascending order.
func (b *Batch) Channels() []int {
	return slices.Sorted(maps.Keys(b.singles))
}

// TotalEvents is the number of detections across all channels.
func (b *Batch) TotalEvents() int {
	n := 0
	for _, ts := range b.singles {
		n += len(ts)
	}
	return n
}

// Counts returns the number of detections per channel.
func (b *Batch) Counts() map[int]int {
	out := make(map[int]int, len(b.singles))
	for ch, ts := range b.singles {
		out[ch] = len(ts)
	}
	return out
}

// Singles returns a deep copy of the channel map.
func (b *Batch) Singles() map[int][]int64 {
	out := make(map[int][]int64, len(b.singles))
	for ch, ts := range b.singles {
		out[ch] = slices.Clone(ts)
	}
	return out
}

// Flatten returns every event as (channel, timestamp) pairs ordered by
// timestamp, ties broken by channel.
func (b *Batch) Flatten() []Event {
	events := make([]Event, 0, b.TotalEvents())
	for ch, ts := range b.singles {
		for _, t := range ts {
			events = append(events, Event{Channel: ch, TimestampPs: t})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].TimestampPs != events[j].TimestampPs {
			return events[i].TimestampPs < events[j].TimestampPs
		}
		return events[i].Channel < events[j].Channel
	})
	return events
}

// Event is a single detection.
type Event struct {
	Channel     int
	TimestampPs int64
}

// Slice returns a new batch holding the events in [startPs, endPs) with the
// given duration. Channels present in b stay present even when the window is
// empty for them.
func (b *Batch) Slice(startPs, endPs int64, durationSec float64) *Batch {
	singles := make(map[int][]int64, len(b.singles))
	for ch, ts := range b.singles {
		lo, _ := slices.BinarySearch(ts, startPs)
		hi, _ := slices.BinarySearch(ts, endPs)
		singles[ch] = slices.Clone(ts[lo:hi])
	}
	return newBatchOwned(singles, durationSec, b.startedAt, maps.Clone(b.metadata))
}

// WithMetadata returns a copy of b with extra metadata merged in.
func (b *Batch) WithMetadata(extra map[string]any) *Batch {
	md := maps.Clone(b.metadata)
	if md == nil {
		md = map[string]any{}
	}
	maps.Copy(md, extra)
	return &Batch{singles: b.singles, durationSec: b.durationSec, startedAt: b.startedAt, metadata: md}
}

// WithDuration returns a copy of b with a different duration.
func (b *Batch) WithDuration(durationSec float64) *Batch {
	return &Batch{singles: b.singles, durationSec: durationSec, startedAt: b.startedAt, metadata: b.metadata}
}

// Validate checks that the duration is positive and every channel is
// non-decreasing.
func (b *Batch) Validate() error {
	if b.durationSec <= 0 {
		return fmt.Errorf("batch duration must be positive, got %g", b.durationSec)
	}
	for ch, ts := range b.singles {
		if !slices.IsSorted(ts) {
			return fmt.Errorf("channel %d timestamps are not ordered", ch)
		}
	}
	return nil
}

// Merge concatenates the per-channel sequences of batches, sums their
// durations and keeps the earliest known start time. Timestamps are
// re-sorted per channel. Merging nothing yields an empty batch.
func Merge(batches ...*Batch) *Batch {
	singles := map[int][]int64{}
	var duration float64
	var started time.Time
	md := map[string]any{}
	for _, b := range batches {
		if b == nil {
			continue
		}
		for ch, ts := range b.singles {
			singles[ch] = append(singles[ch], ts...)
		}
		duration += b.durationSec
		if !b.startedAt.IsZero() && (started.IsZero() || b.startedAt.Before(started)) {
			started = b.startedAt
		}
		for k, v := range b.metadata {
			if _, ok := md[k]; !ok {
				md[k] = v
			}
		}
	}
	for _, ts := range singles {
		slices.Sort(ts)
	}
	return newBatchOwned(singles, duration, started, md)
}
