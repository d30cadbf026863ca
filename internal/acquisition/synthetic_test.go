package acquisition

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

func TestSyntheticDeterministic(t *testing.T) {
	t.Parallel()

	a := NewSyntheticBackend(SyntheticOptions{Seed: 42})
	b := NewSyntheticBackend(SyntheticOptions{Seed: 42})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ba, err := a.Capture(ctx, 200*time.Millisecond)
		require.NoError(t, err)
		bb, err := b.Capture(ctx, 200*time.Millisecond)
		require.NoError(t, err)
		if diff := cmp.Diff(ba.Singles(), bb.Singles()); diff != "" {
			t.Fatalf("capture %d differs (-a +b):\n%s", i, diff)
		}
	}
}

func TestSyntheticShape(t *testing.T) {
	t.Parallel()

	s := NewSyntheticBackend(SyntheticOptions{Seed: 7})
	b, err := s.Capture(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, b.Channels())
	assert.Equal(t, 1.0, b.DurationSec())
	assert.Equal(t, "synthetic", b.MetaString(timetag.MetaMode))
	for _, ch := range b.Channels() {
		ts := b.Events(ch)
		assert.InDelta(t, DefaultSyntheticRate, float64(len(ts)), 800, "channel %d", ch)
		assert.True(t, slices.IsSorted(ts))
		if len(ts) > 0 {
			assert.GreaterOrEqual(t, ts[0], int64(0))
			assert.LessOrEqual(t, ts[len(ts)-1], int64(timetag.PsPerSecond))
		}
	}
	require.NoError(t, b.Validate())
}

func TestSyntheticCorrelatedPairs(t *testing.T) {
	t.Parallel()

	s := NewSyntheticBackend(SyntheticOptions{
		Seed:           3,
		Pairs:          DemoPairs(),
		PairedFraction: 0.5,
	})
	b, err := s.Capture(context.Background(), 0)
	require.NoError(t, err)

	svc := correlator.NewNative()
	like, err := svc.CountPair(b.Events(1), b.Events(5), 200, 0)
	require.NoError(t, err)
	cross, err := svc.CountPair(b.Events(1), b.Events(6), 200, 0)
	require.NoError(t, err)
	assert.Greater(t, like, int64(3000))
	assert.Less(t, cross, int64(100))
}

func TestSyntheticPreseededBatchesCycle(t *testing.T) {
	t.Parallel()

	first := timetag.NewBatch(map[int][]int64{1: {1}}, 1, time.Time{}, nil)
	second := timetag.NewBatch(map[int][]int64{1: {2}}, 1, time.Time{}, nil)
	s := NewSyntheticBackend(SyntheticOptions{Batches: []*timetag.Batch{first, second}})

	var got []*timetag.Batch
	for i := 0; i < 3; i++ {
		b, err := s.Capture(context.Background(), 0)
		require.NoError(t, err)
		got = append(got, b)
	}
	assert.Same(t, first, got[0])
	assert.Same(t, second, got[1])
	assert.Same(t, first, got[2])

	require.NoError(t, s.Close())
	_, err := s.Capture(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)
}
