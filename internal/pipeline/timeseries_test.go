package pipeline

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/metrics"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

func TestChunkSeconds(t *testing.T) {
	t.Parallel()
	plain := timetag.NewBatch(nil, 3, time.Time{}, nil)
	bucketed := timetag.NewBatch(nil, 3, time.Time{}, map[string]any{timetag.MetaBucketSeconds: 0.5})
	exposed := timetag.NewBatch(nil, 3, time.Time{}, map[string]any{timetag.MetaExposureSec: 0.25})

	assert.Equal(t, 2.0, ChunkSeconds(bucketed, 2))
	assert.Equal(t, 0.5, ChunkSeconds(bucketed, 0))
	assert.Equal(t, 0.25, ChunkSeconds(exposed, -1))
	assert.Equal(t, 1.0, ChunkSeconds(plain, 0))
}

func TestTimeSeriesChunks(t *testing.T) {
	t.Parallel()
	const s = int64(timetag.PsPerSecond)
	batch := timetag.NewBatch(map[int][]int64{
		1: {100, s + 100, s + 5000, 2*s + 100},
		5: {150, s + 150, 2*s + 900},
	}, 2.5, time.Time{}, nil)

	p, err := New(correlator.NewNative(), []timetag.CoincidenceSpec{
		timetag.MustSpec("HH", []int{1, 5}, 200),
	})
	require.NoError(t, err)

	reg := metrics.NewRegistry()
	reg.Register("hh", func(r *timetag.CoincidenceResult) (timetag.MetricValue, error) {
		if r.DurationSec < 1 {
			return timetag.MetricValue{}, errors.New("short chunk")
		}
		return timetag.MetricValue{Value: float64(r.Count("HH"))}, nil
	})

	ts, err := p.TimeSeries(batch, 1, reg)
	require.NoError(t, err)
	assert.Equal(t, 3, ts.Len())
	assert.Equal(t, []float64{1, 2, 3}, ts.Times)
	assert.Equal(t, []int{1, 5}, ts.Channels)
	assert.Equal(t, []float64{1, 2, 1}, ts.Singles[1])
	assert.Equal(t, []float64{1, 1, 1}, ts.Singles[5])
	assert.Equal(t, []float64{1, 1, 0}, ts.Coincidences["HH"])

	hh := ts.Metrics["hh"]
	require.Len(t, hh, 3)
	assert.Equal(t, []float64{1, 1}, hh[:2])
	assert.True(t, math.IsNaN(hh[2]))
}

func TestTimeSeriesEmptyBatch(t *testing.T) {
	t.Parallel()
	p, err := New(correlator.NewNative(), DefaultSpecs())
	require.NoError(t, err)
	ts, err := p.TimeSeries(timetag.NewBatch(nil, 0, time.Time{}, nil), 1, nil)
	require.NoError(t, err)
	assert.Zero(t, ts.Len())
	assert.Len(t, ts.Labels, len(DefaultSpecs()))
}
