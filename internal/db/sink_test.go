package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coincidence.report/internal/acquisition"
	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/live"
	"github.com/banshee-data/coincidence.report/internal/metrics"
	"github.com/banshee-data/coincidence.report/internal/pipeline"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

func TestSubscriberRecordsUpdates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	specs := []timetag.CoincidenceSpec{timetag.MustSpec("HH", []int{1, 5}, 200)}
	p, err := pipeline.New(correlator.NewNative(), specs)
	require.NoError(t, err)
	run, err := db.StartRun(ctx, "synthetic", time.Second, specs, "")
	require.NoError(t, err)

	backend := acquisition.NewSyntheticBackend(acquisition.SyntheticOptions{
		Batches: []*timetag.Batch{timetag.NewBatch(map[int][]int64{
			1: {1000, 5000},
			5: {1010, 5020},
		}, 1, time.Time{}, nil)},
		DefaultExposure: time.Second,
	})
	c := live.NewController(backend, p, live.Options{})
	c.Subscribe(db.Subscriber(ctx, run.ID))

	for range 2 {
		_, err := c.RunOnce(ctx)
		require.NoError(t, err)
	}

	samples, err := db.RecentSamples(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	counts, err := db.CountSeries(ctx, run.ID, KindCoincidences, "HH", 0)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, int64(2), counts[1].Count)

	_, err = db.MetricSeries(ctx, run.ID, metrics.Visibility, 0)
	require.NoError(t, err)
	assert.Zero(t, c.Stats().Failures)
}
