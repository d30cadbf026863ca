package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coincidence.report/internal/acquisition"
	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/fsutil"
	"github.com/banshee-data/coincidence.report/internal/history"
	"github.com/banshee-data/coincidence.report/internal/live"
	"github.com/banshee-data/coincidence.report/internal/pipeline"
	"github.com/banshee-data/coincidence.report/internal/settings"
	"github.com/banshee-data/coincidence.report/internal/timetag"
	"github.com/banshee-data/coincidence.report/internal/timeutil"
)

const settingsPath = "/tmp/qlaib/settings.json"

func newSession(t *testing.T, st *settings.Store) *Session {
	t.Helper()
	return newSessionWithSpecs(t, st,
		timetag.MustSpec("HH", []int{1, 5}, 200),
		timetag.MustSpec("HV", []int{1, 6}, 200),
		timetag.MustSpec("HHV", []int{1, 5, 6}, 300),
	)
}

func newSessionWithSpecs(t *testing.T, st *settings.Store, specs ...timetag.CoincidenceSpec) *Session {
	t.Helper()
	svc := correlator.NewNative()
	p, err := pipeline.New(svc, specs)
	require.NoError(t, err)
	batch := timetag.NewBatch(map[int][]int64{
		1: {10000, 50000, 90000},
		5: {11000, 51000, 91000},
		6: {70000},
	}, 0.5, time.Time{}, nil)
	backend := acquisition.NewSyntheticBackend(acquisition.SyntheticOptions{
		Batches:         []*timetag.Batch{batch},
		DefaultExposure: time.Second,
	})
	ctrl := live.NewController(backend, p, live.Options{})
	s := New(Config{
		Controller: ctrl,
		Service:    svc,
		Settings:   st,
		History:    history.NewBuffer(10),
	})
	t.Cleanup(s.Close)
	return s
}

func cycle(t *testing.T, s *Session, n int) {
	t.Helper()
	for range n {
		_, err := s.Controller().RunOnce(context.Background())
		require.NoError(t, err)
	}
}

func TestPollAppliesUpdatesInOrder(t *testing.T) {
	t.Parallel()
	s := newSession(t, nil)

	u, elapsed := s.Latest()
	assert.Nil(t, u)
	assert.Zero(t, elapsed)
	assert.Empty(t, s.Poll())

	cycle(t, s, 3)
	got := s.Poll()
	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(3), got[2].Seq)

	u, elapsed = s.Latest()
	assert.Same(t, got[2], u)
	assert.InDelta(t, 1.5, elapsed, 1e-9)
	assert.Equal(t, []float64{0.5, 1.0, 1.5}, s.History().Times())
	assert.Equal(t, 3, s.History().Len())
}

func TestListen(t *testing.T) {
	t.Parallel()
	s := newSession(t, nil)
	ch, stop := s.Listen(4)

	cycle(t, s, 2)
	s.Poll()
	first, second := <-ch, <-ch
	assert.Equal(t, uint64(1), first.Update.Seq)
	assert.Equal(t, uint64(2), second.Update.Seq)
	assert.InDelta(t, 1.0, second.ElapsedSec, 1e-9)

	stop()
	stop()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestRunPollsOnTicks(t *testing.T) {
	t.Parallel()
	s := newSession(t, nil)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	ch, stop := s.Listen(1)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, clock, time.Second) }()
	require.NoError(t, clock.WaitForPending(ctx, 1))

	cycle(t, s, 1)
	clock.Advance(time.Second)
	select {
	case ev := <-ch:
		assert.Equal(t, uint64(1), ev.Update.Seq)
	case <-ctx.Done():
		t.Fatal("update was not polled")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestPair(t *testing.T) {
	t.Parallel()
	s := newSession(t, nil)

	p, window, err := s.Pair("HV")
	require.NoError(t, err)
	assert.Equal(t, 1, p.A)
	assert.Equal(t, 6, p.B)
	assert.Equal(t, 200.0, window)

	p, window, err = s.Pair("DA")
	require.NoError(t, err)
	assert.Equal(t, 3, p.A)
	assert.Equal(t, 8, p.B)
	assert.Equal(t, 200.0, window)

	_, _, err = s.Pair("HHV")
	require.ErrorIs(t, err, ErrUnknownPair)
	_, _, err = s.Pair("nope")
	require.ErrorIs(t, err, ErrUnknownPair)
}

func TestHistogram(t *testing.T) {
	t.Parallel()
	s := newSession(t, nil)
	_, err := s.Histogram("HH")
	require.ErrorIs(t, err, ErrNoData)

	cycle(t, s, 1)
	s.Poll()
	h, err := s.Histogram("HH")
	require.NoError(t, err)
	assert.Len(t, h.OffsetsPs, 321)
	d, n := h.PeakDelay()
	assert.Equal(t, -1200.0, d)
	assert.Equal(t, int64(3), n)
}

func TestCalibrateAppliesAndSaves(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	st := settings.OpenFS(fsys, settingsPath)
	require.NoError(t, st.SetDelay("VV", 42))
	s := newSession(t, st)

	_, err := s.Calibrate()
	require.ErrorIs(t, err, ErrNoData)

	cycle(t, s, 1)
	s.Poll()
	applied, err := s.Calibrate()
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"HH": -1200, "HV": -1200}, applied)

	spec, ok := s.Controller().Pipeline().Spec("HH")
	require.True(t, ok)
	assert.Equal(t, -1200.0, spec.DelayOrZero())

	reopened := settings.OpenFS(fsys, settingsPath)
	assert.Equal(t, map[string]float64{"HH": -1200, "HV": -1200, "VV": 42}, reopened.Delays())

	u, err := s.Controller().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.Result.Count("HH"))
}

func TestCalibrateUsesPipelineWindow(t *testing.T) {
	t.Parallel()
	s := newSessionWithSpecs(t, nil,
		timetag.MustSpec("HH", []int{1, 5}, 10),
		timetag.MustSpec("HV", []int{1, 6}, 10),
	)
	cycle(t, s, 1)
	s.Poll()

	applied, err := s.Calibrate()
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"HH": -1000, "HV": -1000}, applied)

	spec, ok := s.Controller().Pipeline().Spec("HH")
	require.True(t, ok)
	assert.Equal(t, 10.0, spec.WindowPs())
}

func TestConcurrentDelayEditsAreKept(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	st := settings.OpenFS(fsys, settingsPath)
	s := newSession(t, st)

	const n = 50
	var wg sync.WaitGroup
	for _, label := range []string{"HH", "HV", "HHV"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= n; i++ {
				assert.NoError(t, s.SetDelay(label, float64(i)))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range n {
			_, err := s.ApplySavedDelays()
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	p := s.Controller().Pipeline()
	for _, label := range []string{"HH", "HV", "HHV"} {
		spec, ok := p.Spec(label)
		require.True(t, ok)
		assert.Equal(t, float64(n), spec.DelayOrZero(), label)
		d, ok := st.Delay(label)
		require.True(t, ok)
		assert.Equal(t, float64(n), d, label)
	}
}

func TestSetDelayAndApplySaved(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	st := settings.OpenFS(fsys, settingsPath)
	require.NoError(t, st.SetDelays(map[string]float64{"HH": -1000, "ZZ": 5}))
	s := newSession(t, st)

	n, err := s.ApplySavedDelays()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	spec, _ := s.Controller().Pipeline().Spec("HH")
	assert.Equal(t, -1000.0, spec.DelayOrZero())

	require.NoError(t, s.SetDelay("HV", 250))
	d, ok := st.Delay("HV")
	assert.True(t, ok)
	assert.Equal(t, 250.0, d)
	require.Error(t, s.SetDelay("nope", 1))
}

func TestLabelsWithoutSettings(t *testing.T) {
	t.Parallel()
	s := newSession(t, nil)
	assert.Equal(t, "ch4", s.ChannelLabel(4))
	assert.Equal(t, "HV", s.PairLabel("HV"))
	assert.Equal(t, settings.DefaultHistogramStepPs, s.HistogramRange().StepPs)
	n, err := s.ApplySavedDelays()
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, s.SetDelay("HH", 10))
}

func TestResizeHistoryAndExposure(t *testing.T) {
	t.Parallel()
	s := newSession(t, nil)
	cycle(t, s, 4)
	s.Poll()
	s.ResizeHistory(2)
	assert.Equal(t, []float64{1.5, 2.0}, s.History().Times())
	require.Error(t, s.SetExposure(0))
	require.NoError(t, s.SetExposure(2*time.Second))
	assert.Equal(t, 2*time.Second, s.Controller().Exposure())
	assert.Len(t, s.Delays(), 3)
}
