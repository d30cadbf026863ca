package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

type recordingService struct {
	correlator.Native
	pairCalls  int
	nfoldCalls int
	lastDelay  float64
}

func (s *recordingService) CountPair(a, b []int64, windowPs, delayPs float64) (int64, error) {
	s.pairCalls++
	s.lastDelay = delayPs
	return s.Native.CountPair(a, b, windowPs, delayPs)
}

func (s *recordingService) CountNFold(arrays [][]int64, windowPs float64) (int64, error) {
	s.nfoldCalls++
	return s.Native.CountNFold(arrays, windowPs)
}

func evenlySpaced(n int, stepPs int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i) * stepPs
	}
	return out
}

func TestRunEmptyChannelYieldsZero(t *testing.T) {
	t.Parallel()

	svc := &recordingService{}
	p, err := New(svc, []timetag.CoincidenceSpec{
		timetag.MustSpec("HH", []int{1, 5}, 200),
		timetag.MustSpec("GHZ", []int{1, 3, 5}, 300),
		timetag.MustSpec("missing", []int{9, 5}, 200),
	})
	require.NoError(t, err)

	batch := timetag.NewBatch(map[int][]int64{1: {}, 3: {1}, 5: {1, 2}}, 1, time.Time{}, nil)
	res, err := p.Run(batch)
	require.NoError(t, err)

	for _, label := range []string{"HH", "GHZ", "missing"} {
		assert.Zero(t, res.Counts[label], label)
		assert.Zero(t, res.Accidentals[label], label)
	}
	assert.Zero(t, svc.pairCalls)
	assert.Zero(t, svc.nfoldCalls)
}

func TestRunAccidentalExample(t *testing.T) {
	t.Parallel()

	p, err := New(correlator.NewNative(), []timetag.CoincidenceSpec{timetag.MustSpec("HH", []int{1, 5}, 200)})
	require.NoError(t, err)

	batch := timetag.NewBatch(map[int][]int64{
		1: evenlySpaced(1000, 1_000_000),
		5: evenlySpaced(1000, 1_000_000),
	}, 1.0, time.Time{}, nil)
	res, err := p.Run(batch)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, res.Accidentals["HH"], 1e-12)
	assert.EqualValues(t, 1000, res.Counts["HH"])
	assert.Equal(t, 1.0, res.DurationSec)
	assert.Equal(t, []string{"HH"}, res.Labels())
}

func TestAccidentals(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.4, Accidentals(1000, 1000, 200, 1.0), 1e-12)
	assert.Zero(t, Accidentals(1000, 1000, 200, 0))
	assert.Zero(t, Accidentals(1000, 1000, 200, -1))
}

func TestWithoutAccidentals(t *testing.T) {
	t.Parallel()

	p, err := New(correlator.NewNative(), []timetag.CoincidenceSpec{timetag.MustSpec("HH", []int{1, 5}, 200)}, WithoutAccidentals())
	require.NoError(t, err)
	res, err := p.Run(timetag.NewBatch(map[int][]int64{1: {1}, 5: {1}}, 1, time.Time{}, nil))
	require.NoError(t, err)
	assert.Zero(t, res.Accidentals["HH"])
	assert.EqualValues(t, 1, res.Counts["HH"])
}

func TestRunNFold(t *testing.T) {
	t.Parallel()

	svc := &recordingService{}
	p, err := New(svc, []timetag.CoincidenceSpec{timetag.MustSpec("GHZ", []int{1, 3, 5}, 300)})
	require.NoError(t, err)
	res, err := p.Run(timetag.NewBatch(map[int][]int64{
		1: {1000, 5000},
		3: {1100, 9000},
		5: {1200, 5100},
	}, 1, time.Time{}, nil))
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Counts["GHZ"])
	assert.Zero(t, res.Accidentals["GHZ"])
	assert.Equal(t, 1, svc.nfoldCalls)
}

func TestUpdateDelayCopyOnWrite(t *testing.T) {
	t.Parallel()

	svc := &recordingService{}
	p, err := New(svc, DefaultSpecs())
	require.NoError(t, err)

	next, err := p.UpdateDelay("VV", 420)
	require.NoError(t, err)

	orig, _ := p.Spec("VV")
	updated, _ := next.Spec("VV")
	assert.Zero(t, orig.DelayOrZero())
	assert.Equal(t, 420.0, updated.DelayOrZero())
	assert.Equal(t, p.Labels(), next.Labels())

	_, err = p.UpdateDelay("nope", 1)
	assert.Error(t, err)

	_, err = next.Run(timetag.NewBatch(map[int][]int64{2: {1}, 6: {2}}, 1, time.Time{}, nil))
	require.NoError(t, err)
	assert.Equal(t, 420.0, svc.lastDelay)
}

func TestNewRejectsBadSpecs(t *testing.T) {
	t.Parallel()

	spec := timetag.MustSpec("HH", []int{1, 5}, 200)
	_, err := New(correlator.NewNative(), []timetag.CoincidenceSpec{spec, spec})
	assert.ErrorIs(t, err, timetag.ErrInvalidSpec)

	_, err = New(correlator.NewNative(), []timetag.CoincidenceSpec{{}})
	assert.ErrorIs(t, err, timetag.ErrInvalidSpec)

	_, err = New(nil, nil)
	assert.Error(t, err)
}

func TestDefaultSpecs(t *testing.T) {
	t.Parallel()

	specs := DefaultSpecs()
	require.Len(t, specs, 18)
	assert.Equal(t, "HH", specs[0].Label())
	assert.Equal(t, "AV", specs[15].Label())
	assert.Equal(t, []int{1, 3, 5}, specs[16].Channels())
	assert.Equal(t, 300.0, specs[17].WindowPs())

	p, err := New(correlator.NewNative(), specs)
	require.NoError(t, err)
	specsCopy := p.Specs()
	specsCopy[0] = specs[1]
	assert.Equal(t, "HH", p.Specs()[0].Label())
}
