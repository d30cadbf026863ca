package qutag

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

func TestFakeDriverWritesOnStop(t *testing.T) {
	t.Parallel()

	events := []timetag.Event{{Channel: 1, TimestampPs: 10}, {Channel: 5, TimestampPs: 12}}
	f := NewFakeDriver(func() []timetag.Event { return events })
	path := filepath.Join(t.TempDir(), "rec.bin")

	require.NoError(t, f.WriteTimestamps(path, FormatBinary))
	assert.True(t, f.Recording())
	require.NoError(t, f.WriteTimestamps("", FormatNone))
	assert.False(t, f.Recording())

	b, err := correlator.NewNative().ReadFile(path, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, b.Events(1))
	assert.Equal(t, []int64{2}, b.Events(5))
}

func TestFakeDriverFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	f := NewFakeDriver(nil)
	f.Fail = map[string]error{"expo": boom}
	assert.ErrorIs(t, f.SetExposureTime(10), boom)
	require.NoError(t, f.DeInitialize())
	assert.Equal(t, 1, f.DeInitCount())
	assert.Equal(t, []string{"EXPO 10", "DEINIT"}, f.Calls())
}
