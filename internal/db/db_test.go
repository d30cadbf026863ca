package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coincidence.report/internal/timetag"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	latest, err := LatestVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	st, err := db.Status()
	require.NoError(t, err)
	assert.Equal(t, MigrationStatus{CurrentVersion: 2, LatestVersion: 2}, st)

	require.NoError(t, db.MigrateDown())
	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)

	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='samples'`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, db.MigrateUp())
	st, err = db.Status()
	require.NoError(t, err)
	assert.False(t, st.NeedsMigration)
}

func TestOpenWithoutMigrations(t *testing.T) {
	db, err := OpenWithoutMigrations(filepath.Join(t.TempDir(), "bare.db"))
	require.NoError(t, err)
	defer db.Close()

	st, err := db.Status()
	require.NoError(t, err)
	assert.Equal(t, uint(0), st.CurrentVersion)
	assert.True(t, st.NeedsMigration)
}

func sampleInput(seq uint64, hh int64, vis float64) SampleInput {
	batch := timetag.NewBatch(map[int][]int64{1: {1, 2, 3}, 5: {1, 2}}, 0.5, time.Time{}, nil)
	res := &timetag.CoincidenceResult{
		Specs:       []timetag.CoincidenceSpec{timetag.MustSpec("HH", []int{1, 5}, 200)},
		Counts:      map[string]int64{"HH": hh},
		Accidentals: map[string]float64{"HH": 0.25},
		DurationSec: 0.5,
	}
	return SampleInput{
		Seq:        seq,
		CapturedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Add(time.Duration(seq) * time.Second),
		Batch:      batch,
		Result:     res,
		Metrics: []timetag.MetricValue{
			{Name: "visibility", Value: vis, Extras: map[string]float64{"sigma": 0.01}},
			{Name: "QBER_total", Value: (1 - vis) / 2},
		},
	}
}

func TestRecordAndQuery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	specs := []timetag.CoincidenceSpec{timetag.MustSpec("HH", []int{1, 5}, 200).WithDelay(-40)}
	run, err := db.StartRun(ctx, "synthetic", 500*time.Millisecond, specs, "bench")
	require.NoError(t, err)

	var lastID int64
	for seq := uint64(1); seq <= 4; seq++ {
		lastID, err = db.RecordSample(ctx, run.ID, sampleInput(seq, int64(seq*10), 0.9+float64(seq)/100))
		require.NoError(t, err)
	}

	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "synthetic", got.Source)
	assert.Equal(t, 0.5, got.ExposureSec)
	gotSpecs, err := got.Specs()
	require.NoError(t, err)
	require.Len(t, gotSpecs, 1)
	d, ok := gotSpecs[0].Delay()
	assert.True(t, ok)
	assert.Equal(t, -40.0, d)

	samples, err := db.RecentSamples(ctx, run.ID, 2)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, uint64(3), samples[0].Seq)
	assert.Equal(t, uint64(4), samples[1].Seq)
	assert.Equal(t, int64(5), samples[1].TotalEvents)

	counts, err := db.SampleCounts(ctx, lastID)
	require.NoError(t, err)
	assert.Equal(t, []SampleCount{
		{SampleID: lastID, Kind: KindSingles, Label: "1", Count: 3},
		{SampleID: lastID, Kind: KindSingles, Label: "5", Count: 2},
		{SampleID: lastID, Kind: KindCoincidences, Label: "HH", Count: 40, Accidentals: 0.25},
	}, counts)

	series, err := db.MetricSeries(ctx, run.ID, "visibility", 0)
	require.NoError(t, err)
	require.Len(t, series, 4)
	assert.InDelta(t, 0.91, series[0].Value, 1e-12)
	assert.True(t, series[0].Sigma.Valid)

	qber, err := db.MetricSeries(ctx, run.ID, "QBER_total", 1)
	require.NoError(t, err)
	require.Len(t, qber, 1)
	assert.False(t, qber[0].Sigma.Valid)
	assert.Equal(t, uint64(4), qber[0].Seq)

	hh, err := db.CountSeries(ctx, run.ID, KindCoincidences, "HH", 0)
	require.NoError(t, err)
	require.Len(t, hh, 4)
	assert.Equal(t, int64(10), hh[0].Count)

	require.NoError(t, db.FinishRun(ctx, run.ID))
	runs, err := db.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].FinishedAt.Valid)
}

func TestRunErrors(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, db.FinishRun(ctx, "missing"), ErrRunNotFound)

	_, err = db.RecordSample(ctx, "missing", sampleInput(1, 1, 0.9))
	assert.Error(t, err, "foreign key should reject unknown run")

	_, err = db.RecordSample(ctx, "missing", SampleInput{})
	assert.Error(t, err)
}

func TestDuplicateSeqRollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	run, err := db.StartRun(ctx, "file", time.Second, nil, "")
	require.NoError(t, err)

	_, err = db.RecordSample(ctx, run.ID, sampleInput(1, 1, 0.9))
	require.NoError(t, err)
	_, err = db.RecordSample(ctx, run.ID, sampleInput(1, 2, 0.9))
	require.Error(t, err)

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM sample_counts`))
	assert.Equal(t, 3, n)
}

func TestAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
}
