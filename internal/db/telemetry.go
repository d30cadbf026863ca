package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Count kinds stored in sample_counts.
const (
	KindSingles      = "singles"
	KindCoincidences = "coincidences"
)

// Run is one acquisition session.
type Run struct {
	ID          string       `db:"run_id" json:"run_id"`
	StartedAt   time.Time    `db:"started_at" json:"started_at"`
	FinishedAt  sql.NullTime `db:"finished_at" json:"-"`
	Source      string       `db:"source" json:"source"`
	ExposureSec float64      `db:"exposure_sec" json:"exposure_sec"`
	SpecsJSON   string       `db:"specs_json" json:"-"`
	Note        string       `db:"note" json:"note,omitempty"`
}

// Specs decodes the coincidence configuration the run started with.
func (r Run) Specs() ([]timetag.CoincidenceSpec, error) {
	var specs []timetag.CoincidenceSpec
	if err := json.Unmarshal([]byte(r.SpecsJSON), &specs); err != nil {
		return nil, fmt.Errorf("failed to decode specs of run %s: %w", r.ID, err)
	}
	return specs, nil
}

// Sample is one stored live update.
type Sample struct {
	ID          int64     `db:"sample_id" json:"sample_id"`
	RunID       string    `db:"run_id" json:"run_id"`
	Seq         uint64    `db:"seq" json:"seq"`
	CapturedAt  time.Time `db:"captured_at" json:"captured_at"`
	DurationSec float64   `db:"duration_sec" json:"duration_sec"`
	TotalEvents int64     `db:"total_events" json:"total_events"`
}

// SampleCount is one singles or coincidence count of a sample.
type SampleCount struct {
	SampleID    int64   `db:"sample_id" json:"sample_id"`
	Kind        string  `db:"kind" json:"kind"`
	Label       string  `db:"label" json:"label"`
	Count       int64   `db:"count" json:"count"`
	Accidentals float64 `db:"accidentals" json:"accidentals"`
}

// MetricPoint is one stored metric value with its sample time.
type MetricPoint struct {
	Seq        uint64          `db:"seq" json:"seq"`
	CapturedAt time.Time       `db:"captured_at" json:"captured_at"`
	Value      float64         `db:"value" json:"value"`
	Sigma      sql.NullFloat64 `db:"sigma" json:"-"`
}

// SampleInput is what RecordSample persists for one update.
type SampleInput struct {
	Seq        uint64
	CapturedAt time.Time
	Batch      *timetag.Batch
	Result     *timetag.CoincidenceResult
	Metrics    []timetag.MetricValue
}

// StartRun creates a run row and returns it.
func (db *DB) StartRun(ctx context.Context, source string, exposure time.Duration, specs []timetag.CoincidenceSpec, note string) (Run, error) {
	specsJSON, err := json.Marshal(specs)
	if err != nil {
		return Run{}, fmt.Errorf("failed to encode specs: %w", err)
	}
	run := Run{
		ID:          uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		Source:      source,
		ExposureSec: exposure.Seconds(),
		SpecsJSON:   string(specsJSON),
		Note:        note,
	}
	_, err = db.NamedExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, source, exposure_sec, specs_json, note)
		VALUES (:run_id, :started_at, :source, :exposure_sec, :specs_json, :note)`, run)
	if err != nil {
		return Run{}, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// FinishRun stamps the end time of a run.
func (db *DB) FinishRun(ctx context.Context, runID string) error {
	res, err := db.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE run_id = ?`, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun loads one run.
func (db *DB) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	err := db.GetContext(ctx, &run, `SELECT * FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

// Runs lists the most recent runs first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	if err := db.SelectContext(ctx, &runs, `SELECT * FROM runs ORDER BY started_at DESC LIMIT ?`, limitOrAll(limit)); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// RecordSample stores one update with its counts and metrics in a single
// transaction and returns the sample id.
func (db *DB) RecordSample(ctx context.Context, runID string, in SampleInput) (int64, error) {
	if in.Batch == nil || in.Result == nil {
		return 0, errors.New("sample needs a batch and a result")
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO samples (run_id, seq, captured_at, duration_sec, total_events)
		VALUES (?, ?, ?, ?, ?)`,
		runID, in.Seq, in.CapturedAt.UTC(), in.Batch.DurationSec(), in.Batch.TotalEvents())
	if err != nil {
		return 0, fmt.Errorf("failed to insert sample: %w", err)
	}
	sampleID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read sample id: %w", err)
	}

	counts := make([]SampleCount, 0, len(in.Batch.Channels())+len(in.Result.Counts))
	singles := in.Batch.Counts()
	for _, ch := range in.Batch.Channels() {
		counts = append(counts, SampleCount{
			SampleID: sampleID, Kind: KindSingles, Label: strconv.Itoa(ch), Count: int64(singles[ch]),
		})
	}
	for _, label := range in.Result.Labels() {
		counts = append(counts, SampleCount{
			SampleID:    sampleID,
			Kind:        KindCoincidences,
			Label:       label,
			Count:       in.Result.Counts[label],
			Accidentals: in.Result.Accidentals[label],
		})
	}
	for _, c := range counts {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO sample_counts (sample_id, kind, label, count, accidentals)
			VALUES (:sample_id, :kind, :label, :count, :accidentals)`, c); err != nil {
			return 0, fmt.Errorf("failed to insert %s count %s: %w", c.Kind, c.Label, err)
		}
	}

	for _, m := range in.Metrics {
		var sigma sql.NullFloat64
		if s, ok := m.Sigma(); ok {
			sigma = sql.NullFloat64{Float64: s, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sample_metrics (sample_id, name, value, sigma, units)
			VALUES (?, ?, ?, ?, ?)`, sampleID, m.Name, m.Value, sigma, m.Units); err != nil {
			return 0, fmt.Errorf("failed to insert metric %s: %w", m.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sample: %w", err)
	}
	return sampleID, nil
}

// RecentSamples returns up to limit samples of a run, oldest first.
func (db *DB) RecentSamples(ctx context.Context, runID string, limit int) ([]Sample, error) {
	var samples []Sample
	err := db.SelectContext(ctx, &samples, `
		SELECT * FROM samples WHERE run_id = ? ORDER BY seq DESC LIMIT ?`, runID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	slices.Reverse(samples)
	return samples, nil
}

// SampleCounts returns the stored counts of one sample.
func (db *DB) SampleCounts(ctx context.Context, sampleID int64) ([]SampleCount, error) {
	var counts []SampleCount
	err := db.SelectContext(ctx, &counts, `
		SELECT * FROM sample_counts WHERE sample_id = ? ORDER BY kind DESC, label`, sampleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list counts: %w", err)
	}
	return counts, nil
}

// MetricSeries returns the last limit values of one metric in a run, oldest
// first.
func (db *DB) MetricSeries(ctx context.Context, runID, name string, limit int) ([]MetricPoint, error) {
	var points []MetricPoint
	err := db.SelectContext(ctx, &points, `
		SELECT s.seq, s.captured_at, m.value, m.sigma
		FROM sample_metrics m JOIN samples s ON s.sample_id = m.sample_id
		WHERE s.run_id = ? AND m.name = ?
		ORDER BY s.seq DESC LIMIT ?`, runID, name, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to load metric series: %w", err)
	}
	slices.Reverse(points)
	return points, nil
}

// CountSeries returns the last limit counts of one channel or label in a
// run, oldest first.
func (db *DB) CountSeries(ctx context.Context, runID, kind, label string, limit int) ([]SampleCount, error) {
	var counts []SampleCount
	err := db.SelectContext(ctx, &counts, `
		SELECT c.* FROM sample_counts c JOIN samples s ON s.sample_id = c.sample_id
		WHERE s.run_id = ? AND c.kind = ? AND c.label = ?
		ORDER BY s.seq DESC LIMIT ?`, runID, kind, label, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to load count series: %w", err)
	}
	slices.Reverse(counts)
	return counts, nil
}

// limitOrAll maps non-positive limits to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
