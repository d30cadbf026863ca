package pipeline

import (
	"fmt"
	"math"

	"github.com/banshee-data/coincidence.report/internal/metrics"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// TimeSeries is a batch cut into consecutive chunks with per-chunk singles,
// coincidences and metrics. Times holds each chunk's end in seconds.
type TimeSeries struct {
	ChunkSec     float64              `json:"chunk_sec"`
	Times        []float64            `json:"times"`
	Channels     []int                `json:"channels"`
	Singles      map[int][]float64    `json:"singles"`
	Labels       []string             `json:"labels"`
	Coincidences map[string][]float64 `json:"coincidences"`
	MetricNames  []string             `json:"metric_names"`
	Metrics      map[string][]float64 `json:"metrics"`
}

// Len is the number of chunks.
func (ts *TimeSeries) Len() int { return len(ts.Times) }

// ChunkSeconds resolves the chunk length: chunkSec if positive, else the
// batch's bucket_seconds or exposure_sec metadata, else one second.
func ChunkSeconds(batch *timetag.Batch, chunkSec float64) float64 {
	if chunkSec > 0 {
		return chunkSec
	}
	for _, key := range []string{timetag.MetaBucketSeconds, timetag.MetaExposureSec} {
		if v, ok := batch.MetaFloat(key); ok && v > 0 {
			return v
		}
	}
	return 1
}

// TimeSeries runs the pipeline over successive chunks of batch. A metric
// that could not be computed for a chunk is recorded as NaN so every series
// stays aligned with Times.
func (p *Pipeline) TimeSeries(batch *timetag.Batch, chunkSec float64, reg *metrics.Registry) (*TimeSeries, error) {
	chunkSec = ChunkSeconds(batch, chunkSec)
	if reg == nil {
		reg = metrics.NewDefaultRegistry()
	}

	n := int(math.Ceil(batch.DurationSec()/chunkSec - 1e-9))
	ts := &TimeSeries{
		ChunkSec:     chunkSec,
		Times:        make([]float64, 0, n),
		Channels:     batch.Channels(),
		Singles:      make(map[int][]float64),
		Labels:       p.Labels(),
		Coincidences: make(map[string][]float64, len(p.specs)),
		MetricNames:  reg.Names(),
		Metrics:      make(map[string][]float64),
	}

	for i := 0; i < n; i++ {
		start := float64(i) * chunkSec
		end := start + chunkSec
		dur := math.Min(chunkSec, batch.DurationSec()-start)
		chunk := batch.Slice(int64(start*timetag.PsPerSecond), int64(end*timetag.PsPerSecond), dur)

		res, err := p.Run(chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to count chunk %d: %w", i, err)
		}
		ts.Times = append(ts.Times, end)
		for _, ch := range ts.Channels {
			ts.Singles[ch] = append(ts.Singles[ch], float64(len(chunk.Events(ch))))
		}
		for _, label := range ts.Labels {
			ts.Coincidences[label] = append(ts.Coincidences[label], float64(res.Counts[label]))
		}

		values, _ := reg.ComputeAll(res)
		got := make(map[string]float64, len(values))
		for _, v := range values {
			got[v.Name] = v.Value
		}
		for _, name := range ts.MetricNames {
			v, ok := got[name]
			if !ok {
				v = math.NaN()
			}
			ts.Metrics[name] = append(ts.Metrics[name], v)
		}
	}
	return ts, nil
}
