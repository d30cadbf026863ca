package acquisition

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/monitoring"
	"github.com/banshee-data/coincidence.report/internal/recorder"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// FileReplayOptions configures a FileReplayBackend.
type FileReplayOptions struct {
	// Service reads BIN and CSV files. Defaults to the native correlator.
	Service correlator.Service
	// Exposure is the chunk length used when the file carries no bucket
	// size, and the reported default exposure. Defaults to one second.
	Exposure time.Duration
	// BucketSeconds is passed to Service.ReadFile. Zero uses Exposure.
	BucketSeconds float64
	// Loop restarts from the first chunk after the last one.
	Loop bool
}

// FileReplayBackend serves a recorded file as a sequence of fixed-length
// acquisitions. Chunks without any detections are skipped.
type FileReplayBackend struct {
	path     string
	exposure time.Duration
	loop     bool
	chunks   []*timetag.Batch

	mu     sync.Mutex
	next   int
	closed bool
}

var _ Backend = (*FileReplayBackend)(nil)

// NewFileReplayBackend loads and slices path up front.
func NewFileReplayBackend(path string, opts FileReplayOptions) (*FileReplayBackend, error) {
	if opts.Service == nil {
		opts.Service = correlator.NewNative()
	}
	if opts.Exposure <= 0 {
		opts.Exposure = time.Second
	}
	if opts.BucketSeconds <= 0 {
		opts.BucketSeconds = opts.Exposure.Seconds()
	}

	var chunks []*timetag.Batch
	if strings.EqualFold(filepath.Ext(path), recorder.Extension) {
		recorded, err := recorder.ReadAll(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load recording: %w", err)
		}
		for _, b := range recorded {
			if b.TotalEvents() > 0 {
				chunks = append(chunks, b)
			}
		}
	} else {
		batch, err := opts.Service.ReadFile(path, opts.BucketSeconds)
		if err != nil {
			return nil, fmt.Errorf("failed to load replay file: %w", err)
		}
		chunkSec, ok := batch.MetaFloat(timetag.MetaBucketSeconds)
		if !ok || chunkSec <= 0 {
			chunkSec = opts.Exposure.Seconds()
		}
		chunks = SliceChunks(batch, chunkSec, path)
	}

	monitoring.Logf("[Replay] loaded %d chunks from %s", len(chunks), path)
	return &FileReplayBackend{path: path, exposure: opts.Exposure, loop: opts.Loop, chunks: chunks}, nil
}

// SliceChunks cuts batch into round(duration/chunk) windows of chunkSec
// (at least one), dropping windows with no detections.
func SliceChunks(batch *timetag.Batch, chunkSec float64, source string) []*timetag.Batch {
	frames := max(1, int(math.Round(batch.DurationSec()/chunkSec)))
	loadedAt := time.Now().UTC()
	chunks := make([]*timetag.Batch, 0, frames)
	for i := 0; i < frames; i++ {
		start := int64(float64(i) * chunkSec * timetag.PsPerSecond)
		end := int64(float64(i+1) * chunkSec * timetag.PsPerSecond)
		chunk := batch.Slice(start, end, chunkSec)
		if chunk.TotalEvents() == 0 {
			continue
		}
		chunks = append(chunks, timetag.NewBatch(chunk.Singles(), chunkSec, loadedAt, map[string]any{
			timetag.MetaSource:        source,
			timetag.MetaBucketSeconds: chunkSec,
			timetag.MetaOrigin:        "replay",
		}))
	}
	return chunks
}

// Len is the number of non-empty chunks.
func (r *FileReplayBackend) Len() int { return len(r.chunks) }

// DefaultExposure implements Backend.
func (r *FileReplayBackend) DefaultExposure() time.Duration { return r.exposure }

// Capture implements Backend. The requested exposure is ignored; chunks keep
// the length they were cut with.
func (r *FileReplayBackend) Capture(ctx context.Context, _ time.Duration) (*timetag.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if len(r.chunks) == 0 {
		return nil, ErrReplayExhausted
	}
	if r.next >= len(r.chunks) {
		if !r.loop {
			return nil, ErrReplayExhausted
		}
		r.next = 0
	}
	b := r.chunks[r.next]
	r.next++
	return b, nil
}

// Close implements Backend.
func (r *FileReplayBackend) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
