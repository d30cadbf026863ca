package acquisition

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// DefaultSyntheticChannels lists the detector channels of the four-basis
// polarisation setup: H, V, D, A on the first side paired with 5..8.
var DefaultSyntheticChannels = []int{1, 5, 2, 6, 3, 7, 4, 8}

// DefaultSyntheticRate is the per-channel singles rate in Hz.
const DefaultSyntheticRate = 8000.0

// CorrelatedPair mirrors a fraction of the detections on A onto B.
type CorrelatedPair struct {
	A, B     int
	OffsetPs float64
	JitterPs float64
}

// SyntheticOptions configures a SyntheticBackend.
type SyntheticOptions struct {
	Seed            uint64
	Channels        []int
	RateHz          float64
	DefaultExposure time.Duration
	// Pairs and PairedFraction add correlated detections.
	Pairs          []CorrelatedPair
	PairedFraction float64
	// Batches, when set, are served in order and repeated instead of
	// synthesising data.
	Batches []*timetag.Batch
}

// DemoPairs correlates the like-basis pairs with a small detector offset.
func DemoPairs() []CorrelatedPair {
	return []CorrelatedPair{
		{A: 1, B: 5, OffsetPs: 0, JitterPs: 30},
		{A: 2, B: 6, OffsetPs: 0, JitterPs: 30},
		{A: 3, B: 7, OffsetPs: 0, JitterPs: 30},
		{A: 4, B: 8, OffsetPs: 0, JitterPs: 30},
	}
}

// SyntheticBackend generates Poisson-distributed detections. Output is
// deterministic for a given seed and sequence of exposures.
type SyntheticBackend struct {
	opts SyntheticOptions

	mu     sync.Mutex
	rng    *rand.Rand
	src    rand.Source
	next   int
	closed bool
}

var _ Backend = (*SyntheticBackend)(nil)

// NewSyntheticBackend applies defaults and seeds the generator.
func NewSyntheticBackend(opts SyntheticOptions) *SyntheticBackend {
	if len(opts.Channels) == 0 {
		opts.Channels = DefaultSyntheticChannels
	}
	if opts.RateHz <= 0 {
		opts.RateHz = DefaultSyntheticRate
	}
	if opts.DefaultExposure <= 0 {
		opts.DefaultExposure = time.Second
	}
	src := rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)
	return &SyntheticBackend{opts: opts, src: src, rng: rand.New(src)}
}

// DefaultExposure implements Backend.
func (s *SyntheticBackend) DefaultExposure() time.Duration { return s.opts.DefaultExposure }

// Capture implements Backend.
func (s *SyntheticBackend) Capture(ctx context.Context, exposure time.Duration) (*timetag.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exposure = exposureOrDefault(s, exposure)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	if len(s.opts.Batches) > 0 {
		b := s.opts.Batches[s.next%len(s.opts.Batches)]
		s.next++
		return b, nil
	}
	return s.generate(exposure), nil
}

func (s *SyntheticBackend) generate(exposure time.Duration) *timetag.Batch {
	durSec := exposure.Seconds()
	spanPs := durSec * timetag.PsPerSecond
	poisson := distuv.Poisson{Lambda: s.opts.RateHz * durSec, Src: s.src}
	uniform := distuv.Uniform{Min: 0, Max: spanPs, Src: s.src}

	singles := make(map[int][]int64, len(s.opts.Channels))
	for _, ch := range s.opts.Channels {
		n := int(poisson.Rand())
		ts := make([]int64, n)
		for i := range ts {
			ts[i] = int64(uniform.Rand())
		}
		slices.Sort(ts)
		singles[ch] = ts
	}

	if s.opts.PairedFraction > 0 {
		for _, p := range s.opts.Pairs {
			singles[p.B] = s.mirror(singles[p.A], singles[p.B], p, spanPs)
		}
	}

	return timetag.NewBatch(singles, durSec, time.Time{}, map[string]any{
		timetag.MetaMode:        "synthetic",
		timetag.MetaOrigin:      "synthetic",
		timetag.MetaExposureSec: durSec,
	})
}

func (s *SyntheticBackend) mirror(a, b []int64, p CorrelatedPair, spanPs float64) []int64 {
	jitter := distuv.Normal{Mu: p.OffsetPs, Sigma: max(p.JitterPs, 1e-9), Src: s.src}
	out := slices.Clone(b)
	for _, t := range a {
		if s.rng.Float64() >= s.opts.PairedFraction {
			continue
		}
		v := float64(t) + jitter.Rand()
		if v < 0 || v > spanPs {
			continue
		}
		out = append(out, int64(v))
	}
	slices.Sort(out)
	return out
}

// Close implements Backend.
func (s *SyntheticBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
