package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coincidence.report/internal/acquisition"
	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/metrics"
	"github.com/banshee-data/coincidence.report/internal/pipeline"
	"github.com/banshee-data/coincidence.report/internal/timetag"
	"github.com/banshee-data/coincidence.report/internal/timeutil"
)

func testPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(correlator.NewNative(), []timetag.CoincidenceSpec{
		timetag.MustSpec("HH", []int{1, 5}, 200),
	})
	require.NoError(t, err)
	return p
}

func fixedBackend() *acquisition.SyntheticBackend {
	batch := timetag.NewBatch(map[int][]int64{
		1: {1000, 5000, 9000},
		5: {1050, 5100, 20000},
	}, 1, time.Time{}, nil)
	return acquisition.NewSyntheticBackend(acquisition.SyntheticOptions{
		Batches:         []*timetag.Batch{batch},
		DefaultExposure: time.Second,
	})
}

// scriptedBackend returns queued errors before falling back to batches.
type scriptedBackend struct {
	mu      sync.Mutex
	errs    []error
	batch   *timetag.Batch
	block   chan struct{}
	calls   int
	closed  int
	exposed []time.Duration
}

func (s *scriptedBackend) Capture(ctx context.Context, exposure time.Duration) (*timetag.Batch, error) {
	s.mu.Lock()
	s.calls++
	s.exposed = append(s.exposed, exposure)
	block := s.block
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return s.batch, nil
}

func (s *scriptedBackend) DefaultExposure() time.Duration { return 10 * time.Millisecond }

func (s *scriptedBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func TestRunOnce(t *testing.T) {
	t.Parallel()
	c := NewController(fixedBackend(), testPipeline(t), Options{})

	u, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.Seq)
	assert.Equal(t, int64(2), u.Result.Count("HH"))
	assert.Equal(t, map[int]int{1: 3, 5: 3}, u.SinglesCounts())
	_, ok := u.Metric(metrics.Visibility)
	assert.True(t, ok)
	assert.Equal(t, Stats{Cycles: 1}, c.Stats())
}

func TestRunOnceSubscriberIsolation(t *testing.T) {
	t.Parallel()
	c := NewController(fixedBackend(), testPipeline(t), Options{})

	var order []string
	c.Subscribe(func(*Update) error {
		order = append(order, "panics")
		panic("boom")
	})
	c.Subscribe(func(*Update) error {
		order = append(order, "errors")
		return errors.New("nope")
	})
	var got *Update
	c.Subscribe(func(u *Update) error {
		order = append(order, "ok")
		got = u
		return nil
	})

	u, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"panics", "errors", "ok"}, order)
	assert.Same(t, u, got)
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	c := NewController(fixedBackend(), testPipeline(t), Options{})
	calls := 0
	id := c.Subscribe(func(*Update) error { calls++; return nil })
	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	c.Unsubscribe(id)
	c.Unsubscribe("unknown")
	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunOnceCaptureError(t *testing.T) {
	t.Parallel()
	acqErr := &acquisition.AcquisitionError{Op: "read", Err: errors.New("disk")}
	b := &scriptedBackend{errs: []error{acqErr}}
	c := NewController(b, testPipeline(t), Options{})

	_, err := c.RunOnce(context.Background())
	var target *acquisition.AcquisitionError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "read", target.Op)
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Failures)
	assert.Contains(t, st.LastError, "disk")
}

func TestSetExposureAndPipeline(t *testing.T) {
	t.Parallel()
	b := &scriptedBackend{batch: timetag.NewBatch(map[int][]int64{1: {0}, 5: {500}}, 1, time.Time{}, nil)}
	c := NewController(b, testPipeline(t), Options{})
	assert.Equal(t, 10*time.Millisecond, c.Exposure())

	require.Error(t, c.SetExposure(0))
	require.NoError(t, c.SetExposure(250*time.Millisecond))
	u, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, u.Result.Count("HH"))

	require.NoError(t, c.UpdateDelay("HH", -500))
	u, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Result.Count("HH"))
	require.Error(t, c.UpdateDelay("nope", 1))

	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, b.exposed)
}

func TestStartIsIdempotentAndStopWhenIdle(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := NewController(fixedBackend(), testPipeline(t), Options{Clock: clock})

	require.NoError(t, c.Stop())
	assert.False(t, c.Running())

	require.NoError(t, c.Start())
	first := c.Done()
	require.NoError(t, c.Start())
	assert.Equal(t, first, c.Done())
	assert.True(t, c.Running())

	require.NoError(t, c.Stop())
	assert.False(t, c.Running())
	require.NoError(t, c.Stop())
}

func TestLoopSleepsRemainder(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := NewController(fixedBackend(), testPipeline(t), Options{Clock: clock})
	updates := make(chan *Update, 8)
	c.Subscribe(func(u *Update) error { updates <- u; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Start())
	defer c.Stop()

	u := <-updates
	assert.Equal(t, uint64(1), u.Seq)
	require.NoError(t, clock.WaitForPending(ctx, 1))
	assert.Len(t, updates, 0)

	clock.Advance(999 * time.Millisecond)
	assert.Len(t, updates, 0)
	clock.Advance(time.Millisecond)
	select {
	case u = <-updates:
		assert.Equal(t, uint64(2), u.Seq)
	case <-ctx.Done():
		t.Fatal("second cycle never ran")
	}
}

func TestLoopSkipsFailedCycles(t *testing.T) {
	t.Parallel()
	b := &scriptedBackend{
		errs:  []error{&acquisition.AcquisitionError{Op: "read", Err: errors.New("glitch")}},
		batch: timetag.NewBatch(map[int][]int64{1: {0}}, 1, time.Time{}, nil),
	}
	c := NewController(b, testPipeline(t), Options{Exposure: time.Millisecond})
	updates := make(chan *Update, 64)
	c.Subscribe(func(u *Update) error {
		select {
		case updates <- u:
		default:
		}
		return nil
	})

	require.NoError(t, c.Start())
	defer c.Stop()
	select {
	case <-updates:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not recover from a failed cycle")
	}
	assert.Equal(t, uint64(1), c.Stats().Failures)
}

func TestLoopEndsWhenReplayExhausted(t *testing.T) {
	t.Parallel()
	b := &scriptedBackend{errs: []error{acquisition.ErrReplayExhausted}}
	c := NewController(b, testPipeline(t), Options{Exposure: time.Millisecond})

	require.NoError(t, c.Start())
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop kept running after exhaustion")
	}
	assert.False(t, c.Running())
	require.NoError(t, c.Stop())
}

func TestStopTimeout(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	b := &scriptedBackend{block: block, batch: timetag.NewBatch(nil, 1, time.Time{}, nil)}
	c := NewController(b, testPipeline(t), Options{StopTimeout: 20 * time.Millisecond})

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.calls == 1
	}, 5*time.Second, time.Millisecond)

	done := c.Done()
	require.ErrorIs(t, c.Stop(), ErrStopTimeout)
	close(block)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit after capture returned")
	}
}

func TestCloseClosesBackendOnce(t *testing.T) {
	t.Parallel()
	b := &scriptedBackend{batch: timetag.NewBatch(nil, 1, time.Time{}, nil)}
	c := NewController(b, testPipeline(t), Options{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, b.closed)
}

func TestStopKeepsReportingTimedOutLoop(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	b := &scriptedBackend{block: block, batch: timetag.NewBatch(nil, 1, time.Time{}, nil)}
	c := NewController(b, testPipeline(t), Options{StopTimeout: 20 * time.Millisecond})

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.calls == 1
	}, 5*time.Second, time.Millisecond)

	require.ErrorIs(t, c.Stop(), ErrStopTimeout)
	require.ErrorIs(t, c.Stop(), ErrStopTimeout)
	assert.True(t, c.Running())

	close(block)
	require.Eventually(t, func() bool { return c.Stop() == nil }, 5*time.Second, time.Millisecond)
	assert.False(t, c.Running())
}

func TestStartAfterTimedOutStop(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	b := &scriptedBackend{block: block, batch: timetag.NewBatch(nil, 1, time.Time{}, nil)}
	c := NewController(b, testPipeline(t), Options{
		Exposure:    time.Millisecond,
		StopTimeout: 100 * time.Millisecond,
	})

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.calls == 1
	}, 5*time.Second, time.Millisecond)
	old := c.Done()
	require.ErrorIs(t, c.Stop(), ErrStopTimeout)

	// Old loop is still stuck in capture.
	require.ErrorIs(t, c.Start(), ErrStopTimeout)
	assert.Equal(t, old, c.Done())

	released := make(chan error, 1)
	go func() { released <- c.Start() }()
	close(block)
	require.NoError(t, <-released)

	assert.NotEqual(t, old, c.Done())
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.calls > 1
	}, 5*time.Second, time.Millisecond)
	assert.True(t, c.Running())
	require.NoError(t, c.Stop())
}

func TestEditPipeline(t *testing.T) {
	t.Parallel()
	c := NewController(fixedBackend(), testPipeline(t), Options{})
	before := c.Pipeline()

	require.Error(t, c.EditPipeline(func(p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
		return p.UpdateDelay("nope", 1)
	}))
	assert.Same(t, before, c.Pipeline())

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.EditPipeline(func(p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
				s, _ := p.Spec("HH")
				return p.UpdateDelay("HH", s.DelayOrZero()+1)
			}))
		}()
	}
	wg.Wait()
	s, ok := c.Pipeline().Spec("HH")
	require.True(t, ok)
	assert.Equal(t, 20.0, s.DelayOrZero())
}
