// Package live runs the acquire, count and measure cycle in the background
// and fans every update out to subscribers.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/coincidence.report/internal/acquisition"
	"github.com/banshee-data/coincidence.report/internal/metrics"
	"github.com/banshee-data/coincidence.report/internal/monitoring"
	"github.com/banshee-data/coincidence.report/internal/pipeline"
	"github.com/banshee-data/coincidence.report/internal/timetag"
	"github.com/banshee-data/coincidence.report/internal/timeutil"
)

// DefaultStopTimeout bounds how long Stop waits for an in-flight cycle.
const DefaultStopTimeout = time.Second

// ErrStopTimeout is returned by Stop when the loop did not exit in time. The
// loop still exits once its current capture returns.
var ErrStopTimeout = errors.New("live loop did not stop in time")

// Update is the outcome of one cycle.
type Update struct {
	Seq          uint64
	At           time.Time
	Batch        *timetag.Batch
	Result       *timetag.CoincidenceResult
	Metrics      []timetag.MetricValue
	MetricErrors []error
}

// SinglesCounts is the number of detections per channel in the batch.
func (u *Update) SinglesCounts() map[int]int {
	return u.Batch.Counts()
}

// Metric looks up a computed metric by name.
func (u *Update) Metric(name string) (timetag.MetricValue, bool) {
	for _, m := range u.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return timetag.MetricValue{}, false
}

// Subscriber receives updates in capture order on the loop goroutine. A
// returned error or panic is logged and does not affect other subscribers.
type Subscriber func(*Update) error

type subscription struct {
	id string
	fn Subscriber
}

// Options configures a Controller. Zero values select defaults.
type Options struct {
	Exposure    time.Duration
	Registry    *metrics.Registry
	Clock       timeutil.Clock
	StopTimeout time.Duration
}

// Stats counts loop outcomes.
type Stats struct {
	Cycles    uint64
	Failures  uint64
	LastError string
}

// Controller owns a backend and drives it through the pipeline.
type Controller struct {
	backend     acquisition.Backend
	registry    *metrics.Registry
	clock       timeutil.Clock
	stopTimeout time.Duration

	exposure atomic.Int64
	pipeMu   sync.Mutex
	pipe     atomic.Pointer[pipeline.Pipeline]

	cycleMu sync.Mutex
	seq     uint64

	subsMu sync.RWMutex
	subs   []subscription

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	statsMu sync.Mutex
	stats   Stats

	closeOnce sync.Once
	closeErr  error
}

// NewController wires a backend to a pipeline.
func NewController(backend acquisition.Backend, p *pipeline.Pipeline, opts Options) *Controller {
	if opts.Exposure <= 0 {
		opts.Exposure = backend.DefaultExposure()
	}
	if opts.Registry == nil {
		opts.Registry = metrics.NewDefaultRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	c := &Controller{
		backend:     backend,
		registry:    opts.Registry,
		clock:       opts.Clock,
		stopTimeout: opts.StopTimeout,
	}
	c.exposure.Store(int64(opts.Exposure))
	c.pipe.Store(p)
	return c
}

// Exposure is the exposure used by the next cycle.
func (c *Controller) Exposure() time.Duration {
	return time.Duration(c.exposure.Load())
}

// SetExposure takes effect at the top of the next cycle.
func (c *Controller) SetExposure(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("exposure must be positive, got %v", d)
	}
	c.exposure.Store(int64(d))
	return nil
}

// Pipeline is the current pipeline snapshot.
func (c *Controller) Pipeline() *pipeline.Pipeline {
	return c.pipe.Load()
}

// SetPipeline swaps the pipeline used by subsequent cycles.
func (c *Controller) SetPipeline(p *pipeline.Pipeline) {
	if p == nil {
		return
	}
	c.pipeMu.Lock()
	defer c.pipeMu.Unlock()
	c.pipe.Store(p)
}

// EditPipeline replaces the pipeline with fn's result. Edits are serialised
// so none is lost; a failed edit leaves the pipeline unchanged.
func (c *Controller) EditPipeline(fn func(*pipeline.Pipeline) (*pipeline.Pipeline, error)) error {
	c.pipeMu.Lock()
	defer c.pipeMu.Unlock()
	next, err := fn(c.pipe.Load())
	if err != nil {
		return err
	}
	if next != nil {
		c.pipe.Store(next)
	}
	return nil
}

// UpdateDelay replaces one spec's delay in the running pipeline.
func (c *Controller) UpdateDelay(label string, delayPs float64) error {
	return c.EditPipeline(func(p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
		return p.UpdateDelay(label, delayPs)
	})
}

// Registry is the metric registry evaluated each cycle.
func (c *Controller) Registry() *metrics.Registry { return c.registry }

// Subscribe registers fn and returns an id for Unsubscribe.
func (c *Controller) Subscribe(fn Subscriber) string {
	id := uuid.NewString()
	c.subsMu.Lock()
	c.subs = append(c.subs, subscription{id: id, fn: fn})
	c.subsMu.Unlock()
	return id
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (c *Controller) Unsubscribe(id string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return
		}
	}
}

// RunOnce performs a single cycle and emits it to every subscriber. Cycles
// never overlap.
func (c *Controller) RunOnce(ctx context.Context) (*Update, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	u, err := c.cycle(ctx)
	c.record(err)
	if err != nil {
		return nil, err
	}
	c.emit(u)
	return u, nil
}

func (c *Controller) cycle(ctx context.Context) (*Update, error) {
	exposure := c.Exposure()
	p := c.Pipeline()

	batch, err := c.backend.Capture(ctx, exposure)
	if err != nil {
		return nil, fmt.Errorf("failed to capture: %w", err)
	}
	res, err := p.Run(batch)
	if err != nil {
		return nil, err
	}
	values, errs := c.registry.ComputeAll(res)

	c.seq++
	return &Update{
		Seq:          c.seq,
		At:           c.clock.Now(),
		Batch:        batch,
		Result:       res,
		Metrics:      values,
		MetricErrors: errs,
	}, nil
}

func (c *Controller) emit(u *Update) {
	c.subsMu.RLock()
	subs := append([]subscription(nil), c.subs...)
	c.subsMu.RUnlock()

	for _, s := range subs {
		if err := deliver(s.fn, u); err != nil {
			monitoring.Logf("[Live] callback failed: %v", err)
		}
	}
}

func deliver(fn Subscriber, u *Update) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(u)
}

func (c *Controller) record(err error) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if err != nil {
		c.stats.Failures++
		c.stats.LastError = err.Error()
		return
	}
	c.stats.Cycles++
}

// Stats returns a copy of the loop counters.
func (c *Controller) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Start launches the background loop. It is a no-op while running. If a
// previous Stop timed out, Start waits up to the stop timeout for that loop
// to exit and returns ErrStopTimeout if it has not.
func (c *Controller) Start() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	for isRunning(c.done) {
		if c.cancel != nil {
			return nil
		}
		pending := c.done
		c.runMu.Unlock()
		err := c.wait(pending)
		c.runMu.Lock()
		if err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	go c.loop(ctx, done)
	return nil
}

// Running reports whether the background loop is alive.
func (c *Controller) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return isRunning(c.done)
}

// Done is closed when the current loop exits. It is nil when never started.
func (c *Controller) Done() <-chan struct{} {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.done
}

func isRunning(done chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Stop cancels the loop and waits up to the stop timeout for it to exit.
// Stopping an idle controller is a no-op. Until a timed-out loop exits, every
// Stop returns ErrStopTimeout.
func (c *Controller) Stop() error {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.wait(done)
}

func (c *Controller) wait(done chan struct{}) error {
	if !isRunning(done) {
		return nil
	}
	t := time.NewTimer(c.stopTimeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		monitoring.Logf("[Live] loop still running after %v", c.stopTimeout)
		return ErrStopTimeout
	}
}

// Close stops the loop and closes the backend once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		stopErr := c.Stop()
		if err := c.backend.Close(); err != nil {
			c.closeErr = errors.Join(stopErr, fmt.Errorf("failed to close backend: %w", err))
			return
		}
		c.closeErr = stopErr
	})
	return c.closeErr
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	monitoring.Logf("[Live] started, exposure %v", c.Exposure())
	defer monitoring.Logf("[Live] stopped")

	for ctx.Err() == nil {
		start := c.clock.Now()
		_, err := c.RunOnce(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, acquisition.ErrReplayExhausted), errors.Is(err, acquisition.ErrClosed):
			monitoring.Logf("[Live] acquisition finished: %v", err)
			return
		default:
			monitoring.Logf("[Live] cycle failed: %v", err)
		}

		remaining := c.Exposure() - c.clock.Since(start)
		if err := timeutil.SleepContext(ctx, c.clock, remaining); err != nil {
			return
		}
	}
}
