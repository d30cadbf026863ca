// Package session holds the dashboard state shared by the web monitor and
// the terminal UI: the latest update, the rolling history, and edits that
// must reach both the running pipeline and the saved settings.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/banshee-data/coincidence.report/internal/calibration"
	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/history"
	"github.com/banshee-data/coincidence.report/internal/live"
	"github.com/banshee-data/coincidence.report/internal/monitoring"
	"github.com/banshee-data/coincidence.report/internal/pipeline"
	"github.com/banshee-data/coincidence.report/internal/settings"
	"github.com/banshee-data/coincidence.report/internal/timetag"
	"github.com/banshee-data/coincidence.report/internal/timeutil"
)

// DefaultPollInterval is how often renderers drain the mailbox.
const DefaultPollInterval = 200 * time.Millisecond

// ErrNoData is returned when an operation needs a batch and none has arrived.
var ErrNoData = errors.New("no acquisition data yet")

// ErrUnknownPair is returned for labels that are neither a default pair nor
// a two-channel spec of the running pipeline.
var ErrUnknownPair = errors.New("unknown pair")

// Config wires a session. Settings may be nil, in which case edits are not
// persisted.
type Config struct {
	Controller  *live.Controller
	Service     correlator.Service
	Settings    *settings.Store
	History     *history.Buffer
	MailboxSize int
}

// Session consumes controller updates through a mailbox.
type Session struct {
	ctrl     *live.Controller
	svc      correlator.Service
	settings *settings.Store
	hist     *history.Buffer
	mailbox  *live.Mailbox[*live.Update]
	subID    string

	mu      sync.RWMutex
	latest  *live.Update
	elapsed float64

	// editMu keeps each delay edit and its save together.
	editMu sync.Mutex

	listenMu  sync.Mutex
	nextID    int
	listeners map[int]chan Event
}

// Event is an applied update with the elapsed time it was recorded at.
type Event struct {
	Update     *live.Update
	ElapsedSec float64
}

// New subscribes a session to cfg.Controller.
func New(cfg Config) *Session {
	if cfg.History == nil {
		cfg.History = history.NewBuffer(history.DefaultMaxPoints)
	}
	s := &Session{
		ctrl:      cfg.Controller,
		svc:       cfg.Service,
		settings:  cfg.Settings,
		hist:      cfg.History,
		mailbox:   live.NewMailbox[*live.Update](cfg.MailboxSize),
		listeners: map[int]chan Event{},
	}
	s.subID = s.ctrl.Subscribe(s.mailbox.Subscriber(func(u *live.Update) *live.Update { return u }))
	return s
}

// Close detaches the session from the controller.
func (s *Session) Close() {
	s.ctrl.Unsubscribe(s.subID)
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	for id, ch := range s.listeners {
		close(ch)
		delete(s.listeners, id)
	}
}

// Controller is the live controller behind the session.
func (s *Session) Controller() *live.Controller { return s.ctrl }

// History is the rolling history buffer.
func (s *Session) History() *history.Buffer { return s.hist }

// Settings is the settings store, or nil.
func (s *Session) Settings() *settings.Store { return s.settings }

// Dropped counts updates discarded because the renderer fell behind.
func (s *Session) Dropped() uint64 { return s.mailbox.Dropped() }

// Poll applies every queued update in order and returns them.
func (s *Session) Poll() []*live.Update {
	updates := s.mailbox.Drain()
	for _, u := range updates {
		s.apply(u)
	}
	return updates
}

func (s *Session) apply(u *live.Update) {
	s.mu.Lock()
	s.elapsed += u.Batch.DurationSec()
	elapsed := s.elapsed
	s.latest = u
	s.mu.Unlock()

	s.hist.Append(elapsed, u.SinglesCounts(), u.Result, u.Metrics)

	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- Event{Update: u, ElapsedSec: elapsed}:
		default:
		}
	}
}

// Run polls on every tick of clock until ctx is done.
func (s *Session) Run(ctx context.Context, clock timeutil.Clock, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	t := clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			s.Poll()
		}
	}
}

// Latest returns the newest applied update and the elapsed acquisition time
// in seconds.
func (s *Session) Latest() (*live.Update, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.elapsed
}

// Listen streams applied updates. Slow listeners miss updates rather than
// block polling. Call the returned func to stop listening.
func (s *Session) Listen(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s.listenMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = ch
	s.listenMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.listenMu.Lock()
			defer s.listenMu.Unlock()
			if _, ok := s.listeners[id]; ok {
				delete(s.listeners, id)
				close(ch)
			}
		})
	}
}

// Pair resolves a label to its two channels and counting window.
func (s *Session) Pair(label string) (calibration.Pair, float64, error) {
	window := calibration.DefaultScan().WindowPs
	if spec, ok := s.ctrl.Pipeline().Spec(label); ok {
		if spec.Arity() != 2 {
			return calibration.Pair{}, 0, fmt.Errorf("%w: %s has %d channels", ErrUnknownPair, label, spec.Arity())
		}
		return calibration.Pair{Label: label, A: spec.Channel(0), B: spec.Channel(1)}, spec.WindowPs(), nil
	}
	if p, ok := calibration.Lookup(label, calibration.DefaultLikePairs, calibration.DefaultCrossPairs); ok {
		return p, window, nil
	}
	return calibration.Pair{}, 0, fmt.Errorf("%w: %s", ErrUnknownPair, label)
}

// HistogramRange is the saved histogram range, or the default one.
func (s *Session) HistogramRange() settings.Histogram {
	if s.settings == nil {
		return settings.Defaults().Histogram
	}
	return s.settings.Histogram()
}

// Histogram scans the delays of one pair over the latest batch.
func (s *Session) Histogram(label string) (calibration.DelayHistogram, error) {
	u, _ := s.Latest()
	if u == nil {
		return calibration.DelayHistogram{}, ErrNoData
	}
	pair, window, err := s.Pair(label)
	if err != nil {
		return calibration.DelayHistogram{}, err
	}
	h := s.HistogramRange()
	return calibration.Histogram(s.svc, u.Batch, pair, calibration.ScanRange{
		WindowPs: window,
		StartPs:  h.StartPs,
		EndPs:    h.EndPs,
		StepPs:   h.StepPs,
	})
}

// Calibrate finds like-pair delays on the latest batch, derives cross-pair
// delays from them, applies every delay whose label the pipeline counts and
// saves them. Each like pair is scanned with its own counting window. It
// returns the applied delays.
func (s *Session) Calibrate() (map[string]float64, error) {
	u, _ := s.Latest()
	if u == nil {
		return nil, ErrNoData
	}
	h := s.HistogramRange()
	like := make(map[string]float64, len(calibration.DefaultLikePairs))
	for _, lp := range calibration.DefaultLikePairs {
		pair, window, err := s.Pair(lp.Label)
		if err != nil {
			pair, window = lp, calibration.DefaultScan().WindowPs
		}
		scan := calibration.ScanRange{WindowPs: window, StartPs: h.StartPs, EndPs: h.EndPs, StepPs: h.StepPs}
		found, err := calibration.AutoCalibrate(s.svc, u.Batch, []calibration.Pair{pair}, scan)
		if err != nil {
			return nil, err
		}
		like[lp.Label] = found[pair.Label]
	}
	specs, err := calibration.SpecsFromDelays(calibration.DefaultScan().WindowPs, calibration.DefaultLikePairs, calibration.DefaultCrossPairs, like)
	if err != nil {
		return nil, err
	}

	s.editMu.Lock()
	defer s.editMu.Unlock()
	applied := map[string]float64{}
	err = s.ctrl.EditPipeline(func(p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
		for _, spec := range specs {
			if _, ok := p.Spec(spec.Label()); !ok {
				continue
			}
			d := spec.DelayOrZero()
			var err error
			if p, err = p.UpdateDelay(spec.Label(), d); err != nil {
				return nil, err
			}
			applied[spec.Label()] = d
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	monitoring.Logf("[Session] calibrated %d delays", len(applied))

	if s.settings != nil {
		saved := s.settings.Delays()
		maps.Copy(saved, applied)
		if err := s.settings.SetDelays(saved); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// SetDelay changes one spec's delay and saves it.
func (s *Session) SetDelay(label string, delayPs float64) error {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	if err := s.ctrl.UpdateDelay(label, delayPs); err != nil {
		return err
	}
	if s.settings != nil {
		return s.settings.SetDelay(label, delayPs)
	}
	return nil
}

// ApplySavedDelays pushes saved delays into the pipeline for every label it
// counts and returns how many were applied.
func (s *Session) ApplySavedDelays() (int, error) {
	if s.settings == nil {
		return 0, nil
	}
	s.editMu.Lock()
	defer s.editMu.Unlock()
	n := 0
	err := s.ctrl.EditPipeline(func(p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
		for label, d := range s.settings.Delays() {
			if _, ok := p.Spec(label); !ok {
				continue
			}
			var err error
			if p, err = p.UpdateDelay(label, d); err != nil {
				return nil, err
			}
			n++
		}
		return p, nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SetExposure changes the exposure of subsequent cycles.
func (s *Session) SetExposure(d time.Duration) error {
	return s.ctrl.SetExposure(d)
}

// ResizeHistory changes how many points every history series keeps.
func (s *Session) ResizeHistory(n int) {
	s.hist.Resize(n)
}

// ChannelLabel is the display name of a channel.
func (s *Session) ChannelLabel(ch int) string {
	if s.settings == nil {
		return fmt.Sprintf("ch%d", ch)
	}
	return s.settings.ChannelLabel(ch)
}

// PairLabel is the display name of a spec label.
func (s *Session) PairLabel(label string) string {
	if s.settings == nil {
		return label
	}
	return s.settings.PairLabel(label)
}

// Delays lists the current delay of every spec in configuration order.
func (s *Session) Delays() []timetag.CoincidenceSpec {
	return s.ctrl.Pipeline().Specs()
}
