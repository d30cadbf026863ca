// Package tui is the terminal dashboard. It polls a session on a tea.Tick and
// renders singles, coincidences, grouped metrics and history summaries.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/banshee-data/coincidence.report/internal/monitoring"
	"github.com/banshee-data/coincidence.report/internal/session"
)

// exposureSteps are the exposures the +/- keys move between.
var exposureSteps = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// noticeFadeDelay is how long a notice stays in the footer.
const noticeFadeDelay = 5 * time.Second

type pollMsg time.Time

type calibratedMsg struct {
	applied map[string]float64
	err     error
}

type stoppedMsg struct{ err error }

type reappliedMsg struct {
	n   int
	err error
}

type noticeFadeMsg struct{ id int }

// Model is the bubbletea model of the dashboard.
type Model struct {
	session  *session.Session
	keys     KeyMap
	help     help.Model
	interval time.Duration

	width  int
	height int

	notice     string
	noticeErr  bool
	noticeID   int
	busy       bool
	lastPolled int
}

// NewModel creates a dashboard over s. A non-positive interval uses
// session.DefaultPollInterval.
func NewModel(s *session.Session, interval time.Duration) Model {
	if interval <= 0 {
		interval = session.DefaultPollInterval
	}
	return Model{
		session:  s,
		keys:     DefaultKeyMap,
		help:     help.New(),
		interval: interval,
	}
}

func (model Model) tick() tea.Cmd {
	return tea.Tick(model.interval, func(t time.Time) tea.Msg { return pollMsg(t) })
}

// Init starts the poll timer.
func (model Model) Init() tea.Cmd {
	return model.tick()
}

// Update handles key presses, poll ticks and the results of background
// commands.
func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		model.width, model.height = message.Width, message.Height
		model.help.Width = message.Width
		return model, nil

	case pollMsg:
		model.lastPolled = len(model.session.Poll())
		return model, model.tick()

	case tea.KeyMsg:
		return model.handleKey(message)

	case calibratedMsg:
		model.busy = false
		switch {
		case errors.Is(message.err, session.ErrNoData):
			return model.setNotice("no data to calibrate yet", true)
		case message.err != nil && message.applied == nil:
			return model.setNotice(fmt.Sprintf("calibration failed: %v", message.err), true)
		case message.err != nil:
			return model.setNotice(fmt.Sprintf("applied %d delays, not saved: %v", len(message.applied), message.err), true)
		}
		return model.setNotice(fmt.Sprintf("applied %d delays", len(message.applied)), false)

	case stoppedMsg:
		model.busy = false
		if message.err != nil {
			return model.setNotice(message.err.Error(), true)
		}
		return model.setNotice("acquisition stopped", false)

	case reappliedMsg:
		if message.err != nil {
			return model.setNotice(fmt.Sprintf("failed to apply saved delays: %v", message.err), true)
		}
		return model.setNotice(fmt.Sprintf("applied %d saved delays", message.n), false)

	case noticeFadeMsg:
		if message.id == model.noticeID {
			model.notice = ""
			model.noticeErr = false
		}
		return model, nil
	}
	return model, nil
}

func (model Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	ctrl := model.session.Controller()
	switch {
	case key.Matches(message, model.keys.Quit):
		return model, tea.Quit

	case key.Matches(message, model.keys.Help):
		model.help.ShowAll = !model.help.ShowAll
		return model, nil

	case key.Matches(message, model.keys.Toggle):
		if model.busy {
			return model, nil
		}
		if ctrl.Running() {
			model.busy = true
			return model, func() tea.Msg { return stoppedMsg{err: ctrl.Stop()} }
		}
		if err := ctrl.Start(); err != nil {
			return model.setNotice(fmt.Sprintf("start failed: %v", err), true)
		}
		return model.setNotice("acquisition started", false)

	case key.Matches(message, model.keys.Calibrate):
		if model.busy {
			return model, nil
		}
		model.busy = true
		s := model.session
		return model, func() tea.Msg {
			applied, err := s.Calibrate()
			return calibratedMsg{applied: applied, err: err}
		}

	case key.Matches(message, model.keys.Reapply):
		s := model.session
		return model, func() tea.Msg {
			n, err := s.ApplySavedDelays()
			return reappliedMsg{n: n, err: err}
		}

	case key.Matches(message, model.keys.ExposureUp):
		return model.stepExposure(1)

	case key.Matches(message, model.keys.ExposureDown):
		return model.stepExposure(-1)
	}
	return model, nil
}

func (model Model) stepExposure(dir int) (tea.Model, tea.Cmd) {
	next := nextExposure(model.session.Controller().Exposure(), dir)
	if err := model.session.SetExposure(next); err != nil {
		return model.setNotice(err.Error(), true)
	}
	return model.setNotice(fmt.Sprintf("exposure %s", next), false)
}

// nextExposure moves from cur to the neighbouring step in direction dir,
// clamping at either end.
func nextExposure(cur time.Duration, dir int) time.Duration {
	if dir > 0 {
		for _, d := range exposureSteps {
			if d > cur {
				return d
			}
		}
		return exposureSteps[len(exposureSteps)-1]
	}
	for i := len(exposureSteps) - 1; i >= 0; i-- {
		if exposureSteps[i] < cur {
			return exposureSteps[i]
		}
	}
	return exposureSteps[0]
}

func (model Model) setNotice(text string, isErr bool) (tea.Model, tea.Cmd) {
	model.noticeID++
	model.notice = text
	model.noticeErr = isErr
	id := model.noticeID
	return model, tea.Tick(noticeFadeDelay, func(time.Time) tea.Msg { return noticeFadeMsg{id: id} })
}

// Run drives the dashboard until the user quits or ctx is done. Log output is
// written to logOut while the program owns the terminal.
func Run(ctx context.Context, s *session.Session, interval time.Duration, logOut io.Writer) error {
	if logOut == nil {
		logOut = io.Discard
	}
	restore := monitoring.RedirectTo(logOut)
	defer restore()

	p := tea.NewProgram(NewModel(s, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("failed to run dashboard: %w", err)
	}
	return nil
}
