package tui

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coincidence.report/internal/acquisition"
	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/history"
	"github.com/banshee-data/coincidence.report/internal/live"
	"github.com/banshee-data/coincidence.report/internal/monitoring"
	"github.com/banshee-data/coincidence.report/internal/pipeline"
	"github.com/banshee-data/coincidence.report/internal/session"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func testSession(t *testing.T) *session.Session {
	t.Helper()
	svc := correlator.NewNative()
	p, err := pipeline.New(svc, []timetag.CoincidenceSpec{
		timetag.MustSpec("HH", []int{1, 5}, 200),
		timetag.MustSpec("HV", []int{1, 6}, 200),
	})
	require.NoError(t, err)
	batch := timetag.NewBatch(map[int][]int64{
		1: {10000, 50000, 90000},
		5: {11000, 51000, 91000},
		6: {70000},
	}, 0.5, time.Time{}, nil)
	backend := acquisition.NewSyntheticBackend(acquisition.SyntheticOptions{
		Batches:         []*timetag.Batch{batch},
		DefaultExposure: time.Second,
	})
	ctrl := live.NewController(backend, p, live.Options{})
	s := session.New(session.Config{
		Controller: ctrl,
		Service:    svc,
		History:    history.NewBuffer(10),
	})
	t.Cleanup(func() {
		s.Close()
		_ = ctrl.Close()
	})
	return s
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	require.True(t, ok)
	return model, cmd
}

func TestNextExposure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cur  time.Duration
		dir  int
		want time.Duration
	}{
		{"up from step", time.Second, 1, 2 * time.Second},
		{"down from step", time.Second, -1, 500 * time.Millisecond},
		{"up between steps", 300 * time.Millisecond, 1, 500 * time.Millisecond},
		{"down between steps", 300 * time.Millisecond, -1, 200 * time.Millisecond},
		{"clamp top", 10 * time.Second, 1, 10 * time.Second},
		{"clamp bottom", 50 * time.Millisecond, -1, 50 * time.Millisecond},
		{"above range", time.Minute, -1, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextExposure(tt.cur, tt.dir))
		})
	}
}

func TestViewBeforeData(t *testing.T) {
	t.Parallel()
	m := NewModel(testSession(t), 0)
	assert.Equal(t, session.DefaultPollInterval, m.interval)
	assert.NotNil(t, m.Init())

	out := m.View()
	assert.Contains(t, out, "waiting for the first batch")
	assert.Contains(t, out, "stopped")
	assert.Contains(t, out, "exposure 1s")
}

func TestPollRendersLatestUpdate(t *testing.T) {
	t.Parallel()
	s := testSession(t)
	m := NewModel(s, time.Second)

	_, err := s.Controller().RunOnce(context.Background())
	require.NoError(t, err)
	m, cmd := update(t, m, pollMsg(time.Now()))
	assert.NotNil(t, cmd)
	assert.Equal(t, 1, m.lastPolled)

	out := m.View()
	for _, want := range []string{"Singles", "Coincidences", "HH", "HV", "ch1", "seq 1", "elapsed 0.5s"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "waiting for the first batch")
}

func TestExposureKeys(t *testing.T) {
	t.Parallel()
	s := testSession(t)
	m := NewModel(s, time.Second)

	m, cmd := update(t, m, runes("+"))
	assert.NotNil(t, cmd)
	assert.Equal(t, 2*time.Second, s.Controller().Exposure())
	assert.Equal(t, "exposure 2s", m.notice)

	_, _ = update(t, m, runes("-"))
	_, _ = update(t, m, runes("-"))
	assert.Equal(t, 500*time.Millisecond, s.Controller().Exposure())
}

func TestCalibrateKey(t *testing.T) {
	t.Parallel()
	s := testSession(t)
	m := NewModel(s, time.Second)

	m, cmd := update(t, m, runes("c"))
	require.NotNil(t, cmd)
	assert.True(t, m.busy)

	// A second press while busy is ignored.
	_, again := update(t, m, runes("c"))
	assert.Nil(t, again)

	msg := cmd()
	res, ok := msg.(calibratedMsg)
	require.True(t, ok)
	require.ErrorIs(t, res.err, session.ErrNoData)
	m, _ = update(t, m, msg)
	assert.False(t, m.busy)
	assert.True(t, m.noticeErr)
	assert.Equal(t, "no data to calibrate yet", m.notice)

	_, err := s.Controller().RunOnce(context.Background())
	require.NoError(t, err)
	m, _ = update(t, m, pollMsg(time.Now()))
	m, cmd = update(t, m, runes("c"))
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	assert.False(t, m.noticeErr)
	assert.Equal(t, "applied 2 delays", m.notice)
	assert.Contains(t, m.View(), "-1200")
}

func TestToggleStartsAndStops(t *testing.T) {
	t.Parallel()
	s := testSession(t)
	ctrl := s.Controller()
	require.NoError(t, ctrl.SetExposure(10*time.Millisecond))
	m := NewModel(s, time.Second)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeySpace, Runes: []rune(" ")})
	assert.True(t, ctrl.Running())
	assert.Equal(t, "acquisition started", m.notice)

	m, cmd := update(t, m, runes("s"))
	require.NotNil(t, cmd)
	assert.True(t, m.busy)
	m, _ = update(t, m, cmd())
	assert.False(t, m.busy)
	assert.False(t, ctrl.Running())
	assert.Equal(t, "acquisition stopped", m.notice)
}

func TestNoticeFades(t *testing.T) {
	t.Parallel()
	m := NewModel(testSession(t), time.Second)
	m, _ = update(t, m, runes("+"))
	first := m.noticeID
	m, _ = update(t, m, runes("+"))

	m, _ = update(t, m, noticeFadeMsg{id: first})
	assert.NotEmpty(t, m.notice)
	m, _ = update(t, m, noticeFadeMsg{id: m.noticeID})
	assert.Empty(t, m.notice)
}

func TestHelpAndQuit(t *testing.T) {
	t.Parallel()
	m := NewModel(testSession(t), time.Second)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	assert.Equal(t, 120, m.width)

	short := m.View()
	m, _ = update(t, m, runes("?"))
	assert.True(t, m.help.ShowAll)
	assert.Contains(t, m.View(), "apply saved delays")
	assert.NotContains(t, short, "apply saved delays")

	_, cmd := update(t, m, runes("q"))
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	assert.True(t, ok)
}

func TestRenderTableAlignsColumns(t *testing.T) {
	t.Parallel()
	out := renderTable("T", [][]string{{"a", "bb"}, {"ccc", "d"}})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], "ccc  d")
	assert.Equal(t, "-", formatFloat(math.NaN(), 2))
	assert.Equal(t, "-", formatRate(1, 0))
}
