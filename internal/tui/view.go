package tui

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/banshee-data/coincidence.report/internal/history"
	"github.com/banshee-data/coincidence.report/internal/live"
	"github.com/banshee-data/coincidence.report/internal/metrics"
	"github.com/banshee-data/coincidence.report/internal/timetag"
	"github.com/banshee-data/coincidence.report/internal/version"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
)

// View renders the dashboard.
func (model Model) View() string {
	u, elapsed := model.session.Latest()

	sections := []string{model.viewHeader(u, elapsed)}
	if u == nil {
		sections = append(sections, mutedStyle.Render("waiting for the first batch..."))
	} else {
		counts := lipgloss.JoinHorizontal(lipgloss.Top,
			panelStyle.Render(model.viewSingles(u)),
			panelStyle.Render(model.viewCoincidences(u)),
		)
		sections = append(sections, counts, panelStyle.Render(model.viewMetrics(u)))
	}
	sections = append(sections, model.viewFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model Model) viewHeader(u *live.Update, elapsed float64) string {
	ctrl := model.session.Controller()
	state := stoppedStyle.Render("stopped")
	if ctrl.Running() {
		state = runningStyle.Render("running")
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("qlaib " + version.Version))
	fmt.Fprintf(&b, "  %s  exposure %s", state, ctrl.Exposure())
	if u != nil {
		fmt.Fprintf(&b, "  seq %d  elapsed %.1fs", u.Seq, elapsed)
	}
	stats := ctrl.Stats()
	if stats.Failures > 0 {
		b.WriteString("  " + errorStyle.Render(fmt.Sprintf("failures %d", stats.Failures)))
	}
	if n := model.session.Dropped(); n > 0 {
		b.WriteString("  " + mutedStyle.Render(fmt.Sprintf("dropped %d", n)))
	}
	return b.String()
}

func (model Model) viewSingles(u *live.Update) string {
	counts := u.SinglesCounts()
	channels := make([]int, 0, len(counts))
	for ch := range counts {
		channels = append(channels, ch)
	}
	slices.Sort(channels)

	dur := u.Batch.DurationSec()
	rows := [][]string{{"Channel", "Counts", "Rate/s"}}
	for _, ch := range channels {
		rows = append(rows, []string{
			model.session.ChannelLabel(ch),
			fmt.Sprintf("%d", counts[ch]),
			formatRate(float64(counts[ch]), dur),
		})
	}
	return renderTable("Singles", rows)
}

func (model Model) viewCoincidences(u *live.Update) string {
	hist := model.session.History()
	rows := [][]string{{"Pair", "Counts", "Accidentals", "Delay ps", "Mean", "Std"}}
	for _, spec := range model.session.Delays() {
		label := spec.Label()
		s := history.Summarize(hist.Coincidences(label))
		rows = append(rows, []string{
			model.session.PairLabel(label),
			fmt.Sprintf("%d", u.Result.Count(label)),
			formatFloat(u.Result.Accidentals[label], 2),
			formatDelay(spec),
			formatFloat(s.Mean, 1),
			formatFloat(s.StdDev, 1),
		})
	}
	return renderTable("Coincidences", rows)
}

func (model Model) viewMetrics(u *live.Update) string {
	hist := model.session.History()
	var blocks []string
	for _, g := range metrics.GroupForDisplay(u.Metrics) {
		rows := [][]string{{"Metric", "Value", "Sigma", "Mean", "Std"}}
		for _, m := range g.Metrics {
			sigma := "-"
			if s, ok := m.Sigma(); ok {
				sigma = formatFloat(s, 4)
			}
			sum := history.Summarize(hist.Metric(m.Name))
			rows = append(rows, []string{
				m.Name,
				formatFloat(m.Value, 4),
				sigma,
				formatFloat(sum.Mean, 4),
				formatFloat(sum.StdDev, 4),
			})
		}
		blocks = append(blocks, renderTable(g.Title, rows))
	}
	for _, err := range u.MetricErrors {
		blocks = append(blocks, errorStyle.Render(err.Error()))
	}
	if len(blocks) == 0 {
		return mutedStyle.Render("no metrics")
	}
	return lipgloss.JoinVertical(lipgloss.Left, blocks...)
}

func (model Model) viewFooter() string {
	var line string
	switch {
	case model.notice != "" && model.noticeErr:
		line = errorStyle.Render(model.notice)
	case model.notice != "":
		line = noticeStyle.Render(model.notice)
	case model.busy:
		line = mutedStyle.Render("working...")
	}
	return lipgloss.JoinVertical(lipgloss.Left, line, model.help.View(model.keys))
}

// renderTable lays rows out in left-aligned columns under a title. The first
// row is the header.
func renderTable(title string, rows [][]string) string {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	lines := []string{titleStyle.Render(title)}
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
		}
		line := strings.Join(cells, "  ")
		if r == 0 {
			line = headerStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatFloat(v float64, prec int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return fmt.Sprintf("%.*f", prec, v)
}

func formatRate(n, durationSec float64) string {
	if durationSec <= 0 {
		return "-"
	}
	return formatFloat(n/durationSec, 1)
}

func formatDelay(spec timetag.CoincidenceSpec) string {
	d, ok := spec.Delay()
	if !ok {
		return "-"
	}
	return formatFloat(d, 0)
}
