package metrics

import (
	"strings"

	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// Group is a titled set of metrics for display.
type Group struct {
	Title   string
	Metrics []timetag.MetricValue
}

// GroupForDisplay splits values into Visibility, QBER and Other groups,
// preserving order within each and omitting empty groups.
func GroupForDisplay(values []timetag.MetricValue) []Group {
	groups := []Group{{Title: "Visibility"}, {Title: "QBER"}, {Title: "Other"}}
	for _, v := range values {
		switch {
		case strings.HasPrefix(strings.ToLower(v.Name), "visibility"):
			groups[0].Metrics = append(groups[0].Metrics, v)
		case strings.HasPrefix(v.Name, "QBER"):
			groups[1].Metrics = append(groups[1].Metrics, v)
		default:
			groups[2].Metrics = append(groups[2].Metrics, v)
		}
	}
	out := groups[:0]
	for _, g := range groups {
		if len(g.Metrics) > 0 {
			out = append(out, g)
		}
	}
	return out
}
