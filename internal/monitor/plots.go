package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/banshee-data/coincidence.report/internal/plotting"
)

func (ws *WebServer) labeler() plotting.Labeler {
	return plotting.Labeler{Channel: ws.session.ChannelLabel, Pair: ws.session.PairLabel}
}

// figures builds every static figure the server can render: the latest
// snapshot, the history and, for ?pair=, a delay histogram.
func (ws *WebServer) figures(r *http.Request) ([]plotting.Figure, error) {
	var figs []plotting.Figure
	lb := ws.labeler()
	if u, _ := ws.session.Latest(); u != nil {
		snap, err := plotting.Snapshot(u.Batch, u.Result, u.Metrics, lb)
		if err != nil {
			return nil, err
		}
		figs = append(figs, snap...)
	}
	hist, err := plotting.History(ws.session.History().Snapshot(), lb)
	if err != nil {
		return nil, err
	}
	figs = append(figs, hist...)

	if pair := r.URL.Query().Get("pair"); pair != "" {
		if h, err := ws.session.Histogram(pair); err == nil {
			p, err := plotting.DelayHistogram(h)
			if err != nil {
				return nil, err
			}
			figs = append(figs, plotting.Figure{Name: "histogram", Plot: p})
		}
	}
	return figs, nil
}

// handlePlot serves /plots/<name>.png rendered with gonum/plot.
func (ws *WebServer) handlePlot(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSuffix(r.PathValue("name"), ".png")
	figs, err := ws.figures(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to build plots: %v", err), http.StatusInternalServerError)
		return
	}
	for _, f := range figs {
		if f.Name != name {
			continue
		}
		var buf bytes.Buffer
		if err := plotting.WritePNG(&buf, f.Plot); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
		return
	}
	http.NotFound(w, r)
}
