package monitor

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/coincidence.report/internal/calibration"
	"github.com/banshee-data/coincidence.report/internal/db"
	"github.com/banshee-data/coincidence.report/internal/history"
	"github.com/banshee-data/coincidence.report/internal/httputil"
	"github.com/banshee-data/coincidence.report/internal/live"
	"github.com/banshee-data/coincidence.report/internal/session"
	"github.com/banshee-data/coincidence.report/internal/settings"
	"github.com/banshee-data/coincidence.report/internal/timetag"
	"github.com/banshee-data/coincidence.report/internal/version"
)

// SpecStatus describes one coincidence spec of the running pipeline.
type SpecStatus struct {
	Label    string  `json:"label"`
	Name     string  `json:"name"`
	Channels []int   `json:"channels"`
	WindowPs float64 `json:"window_ps"`
	DelayPs  float64 `json:"delay_ps"`
}

// MetricJSON is a metric value with its sigma flattened out.
type MetricJSON struct {
	Name   string             `json:"name"`
	Value  float64            `json:"value"`
	Sigma  *float64           `json:"sigma,omitempty"`
	Units  string             `json:"units,omitempty"`
	Extras map[string]float64 `json:"extras,omitempty"`
}

// UpdateJSON is the wire form of one live update.
type UpdateJSON struct {
	Seq          uint64             `json:"seq"`
	At           time.Time          `json:"at"`
	ElapsedSec   float64            `json:"elapsed_sec"`
	DurationSec  float64            `json:"duration_sec"`
	Singles      map[int]int        `json:"singles"`
	Coincidences map[string]int64   `json:"coincidences"`
	Accidentals  map[string]float64 `json:"accidentals,omitempty"`
	Labels       []string           `json:"labels"`
	Metrics      []MetricJSON       `json:"metrics"`
	MetricErrors []string           `json:"metric_errors,omitempty"`
}

// NewUpdateJSON flattens u.
func NewUpdateJSON(u *live.Update, elapsedSec float64) UpdateJSON {
	out := UpdateJSON{
		Seq:          u.Seq,
		At:           u.At,
		ElapsedSec:   elapsedSec,
		DurationSec:  u.Batch.DurationSec(),
		Singles:      u.SinglesCounts(),
		Coincidences: u.Result.Counts,
		Accidentals:  u.Result.Accidentals,
		Labels:       u.Result.Labels(),
		Metrics:      metricsJSON(u.Metrics),
	}
	for _, err := range u.MetricErrors {
		out.MetricErrors = append(out.MetricErrors, err.Error())
	}
	return out
}

func metricsJSON(values []timetag.MetricValue) []MetricJSON {
	out := make([]MetricJSON, 0, len(values))
	for _, m := range values {
		mj := MetricJSON{Name: m.Name, Value: m.Value, Units: m.Units, Extras: m.Extras}
		if s, ok := m.Sigma(); ok {
			mj.Sigma = &s
		}
		out = append(out, mj)
	}
	return out
}

func (ws *WebServer) specs() []SpecStatus {
	specs := ws.session.Delays()
	out := make([]SpecStatus, len(specs))
	for i, s := range specs {
		out[i] = SpecStatus{
			Label:    s.Label(),
			Name:     ws.session.PairLabel(s.Label()),
			Channels: s.Channels(),
			WindowPs: s.WindowPs(),
			DelayPs:  s.DelayOrZero(),
		}
	}
	return out
}

func (ws *WebServer) status() Status {
	ctrl := ws.session.Controller()
	st := ctrl.Stats()
	hist := ws.session.History()
	resp := Status{
		Running:       ctrl.Running(),
		Source:        ws.source,
		RunID:         ws.runID,
		ExposureSec:   ctrl.Exposure().Seconds(),
		Cycles:        st.Cycles,
		Failures:      st.Failures,
		LastError:     st.LastError,
		Dropped:       ws.session.Dropped(),
		HistoryPoints: hist.Len(),
		MaxPoints:     hist.MaxPoints(),
		UptimeSec:     time.Since(ws.started).Seconds(),
		Specs:         ws.specs(),
		Version:       version.Get(),
	}
	if u, elapsed := ws.session.Latest(); u != nil {
		resp.Seq = u.Seq
		resp.ElapsedSec = elapsed
	}
	return resp
}

func (ws *WebServer) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, ws.status())
}

func (ws *WebServer) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	u, elapsed := ws.session.Latest()
	if u == nil {
		httputil.NotFound(w, session.ErrNoData.Error())
		return
	}
	httputil.WriteJSONOK(w, NewUpdateJSON(u, elapsed))
}

type historySummary struct {
	Singles      map[int]history.Summary    `json:"singles"`
	Coincidences map[string]history.Summary `json:"coincidences"`
	Metrics      map[string]history.Summary `json:"metrics"`
}

// handleHistory returns the retained history. With ?summary=1 it returns
// per-series mean and standard deviation instead of the points.
func (ws *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	snap := ws.session.History().Snapshot()
	if r.URL.Query().Get("summary") == "" {
		httputil.WriteJSONOK(w, snap)
		return
	}
	sum := historySummary{
		Singles:      map[int]history.Summary{},
		Coincidences: map[string]history.Summary{},
		Metrics:      map[string]history.Summary{},
	}
	for ch, pts := range snap.Singles {
		sum.Singles[ch] = history.Summarize(pts)
	}
	for label, pts := range snap.Coincidences {
		sum.Coincidences[label] = history.Summarize(pts)
	}
	for name, pts := range snap.Metrics {
		sum.Metrics[name] = history.Summarize(pts)
	}
	httputil.WriteJSONOK(w, sum)
}

func (ws *WebServer) handleHistoryResize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		MaxPoints int `json:"max_points"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.MaxPoints < 1 {
		httputil.BadRequest(w, "max_points must be at least 1")
		return
	}
	ws.session.ResizeHistory(req.MaxPoints)
	httputil.WriteJSONOK(w, map[string]int{"max_points": ws.session.History().MaxPoints()})
}

type histogramResponse struct {
	calibration.DelayHistogram
	PeakDelayPs float64 `json:"peak_delay_ps"`
	PeakCount   int64   `json:"peak_count"`
}

func (ws *WebServer) handleHistogram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	h, ok := ws.histogram(w, r)
	if !ok {
		return
	}
	peak, n := h.PeakDelay()
	httputil.WriteJSONOK(w, histogramResponse{DelayHistogram: h, PeakDelayPs: peak, PeakCount: n})
}

// histogram computes the histogram for ?pair= and writes the error response
// itself when it cannot.
func (ws *WebServer) histogram(w http.ResponseWriter, r *http.Request) (calibration.DelayHistogram, bool) {
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		httputil.BadRequest(w, "missing 'pair' parameter")
		return calibration.DelayHistogram{}, false
	}
	h, err := ws.session.Histogram(pair)
	switch {
	case errors.Is(err, session.ErrNoData), errors.Is(err, session.ErrUnknownPair):
		httputil.NotFound(w, err.Error())
		return h, false
	case err != nil:
		httputil.InternalServerError(w, err.Error())
		return h, false
	}
	return h, true
}

func (ws *WebServer) handleExposure(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			ExposureSec float64 `json:"exposure_sec"`
		}
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		d := time.Duration(req.ExposureSec * float64(time.Second))
		if err := ws.session.SetExposure(d); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	httputil.WriteJSONOK(w, map[string]float64{"exposure_sec": ws.session.Controller().Exposure().Seconds()})
}

func (ws *WebServer) handleDelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		Label   string   `json:"label"`
		DelayPs *float64 `json:"delay_ps"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Label == "" || req.DelayPs == nil {
		httputil.BadRequest(w, "label and delay_ps are required")
		return
	}
	if _, ok := ws.session.Controller().Pipeline().Spec(req.Label); !ok {
		httputil.NotFound(w, fmt.Sprintf("unknown label %q", req.Label))
		return
	}
	if err := ws.session.SetDelay(req.Label, *req.DelayPs); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, ws.specs())
}

func (ws *WebServer) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	applied, err := ws.session.Calibrate()
	switch {
	case errors.Is(err, session.ErrNoData):
		httputil.Conflict(w, err.Error())
		return
	case err != nil && applied == nil:
		httputil.InternalServerError(w, err.Error())
		return
	}
	resp := map[string]any{"delays_ps": applied}
	if err != nil {
		resp["warning"] = fmt.Sprintf("delays applied but not saved: %v", err)
	}
	httputil.WriteJSONOK(w, resp)
}

// handleLabels returns the saved display names, or renames one channel or
// pair on POST.
func (ws *WebServer) handleLabels(w http.ResponseWriter, r *http.Request) {
	st := ws.session.Settings()
	if st == nil {
		httputil.ServiceUnavailable(w, "settings are not available")
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Channel *int   `json:"channel"`
			Pair    string `json:"pair"`
			Name    string `json:"name"`
		}
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		var err error
		switch {
		case req.Channel != nil && req.Pair == "":
			err = st.SetChannelLabel(*req.Channel, req.Name)
		case req.Pair != "" && req.Channel == nil:
			err = st.SetPairLabel(req.Pair, req.Name)
		default:
			httputil.BadRequest(w, "exactly one of channel or pair is required")
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	s := st.Get()
	httputil.WriteJSONOK(w, struct {
		Channels  map[string]string  `json:"channels"`
		Pairs     map[string]string  `json:"pairs"`
		Histogram settings.Histogram `json:"histogram"`
	}{s.Channels, s.Pairs, s.Histogram})
}

func (ws *WebServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if err := ws.session.Controller().Start(); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"running": ws.session.Controller().Running()})
}

func (ws *WebServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if err := ws.session.Controller().Stop(); err != nil {
		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"running": true, "error": err.Error()})
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"running": false})
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = min(v, max)
		}
	}
	return limit
}

type runResponse struct {
	db.Run
	FinishedAt *time.Time                `json:"finished_at,omitempty"`
	SpecList   []timetag.CoincidenceSpec `json:"specs,omitempty"`
	Current    bool                      `json:"current"`
}

func (ws *WebServer) runJSON(run db.Run) runResponse {
	out := runResponse{Run: run, Current: run.ID == ws.runID}
	if run.FinishedAt.Valid {
		t := run.FinishedAt.Time
		out.FinishedAt = &t
	}
	if specs, err := run.Specs(); err == nil {
		out.SpecList = specs
	}
	return out
}

func (ws *WebServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if ws.db == nil {
		httputil.ServiceUnavailable(w, "no database configured")
		return
	}
	runs, err := ws.db.Runs(r.Context(), queryLimit(r, 20, 500))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	out := make([]runResponse, len(runs))
	for i, run := range runs {
		out[i] = ws.runJSON(run)
	}
	httputil.WriteJSONOK(w, out)
}

func (ws *WebServer) lookupRun(w http.ResponseWriter, r *http.Request) (db.Run, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return db.Run{}, false
	}
	if ws.db == nil {
		httputil.ServiceUnavailable(w, "no database configured")
		return db.Run{}, false
	}
	run, err := ws.db.GetRun(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, db.ErrRunNotFound):
		httputil.NotFound(w, err.Error())
		return run, false
	case err != nil:
		httputil.InternalServerError(w, err.Error())
		return run, false
	}
	return run, true
}

func (ws *WebServer) handleRun(w http.ResponseWriter, r *http.Request) {
	run, ok := ws.lookupRun(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, ws.runJSON(run))
}

type metricPointJSON struct {
	Seq        uint64    `json:"seq"`
	CapturedAt time.Time `json:"captured_at"`
	Value      float64   `json:"value"`
	Sigma      *float64  `json:"sigma,omitempty"`
}

// handleRunMetrics returns the stored series of ?name= for a run.
func (ws *WebServer) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	run, ok := ws.lookupRun(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		httputil.BadRequest(w, "missing 'name' parameter")
		return
	}
	points, err := ws.db.MetricSeries(r.Context(), run.ID, name, queryLimit(r, 0, 100000))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	out := make([]metricPointJSON, len(points))
	for i, p := range points {
		out[i] = metricPointJSON{Seq: p.Seq, CapturedAt: p.CapturedAt, Value: p.Value}
		if p.Sigma.Valid {
			s := p.Sigma.Float64
			out[i].Sigma = &s
		}
	}
	httputil.WriteJSONOK(w, out)
}
