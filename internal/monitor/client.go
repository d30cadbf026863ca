package monitor

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/coincidence.report/internal/httputil"
	"github.com/banshee-data/coincidence.report/internal/version"
)

// Status is the /api/status payload.
type Status struct {
	Running       bool         `json:"running"`
	Source        string       `json:"source,omitempty"`
	RunID         string       `json:"run_id,omitempty"`
	ExposureSec   float64      `json:"exposure_sec"`
	Cycles        uint64       `json:"cycles"`
	Failures      uint64       `json:"failures"`
	LastError     string       `json:"last_error,omitempty"`
	Dropped       uint64       `json:"dropped"`
	Seq           uint64       `json:"seq"`
	ElapsedSec    float64      `json:"elapsed_sec"`
	HistoryPoints int          `json:"history_points"`
	MaxPoints     int          `json:"max_points"`
	UptimeSec     float64      `json:"uptime_sec"`
	Specs         []SpecStatus `json:"specs"`
	Version       version.Info `json:"version"`
}

// Client talks to a running monitor.
type Client struct {
	baseURL string
	http    httputil.HTTPClient
}

// NewClient returns a client for the monitor at baseURL. A nil c uses a
// standard client with a timeout.
func NewClient(baseURL string, c httputil.HTTPClient) *Client {
	if c == nil {
		c = httputil.NewStandardClient(nil)
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: c}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	return httputil.DoJSON(ctx, c.http, method, c.baseURL+path, in, out)
}

// Status fetches /api/status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Latest fetches the newest update.
func (c *Client) Latest(ctx context.Context) (UpdateJSON, error) {
	var u UpdateJSON
	err := c.do(ctx, http.MethodGet, "/api/latest", nil, &u)
	return u, err
}

// Start resumes acquisition.
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/start", nil, nil)
}

// Stop pauses acquisition.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/stop", nil, nil)
}

// SetExposure changes the exposure of subsequent cycles.
func (c *Client) SetExposure(ctx context.Context, d time.Duration) error {
	return c.do(ctx, http.MethodPost, "/api/exposure", map[string]float64{"exposure_sec": d.Seconds()}, nil)
}

// SetDelay changes one spec's delay.
func (c *Client) SetDelay(ctx context.Context, label string, delayPs float64) error {
	return c.do(ctx, http.MethodPost, "/api/delay", map[string]any{"label": label, "delay_ps": delayPs}, nil)
}

// Calibrate runs auto-calibration on the latest batch and returns the
// applied delays.
func (c *Client) Calibrate(ctx context.Context) (map[string]float64, error) {
	var resp struct {
		DelaysPs map[string]float64 `json:"delays_ps"`
	}
	err := c.do(ctx, http.MethodPost, "/api/calibrate", nil, &resp)
	return resp.DelaysPs, err
}
