// Package monitor serves the live dashboard, its JSON API and chart pages
// over HTTP.
package monitor

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/banshee-data/coincidence.report/internal/db"
	"github.com/banshee-data/coincidence.report/internal/monitoring"
	"github.com/banshee-data/coincidence.report/internal/session"
	"github.com/banshee-data/coincidence.report/internal/version"
)

//go:embed status.html
var statusHTML embed.FS

// echartsAssetsPrefix is where rendered chart pages load echarts from.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

const shutdownTimeout = time.Second

// WebServer serves the live dashboard and its JSON API.
type WebServer struct {
	address string
	session *session.Session
	db      *db.DB
	runID   string
	source  string
	started time.Time
	server  *http.Server
}

// WebServerConfig contains configuration options for the web server. DB and
// RunID are optional; without them the run endpoints answer 503.
type WebServerConfig struct {
	Address string
	Session *session.Session
	DB      *db.DB
	RunID   string
	Source  string
}

// NewWebServer creates a web server for cfg.Session.
func NewWebServer(cfg WebServerConfig) *WebServer {
	ws := &WebServer{
		address: cfg.Address,
		session: cfg.Session,
		db:      cfg.DB,
		runID:   cfg.RunID,
		source:  cfg.Source,
		started: time.Now(),
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Handler returns the routed handler, for tests and embedding.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Start serves until ctx is cancelled, then shuts down gracefully. A
// listen failure is returned immediately.
func (ws *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ws.address, err)
	}
	return ws.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (ws *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[Monitor] serving dashboard on http://%s", ln.Addr())
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	monitoring.Logf("[Monitor] shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[Monitor] HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("[Monitor] HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("[Monitor] HTTP server routine stopped")
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)

	mux.HandleFunc("/api/status", ws.handleAPIStatus)
	mux.HandleFunc("/api/latest", ws.handleLatest)
	mux.HandleFunc("/api/history", ws.handleHistory)
	mux.HandleFunc("/api/history/resize", ws.handleHistoryResize)
	mux.HandleFunc("/api/histogram", ws.handleHistogram)
	mux.HandleFunc("/api/exposure", ws.handleExposure)
	mux.HandleFunc("/api/delay", ws.handleDelay)
	mux.HandleFunc("/api/calibrate", ws.handleCalibrate)
	mux.HandleFunc("/api/labels", ws.handleLabels)
	mux.HandleFunc("/api/start", ws.handleStart)
	mux.HandleFunc("/api/stop", ws.handleStop)
	mux.HandleFunc("/api/events", ws.handleEvents)

	mux.HandleFunc("/api/runs", ws.handleRuns)
	mux.HandleFunc("/api/runs/{id}", ws.handleRun)
	mux.HandleFunc("/api/runs/{id}/metrics", ws.handleRunMetrics)

	mux.HandleFunc("/charts/live", ws.handleLiveChart)
	mux.HandleFunc("/charts/history", ws.handleHistoryChart)
	mux.HandleFunc("/charts/histogram", ws.handleHistogramChart)
	mux.HandleFunc("/plots/{name}", ws.handlePlot)

	if ws.db != nil {
		if err := ws.db.AttachAdminRoutes(mux); err != nil {
			monitoring.Logf("[Monitor] admin routes disabled: %v", err)
		}
	}
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status": "ok", "service": "qlaib", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
}

// handleStatus renders the dashboard page.
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	tmpl, err := template.ParseFS(statusHTML, "status.html")
	if err != nil {
		http.Error(w, "Error loading template: "+err.Error(), http.StatusInternalServerError)
		return
	}

	st := ws.status()
	data := struct {
		Status  Status
		Version string
		Address string
		Pairs   []string
	}{
		Status:  st,
		Version: version.Get().String(),
		Address: ws.address,
	}
	for _, s := range st.Specs {
		if len(s.Channels) == 2 {
			data.Pairs = append(data.Pairs, s.Label)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
	}
}
