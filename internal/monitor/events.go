package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/coincidence.report/internal/httputil"
)

const eventsKeepAlive = 15 * time.Second

// handleEvents streams every applied update as a server-sent "update" event.
func (ws *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}
	updates, stop := ws.session.Listen(8)
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(eventsKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(NewUpdateJSON(ev.Update, ev.ElapsedSec))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: update\ndata: %s\n\n", ev.Update.Seq, data)
			flusher.Flush()
		}
	}
}
