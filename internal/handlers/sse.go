package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lyallcooper/kuron-watch/internal/livescan"
)

// ScanStateSSE streams the mirror as server-sent events: one "state" event
// on connect and one per change. A "closed" event is sent when the engine
// stops.
func (h *Handler) ScanStateSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Subscribe before reading the initial state so no change is lost
	updates := h.engine.Subscribe()
	defer h.engine.Unsubscribe(updates)

	h.sendState(w, flusher, h.engine.State())

	for {
		select {
		case <-r.Context().Done():
			return
		case state, ok := <-updates:
			if !ok {
				h.sendEvent(w, flusher, "closed", `{}`)
				return
			}
			h.sendState(w, flusher, state)
		}
	}
}

func (h *Handler) sendState(w http.ResponseWriter, flusher http.Flusher, state livescan.State) {
	jsonData, err := json.Marshal(state)
	if err != nil {
		h.logger.WithError(err).Warn("failed to encode state")
		return
	}
	h.sendEvent(w, flusher, "state", string(jsonData))
}

func (h *Handler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
