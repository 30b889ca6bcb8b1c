package handler

import (
	"net/http"
	"time"
)

// handleHealth handles GET /healthz.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady handles GET /readyz. The node is ready once the engine's
// work queues and tickers are running.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.engine.Running() {
		h.writeError(w, r, http.StatusServiceUnavailable, "DPS-SYS-5030", "engine not running", nil)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStats handles GET /v1/stats.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.engine.Stats())
}
