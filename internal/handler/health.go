// Package handler provides HTTP handlers for the gateway's side surface.
package handler

import (
	"net/http"

	"github.com/commitledger/agent-gateway/internal/store"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	natsClient *store.Client
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(natsClient *store.Client) *HealthHandler {
	return &HealthHandler{natsClient: natsClient}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "agent-service",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.natsClient == nil || !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
