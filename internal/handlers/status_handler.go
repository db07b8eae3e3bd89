// -----------------------------------------------------------------------
// StatusHandler - service health and version
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/registry"
)

// StatusHandler serves liveness and service metadata
type StatusHandler struct {
	registry  *registry.Registry
	startedAt time.Time
}

// NewStatusHandler creates the status endpoint handler
func NewStatusHandler(reg *registry.Registry) *StatusHandler {
	return &StatusHandler{
		registry:  reg,
		startedAt: time.Now().UTC(),
	}
}

// HealthHandler is the liveness probe
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusHandler reports version, uptime and the loaded template count
func (h *StatusHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   common.GetVersion(),
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"workflows": len(h.registry.Names()),
	})
}
