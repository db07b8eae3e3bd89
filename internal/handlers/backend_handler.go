// -----------------------------------------------------------------------
// BackendHandler - render backend pool visibility and membership
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fresco/internal/balancer"
	"github.com/ternarybob/fresco/internal/common"
)

// BackendHandler exposes the balancer's health snapshots and lets operators
// grow or shrink the pool at runtime.
type BackendHandler struct {
	balancer *balancer.Balancer
	logger   arbor.ILogger
}

// NewBackendHandler creates the backend endpoint handler
func NewBackendHandler(b *balancer.Balancer) *BackendHandler {
	return &BackendHandler{balancer: b, logger: common.GetLogger()}
}

// PoolHandler dispatches /api/backends: GET lists, POST registers
func (h *BackendHandler) PoolHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		h.list(w, r)
	case "POST":
		h.register(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// Routes dispatches /api/backends/{address}. The address may be URL-escaped;
// everything after the prefix is the address, slashes included.
func (h *BackendHandler) Routes(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/backends/"), "/")
	address, err := url.PathUnescape(raw)
	if err != nil || address == "" {
		WriteError(w, http.StatusNotFound, "backend address required")
		return
	}
	if !RequireMethod(w, r, "DELETE") {
		return
	}
	if !h.balancer.Remove(address) {
		WriteError(w, http.StatusNotFound, "backend not in pool")
		return
	}
	h.logger.Info().Str("backend", address).Msg("Backend removed from pool")
	WriteJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// list refreshes the pool and returns every backend's state
func (h *BackendHandler) list(w http.ResponseWriter, r *http.Request) {
	h.balancer.Refresh(r.Context())
	snapshots := h.balancer.Snapshots()

	online := 0
	for _, snap := range snapshots {
		if snap.Online {
			online++
		}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"backends": snapshots,
		"online":   online,
		"total":    len(snapshots),
	})
}

func (h *BackendHandler) register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
	}
	if !DecodeBody(w, r, &body) {
		return
	}
	if body.Address == "" {
		WriteError(w, http.StatusBadRequest, "address is required")
		return
	}
	h.balancer.Register(body.Address)
	h.logger.Info().Str("backend", body.Address).Msg("Backend registered")
	WriteJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}
