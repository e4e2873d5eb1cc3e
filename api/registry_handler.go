package api

import (
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/eventflow/registry"
)

// RegistryHandler exposes the peer registry.
type RegistryHandler struct {
	registry *registry.Registry
}

// NewRegistryHandler creates a new RegistryHandler.
func NewRegistryHandler(r *registry.Registry) *RegistryHandler {
	return &RegistryHandler{registry: r}
}

// ListServers handles GET /api/registry/servers. The optional capability
// query filters to usable peers with that capability; healthy=true keeps
// only healthy peers.
func (h *RegistryHandler) ListServers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var servers []registry.ServerInfo
	switch {
	case q.Get("capability") != "":
		servers = h.registry.ListByCapability(q.Get("capability"))
	case parseBool(q.Get("healthy")):
		servers = h.registry.ListHealthyServers()
	default:
		servers = h.registry.ListServers()
	}
	WriteList(w, servers)
}

// GetServer handles GET /api/registry/servers/{id}.
func (h *RegistryHandler) GetServer(w http.ResponseWriter, r *http.Request) {
	e, ok := h.registry.GetEntry(r.PathValue("id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "server not found")
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

// Stats handles GET /api/registry/stats.
func (h *RegistryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.registry.Stats())
}

type checkResponse struct {
	ServerID string                `json:"serverId"`
	Healthy  bool                  `json:"healthy"`
	Status   registry.HealthStatus `json:"status"`
}

// Check handles POST /api/registry/servers/{id}/check: an immediate health
// check of one peer.
func (h *RegistryHandler) Check(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.registry.GetServer(id); !ok {
		WriteError(w, http.StatusNotFound, "server not found")
		return
	}
	healthy := h.registry.HealthCheck(r.Context(), id)
	resp := checkResponse{ServerID: id, Healthy: healthy}
	if info, ok := h.registry.GetServer(id); ok {
		resp.Status = info.Status
	}
	WriteJSON(w, http.StatusOK, resp)
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}
