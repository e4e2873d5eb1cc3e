package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/GoCodeAlone/eventflow/registry"
)

// HealthHandler serves GET /health in the format peers poll.
type HealthHandler struct {
	cfg Config
}

// Health reports the server's own health. Dependencies carry "healthy" or
// the failing check's error. A failing dependency degrades the server but
// the endpoint still answers 200 so peers can read the payload.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := registry.HealthResponse{
		Status:    registry.StatusHealthy,
		Server:    h.cfg.ServerID,
		Version:   h.cfg.Version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.cfg.StartedAt).Seconds(),
	}

	names := make([]string, 0, len(h.cfg.Checks))
	for name := range h.cfg.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) > 0 {
		resp.Dependencies = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := h.cfg.Checks[name](r.Context()); err != nil {
			resp.Dependencies[name] = err.Error()
			resp.Status = registry.StatusDegraded
			continue
		}
		resp.Dependencies[name] = string(registry.StatusHealthy)
	}

	writeRaw(w, http.StatusOK, resp)
}
