package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HealthResponse is the body a peer returns from GET /health.
type HealthResponse struct {
	Status       HealthStatus      `json:"status"`
	Server       string            `json:"server,omitempty"`
	Version      string            `json:"version,omitempty"`
	Timestamp    time.Time         `json:"timestamp,omitzero"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Uptime       float64           `json:"uptime,omitempty"`
}

// fetchHealth performs one bounded GET {baseURL}/health. A 2xx answer with an
// unknown or missing status is reported as degraded.
func (r *Registry) fetchHealth(ctx context.Context, baseURL string) (HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return HealthResponse{}, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}

	var hr HealthResponse
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return HealthResponse{}, fmt.Errorf("read health response: %w", err)
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &hr); err != nil {
			hr = HealthResponse{}
		}
	}
	if !hr.Status.Valid() {
		hr.Status = StatusDegraded
	}
	return hr, nil
}
