package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func healthServer(t *testing.T, code int, body string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type statusLog struct {
	mu   sync.Mutex
	seen []string
}

func (s *statusLog) RecordPeerStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, id+"="+status)
}

func TestRegister_InitialCheckSetsStatus(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		want HealthStatus
	}{
		{"healthy", http.StatusOK, `{"status":"healthy","version":"1.2.0"}`, StatusHealthy},
		{"degraded", http.StatusOK, `{"status":"degraded"}`, StatusDegraded},
		{"unknown status", http.StatusOK, `{"status":"sleepy"}`, StatusDegraded},
		{"empty body", http.StatusOK, ``, StatusDegraded},
		{"server error", http.StatusInternalServerError, `{"status":"healthy"}`, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := healthServer(t, tt.code, tt.body, nil)
			r := New()
			defer r.Close()

			if err := r.Register(context.Background(), ServerInfo{ID: "peer", BaseURL: srv.URL + "/"}, time.Hour); err != nil {
				t.Fatalf("Register: %v", err)
			}
			got, ok := r.GetServer("peer")
			if !ok {
				t.Fatal("peer not registered")
			}
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
			if got.BaseURL != srv.URL {
				t.Errorf("trailing slash should be trimmed, got %q", got.BaseURL)
			}
		})
	}
}

func TestRegister_RecordsReportedVersion(t *testing.T) {
	srv := healthServer(t, http.StatusOK, `{"status":"healthy","version":"2.0.1"}`, nil)
	r := New()
	defer r.Close()
	_ = r.Register(context.Background(), ServerInfo{ID: "peer", BaseURL: srv.URL, Version: "1.0.0"}, time.Hour)
	got, _ := r.GetServer("peer")
	if got.Version != "1.0.0" {
		t.Errorf("health checks must only change status, version became %q", got.Version)
	}
	entry, ok := r.GetEntry("peer")
	if !ok || entry.LastHealthCheck.IsZero() {
		t.Error("expected LastHealthCheck to be set")
	}
	if entry.ReportedVersion != "2.0.1" {
		t.Errorf("expected reported version 2.0.1, got %q", entry.ReportedVersion)
	}
}

func TestRegister_Validation(t *testing.T) {
	r := New()
	defer r.Close()
	if err := r.Register(context.Background(), ServerInfo{BaseURL: "http://x"}, 0); err == nil {
		t.Error("expected error for missing id")
	}
	if err := r.Register(context.Background(), ServerInfo{ID: "x"}, 0); err == nil {
		t.Error("expected error for missing base url")
	}
}

func TestRegister_UnreachablePeerIsUnhealthy(t *testing.T) {
	srv := healthServer(t, http.StatusOK, `{"status":"healthy"}`, nil)
	url := srv.URL
	srv.Close()

	r := New(WithCheckTimeout(200 * time.Millisecond))
	defer r.Close()
	_ = r.Register(context.Background(), ServerInfo{ID: "gone", BaseURL: url}, time.Hour)

	if r.HealthCheck(context.Background(), "gone") {
		t.Error("unreachable peer should not be usable")
	}
	if len(r.ListHealthyServers()) != 0 {
		t.Error("unreachable peer should not be listed as healthy")
	}
}

func TestListHealthyServers_IncludesDegraded(t *testing.T) {
	healthy := healthServer(t, http.StatusOK, `{"status":"healthy"}`, nil)
	degraded := healthServer(t, http.StatusOK, `{"status":"degraded"}`, nil)
	down := healthServer(t, http.StatusServiceUnavailable, ``, nil)

	r := New()
	defer r.Close()
	ctx := context.Background()
	_ = r.Register(ctx, ServerInfo{ID: "a", BaseURL: healthy.URL, Capabilities: []string{"events"}}, time.Hour)
	_ = r.Register(ctx, ServerInfo{ID: "b", BaseURL: degraded.URL}, time.Hour)
	_ = r.Register(ctx, ServerInfo{ID: "c", BaseURL: down.URL, Capabilities: []string{"events"}}, time.Hour)

	got := r.ListHealthyServers()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("unexpected healthy list: %+v", got)
	}
	if all := r.ListServers(); len(all) != 3 {
		t.Errorf("expected 3 servers, got %d", len(all))
	}
	if caps := r.ListByCapability("events"); len(caps) != 1 || caps[0].ID != "a" {
		t.Errorf("unexpected capability list: %+v", caps)
	}

	stats := r.Stats()
	if stats.Total != 3 || stats.Healthy != 1 || stats.Degraded != 1 || stats.Unhealthy != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestUnregister_StopsHealthChecks(t *testing.T) {
	var hits atomic.Int64
	srv := healthServer(t, http.StatusOK, `{"status":"healthy"}`, &hits)

	r := New()
	defer r.Close()
	_ = r.Register(context.Background(), ServerInfo{ID: "peer", BaseURL: srv.URL}, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hits.Load() < 3 {
		t.Fatalf("expected recurring checks, got %d", hits.Load())
	}

	if !r.Unregister("peer") {
		t.Fatal("Unregister should report removal")
	}
	time.Sleep(30 * time.Millisecond)
	after := hits.Load()
	time.Sleep(80 * time.Millisecond)
	if hits.Load() != after {
		t.Errorf("health checks continued after unregister: %d -> %d", after, hits.Load())
	}
	if r.Unregister("peer") {
		t.Error("second Unregister should be a no-op")
	}
}

func TestRegister_ReplacesPreviousLoop(t *testing.T) {
	var oldHits, newHits atomic.Int64
	oldSrv := healthServer(t, http.StatusOK, `{"status":"healthy"}`, &oldHits)
	newSrv := healthServer(t, http.StatusOK, `{"status":"degraded"}`, &newHits)

	r := New()
	defer r.Close()
	ctx := context.Background()
	_ = r.Register(ctx, ServerInfo{ID: "peer", BaseURL: oldSrv.URL}, 10*time.Millisecond)
	_ = r.Register(ctx, ServerInfo{ID: "peer", BaseURL: newSrv.URL}, 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	before := oldHits.Load()
	time.Sleep(80 * time.Millisecond)
	if oldHits.Load() != before {
		t.Errorf("old loop still running: %d -> %d", before, oldHits.Load())
	}
	if newHits.Load() < 2 {
		t.Errorf("expected new loop to run, got %d hits", newHits.Load())
	}
	if got, _ := r.GetServer("peer"); got.Status != StatusDegraded {
		t.Errorf("expected status from replacement, got %s", got.Status)
	}
}

func TestUpdateStatus(t *testing.T) {
	srv := healthServer(t, http.StatusOK, `{"status":"healthy"}`, nil)
	rec := &statusLog{}
	r := New(WithStatusRecorder(rec))
	defer r.Close()
	_ = r.Register(context.Background(), ServerInfo{ID: "peer", BaseURL: srv.URL}, time.Hour)

	if err := r.UpdateStatus("peer", StatusDegraded); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got, _ := r.GetServer("peer"); got.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", got.Status)
	}
	if err := r.UpdateStatus("missing", StatusHealthy); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
	if err := r.UpdateStatus("peer", "bogus"); err == nil {
		t.Error("expected error for invalid status")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.seen) != 2 || rec.seen[0] != "peer=healthy" || rec.seen[1] != "peer=degraded" {
		t.Errorf("unexpected recorded statuses: %v", rec.seen)
	}
}

func TestCheckAll(t *testing.T) {
	up := healthServer(t, http.StatusOK, `{"status":"healthy"}`, nil)
	down := healthServer(t, http.StatusBadGateway, ``, nil)
	r := New()
	defer r.Close()
	ctx := context.Background()
	_ = r.Register(ctx, ServerInfo{ID: "up", BaseURL: up.URL}, time.Hour)
	_ = r.Register(ctx, ServerInfo{ID: "down", BaseURL: down.URL}, time.Hour)

	got := r.CheckAll(ctx)
	if got["up"] != StatusHealthy || got["down"] != StatusUnhealthy {
		t.Errorf("unexpected results: %v", got)
	}
}

func TestRegisterFrom_SkipsUnsetPeers(t *testing.T) {
	srv := healthServer(t, http.StatusOK, `{"status":"healthy"}`, nil)
	env := map[string]string{"PROGRAM_SERVICE_URL": srv.URL, "FINANCE_SERVICE_URL": ""}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	r := New()
	defer r.Close()
	ids, err := r.registerFrom(context.Background(), DefaultPeers, time.Hour, lookup)
	if err != nil {
		t.Fatalf("registerFrom: %v", err)
	}
	if len(ids) != 1 || ids[0] != "program-service" {
		t.Errorf("expected only program-service, got %v", ids)
	}
	if got, ok := r.GetServer("program-service"); !ok || got.Status != StatusHealthy {
		t.Errorf("unexpected program-service entry: %+v", got)
	}
}

func TestClear(t *testing.T) {
	srv := healthServer(t, http.StatusOK, `{"status":"healthy"}`, nil)
	r := New()
	_ = r.Register(context.Background(), ServerInfo{ID: "a", BaseURL: srv.URL}, 10*time.Millisecond)
	r.Close()
	if len(r.ListServers()) != 0 {
		t.Error("expected empty registry after Close")
	}
}
