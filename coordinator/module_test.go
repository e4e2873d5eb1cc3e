package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/alicebob/miniredis/v2"

	"github.com/GoCodeAlone/eventflow/config"
	"github.com/GoCodeAlone/eventflow/eventbus"
	"github.com/GoCodeAlone/eventflow/registry"
	"github.com/GoCodeAlone/eventflow/store"
	"github.com/GoCodeAlone/eventflow/workflow"
)

const closeOutWorkflows = `
workflows:
  - id: close-out
    name: Close out deliverable
    enabled: true
    trigger:
      type: manual
      manual: {}
    actions:
      - id: record
        type: update_record
        order: 1
        config:
          table: closeouts
          fields:
            document: "{{documentId}}"
      - id: tell-compliance
        type: publish_event
        order: 2
        config:
          eventType: deliverable_closed
          targets: [compliance-service]
          data:
            documentId: "{{documentId}}"
`

const rolesYAML = `
assignments:
  - userId: alice
    roles: [program_manager]
  - userId: root
    roles: [admin]
`

// fakePeer answers health checks and captures received events.
type fakePeer struct {
	*httptest.Server
	events chan eventbus.EventPayload
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	p := &fakePeer{events: make(chan eventbus.EventPayload, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(registry.HealthResponse{Status: registry.StatusHealthy, Server: "compliance-service"})
	})
	mux.HandleFunc("POST /api/events/receive", func(w http.ResponseWriter, r *http.Request) {
		var ev eventbus.EventPayload
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.events <- ev
		w.WriteHeader(http.StatusAccepted)
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func testConfig(t *testing.T, peerURL string) *config.ServerConfig {
	t.Helper()
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	wfPath := filepath.Join(dir, "workflows.yaml")
	if err := os.WriteFile(wfPath, []byte(closeOutWorkflows), 0o644); err != nil {
		t.Fatalf("write workflows: %v", err)
	}
	rolesPath := filepath.Join(dir, "roles.yaml")
	if err := os.WriteFile(rolesPath, []byte(rolesYAML), 0o644); err != nil {
		t.Fatalf("write roles: %v", err)
	}
	t.Setenv("EVENTFLOW_TEST_COMPLIANCE_URL", peerURL)

	cfg := config.DefaultServerConfig()
	cfg.ServerID = "workflow-service"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.WorkflowsPath = wfPath
	cfg.RolesPath = rolesPath
	cfg.Peers = []config.PeerConfig{{ID: "compliance-service", EnvVar: "EVENTFLOW_TEST_COMPLIANCE_URL", Capabilities: []string{"compliance"}}}
	cfg.Registry.HealthCheckInterval = time.Hour
	cfg.Redis.Address = mr.Addr()
	cfg.Records.SQLitePath = filepath.Join(dir, "records.db")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	return &cfg
}

func startApp(t *testing.T, cfg *config.ServerConfig) (*Module, modular.Application) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewModule(cfg, logger)
	app := modular.NewStdApplication(modular.NewStdConfigProvider(nil), logger)
	app.RegisterModule(m)
	if err := app.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := app.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = app.Stop() })
	return m, app
}

func call(t *testing.T, method, url, user string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestModule_EndToEnd(t *testing.T) {
	peer := newFakePeer(t)
	cfg := testConfig(t, peer.URL)
	m, app := startApp(t, cfg)
	base := "http://" + m.Addr()

	// Services are registered with the application.
	if _, ok := app.SvcRegistry()[ServiceEngine].(*workflow.Engine); !ok {
		t.Error("engine service should be registered")
	}

	// Peers come from the environment and are health checked on start.
	info, ok := m.Registry().GetServer("compliance-service")
	if !ok {
		t.Fatal("compliance-service not registered")
	}
	if info.Status != registry.StatusHealthy {
		t.Errorf("peer status = %s, want healthy", info.Status)
	}

	// Health reports the configured dependencies.
	resp := call(t, http.MethodGet, base+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", resp.StatusCode)
	}
	var health registry.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != registry.StatusHealthy || health.Server != "workflow-service" {
		t.Errorf("unexpected health %+v", health)
	}
	for _, dep := range []string{"redis", "records"} {
		if health.Dependencies[dep] != "healthy" {
			t.Errorf("dependency %s = %q, want healthy", dep, health.Dependencies[dep])
		}
	}

	// A manual trigger runs the pipeline end to end.
	resp = call(t, http.MethodPost, base+"/api/workflows/close-out/trigger", "alice", map[string]any{"documentId": "doc-42"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger: expected 200, got %d", resp.StatusCode)
	}
	var env struct {
		Data workflow.WorkflowExecution `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode execution: %v", err)
	}
	exec := env.Data
	if exec.Status != workflow.StatusCompleted || exec.TriggeredBy != "alice" {
		t.Errorf("status=%s triggeredBy=%q", exec.Status, exec.TriggeredBy)
	}

	select {
	case ev := <-peer.events:
		if ev.EventType != "deliverable_closed" || ev.SourceServer != "workflow-service" {
			t.Errorf("type=%q source=%q", ev.EventType, ev.SourceServer)
		}
		if ev.Data["documentId"] != "doc-42" {
			t.Errorf("documentId = %v", ev.Data["documentId"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer never received the published event")
	}

	// The execution was persisted to Redis.
	executions, ok := app.SvcRegistry()[ServiceExecutions].(*store.RedisStore)
	if !ok {
		t.Fatal("redis execution store expected")
	}
	saved, err := executions.Get(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("get saved execution: %v", err)
	}
	if saved.Status != workflow.StatusCompleted {
		t.Errorf("saved status = %s", saved.Status)
	}

	// Role changes are written back to the roles file.
	resp = call(t, http.MethodPut, base+"/api/roles/bob", "root", map[string]any{"roles": []string{"reviewer"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put role: expected 200, got %d", resp.StatusCode)
	}
	assignments, err := config.LoadRoleAssignments(cfg.RolesPath)
	if err != nil {
		t.Fatalf("load roles: %v", err)
	}
	if len(assignments) != 3 {
		t.Errorf("expected 3 assignments, got %d", len(assignments))
	}
}

func TestModule_InitFailsOnInvalidWorkflows(t *testing.T) {
	peer := newFakePeer(t)
	cfg := testConfig(t, peer.URL)
	if err := os.WriteFile(cfg.WorkflowsPath, []byte("workflows:\n  - id: \"\"\n"), 0o644); err != nil {
		t.Fatalf("write workflows: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app := modular.NewStdApplication(modular.NewStdConfigProvider(nil), logger)
	app.RegisterModule(NewModule(cfg, logger))
	if err := app.Init(); err == nil {
		t.Error("expected init to fail on an invalid workflow")
	}
}

func TestModule_MemoryDefaults(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Peers = nil

	m := NewModule(&cfg, nil)
	if err := m.build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}
	if checks := m.healthChecks(); len(checks) != 0 {
		t.Errorf("expected no dependency checks, got %d", len(checks))
	}
	if _, ok := m.executions.(*store.MemoryStore); !ok {
		t.Errorf("executions = %T, want *store.MemoryStore", m.executions)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop(context.Background())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"healthy"`) {
		t.Errorf("health: %d %s", rec.Code, rec.Body.String())
	}

	// Repeated peer pushes with the same event id are delivered once.
	body := `{"eventType":"deliverable_submitted","metadata":{"eventId":"evt-7"}}`
	codes := make([]int, 0, 2)
	for range 2 {
		rec = httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events/receive", strings.NewReader(body)))
		codes = append(codes, rec.Code)
	}
	if !slices.Equal(codes, []int{http.StatusAccepted, http.StatusOK}) {
		t.Errorf("codes = %v", codes)
	}
	if !strings.Contains(rec.Body.String(), `"duplicate":true`) {
		t.Errorf("second push not flagged duplicate: %s", rec.Body.String())
	}
}
