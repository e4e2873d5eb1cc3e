package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/eventflow/auth/rbac"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const serverYAML = `
serverId: coordinator-east
listenAddr: ":9090"
workflows: /etc/eventflow/workflows
watchWorkflows: true
peers:
  - id: compliance-service
    envVar: COMPLIANCE_URL
    capabilities: [compliance]
registry:
  healthCheckInterval: 30s
delivery:
  timeout: 2s
  rateLimit: 5
redis:
  address: localhost:6379
  ttl: 24h
tracing:
  endpoint: otel:4318
  sampleRate: 0.25
`

func TestLoadServerConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "server.yaml", serverYAML)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerID != "coordinator-east" || cfg.ListenAddr != ":9090" || !cfg.WatchWorkflows {
		t.Errorf("unexpected header fields %+v", cfg)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].EnvVar != "COMPLIANCE_URL" {
		t.Errorf("configured peers should replace the defaults, got %+v", cfg.Peers)
	}
	if cfg.Registry.HealthCheckInterval != 30*time.Second {
		t.Errorf("expected 30s interval, got %v", cfg.Registry.HealthCheckInterval)
	}
	if cfg.Registry.HealthCheckTimeout != 5*time.Second {
		t.Errorf("expected default timeout to survive, got %v", cfg.Registry.HealthCheckTimeout)
	}
	if cfg.Delivery.Timeout != 2*time.Second || cfg.Delivery.RateBurst != 10 {
		t.Errorf("unexpected delivery config %+v", cfg.Delivery)
	}
	if cfg.Redis.TTL != 24*time.Hour || cfg.Redis.Prefix != "eventflow:" {
		t.Errorf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Tracing.Endpoint != "otel:4318" || cfg.Tracing.ServiceName != "eventflow" {
		t.Errorf("unexpected tracing config %+v", cfg.Tracing)
	}

	specs := cfg.PeerSpecs()
	if len(specs) != 1 || specs[0].ID != "compliance-service" {
		t.Errorf("unexpected peer specs %+v", specs)
	}
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.ServerID != "workflow-service" || cfg.UserHeader != "X-User-ID" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Peers) != 4 {
		t.Errorf("expected the four well-known peers, got %d", len(cfg.Peers))
	}
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *ServerConfig)
		want   string
	}{
		{"missing server id", func(c *ServerConfig) { c.ServerID = "" }, "serverId"},
		{"peer without env", func(c *ServerConfig) { c.Peers = []PeerConfig{{ID: "x"}} }, "envVar"},
		{"duplicate peer", func(c *ServerConfig) {
			c.Peers = []PeerConfig{{ID: "x", EnvVar: "A"}, {ID: "x", EnvVar: "B"}}
		}, "duplicate"},
		{"bad sample rate", func(c *ServerConfig) { c.Tracing.SampleRate = 2 }, "sampleRate"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultServerConfig()
			tc.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

const notifyWorkflowYAML = `
workflows:
  - id: notify-on-submit
    name: Notify on submit
    enabled: true
    trigger:
      type: event
      event:
        eventType: deliverable_submitted
    actions:
      - id: tell
        type: notify
        order: 1
        config:
          recipients: [pm@example.com]
          message: "{{documentId}} submitted"
`

const scheduleWorkflowYAML = `
workflows:
  - id: nightly-sweep
    enabled: true
    trigger:
      type: schedule
      schedule:
        cron: "0 2 * * *"
    actions:
      - id: sweep
        type: update_record
        config:
          table: sweeps
          fields:
            ran: true
`

func TestLoadWorkflows_FileAndDirectory(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "a.yaml", notifyWorkflowYAML)
	writeFile(t, dir, "b.yml", scheduleWorkflowYAML)
	writeFile(t, dir, "README.md", "not yaml")

	defs, err := LoadWorkflows(file)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "notify-on-submit" {
		t.Fatalf("unexpected defs %+v", defs)
	}

	defs, err = LoadWorkflows(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(defs) != 2 || defs[1].ID != "nightly-sweep" {
		t.Fatalf("expected both workflows in file order, got %d", len(defs))
	}
}

func TestLoadWorkflows_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", notifyWorkflowYAML)
	writeFile(t, dir, "b.yaml", notifyWorkflowYAML)
	if _, err := LoadWorkflows(dir); err == nil || !strings.Contains(err.Error(), "already defined") {
		t.Errorf("expected duplicate id error, got %v", err)
	}

	bad := writeFile(t, t.TempDir(), "bad.yaml", "workflows:\n  - id: \"\"\n")
	if _, err := LoadWorkflows(bad); err == nil {
		t.Error("expected validation error")
	}

	if _, err := LoadWorkflows(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestWorkflowSource_HashTracksContent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wf.yaml", notifyWorkflowYAML)
	src := NewWorkflowSource(path)

	h1, err := src.Hash(t.Context())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, _ := src.Hash(t.Context())
	if h1 != h2 {
		t.Error("hash should be stable")
	}
	writeFile(t, dir, "wf.yaml", scheduleWorkflowYAML)
	h3, _ := src.Hash(t.Context())
	if h1 == h3 {
		t.Error("hash should change with content")
	}
}

func TestRoleAssignments_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")

	got, err := LoadRoleAssignments(path)
	if err != nil || got != nil {
		t.Fatalf("missing file should load as empty, got %v %v", got, err)
	}

	expiry := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []rbac.UserRoles{
		{UserID: "alice", Roles: []rbac.Role{rbac.RoleProgramManager}, AssignedBy: "admin"},
		{UserID: "bob", ProgramID: "prog-1", Roles: []rbac.Role{rbac.RoleReviewer}, ExpiryDate: &expiry},
	}
	if err := SaveRoleAssignments(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = LoadRoleAssignments(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[1].ProgramID != "prog-1" || !got[1].ExpiryDate.Equal(expiry) {
		t.Errorf("unexpected assignments %+v", got)
	}

	rm := rbac.NewRoleManager()
	if err := rm.Load(got); err != nil {
		t.Fatalf("role manager load: %v", err)
	}
	if !rm.HasPermission("alice", rbac.PermApproveWorkflows, "") {
		t.Error("loaded program manager should approve workflows")
	}
}

func TestWorkflowWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wf.yaml", notifyWorkflowYAML)

	var (
		mu     sync.Mutex
		events []WorkflowChangeEvent
	)
	w := NewWorkflowWatcher(NewWorkflowSource(path), func(ev WorkflowChangeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, WithWatchDebounce(20*time.Millisecond))
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	writeFile(t, dir, "wf.yaml", scheduleWorkflowYAML)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("expected a change event")
	}
	ev := events[len(events)-1]
	if len(ev.Workflows) != 1 || ev.Workflows[0].ID != "nightly-sweep" {
		t.Errorf("unexpected reloaded workflows %+v", ev.Workflows)
	}
	if ev.OldHash == ev.NewHash {
		t.Error("hashes should differ")
	}
}

func TestWorkflowWatcher_IgnoresInvalidContent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wf.yaml", notifyWorkflowYAML)

	called := make(chan struct{}, 1)
	w := NewWorkflowWatcher(NewWorkflowSource(path), func(WorkflowChangeEvent) {
		called <- struct{}{}
	}, WithWatchDebounce(20*time.Millisecond))
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	writeFile(t, dir, "wf.yaml", "workflows: [ {id: ") // unparsable

	select {
	case <-called:
		t.Fatal("invalid content must not be applied")
	case <-time.After(300 * time.Millisecond):
	}
}
